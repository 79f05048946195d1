package stats

import (
	"sync"
	"testing"
)

func TestEmptyHistogram(t *testing.T) {
	h := NewSizeHistogram()
	if h.Count() != 0 || h.Average() != 0 || h.Percentile(50) != 0 {
		t.Errorf("empty histogram should report zeros, got %s", h)
	}
	_, shares := h.Distribution()
	for i, s := range shares {
		if s != 0 {
			t.Errorf("share %d = %f, want 0", i, s)
		}
	}
}

func TestBucketOf(t *testing.T) {
	tests := []struct {
		size int
		want int
	}{
		{0, 0},
		{16, 0},
		{17, 1},
		{1024, 3},
		{1025, 4},
		{16777216, 10},
		{16777217, 11},
	}
	for _, tc := range tests {
		if got := bucketOf(tc.size); got != tc.want {
			t.Errorf("bucketOf(%d) = %d, want %d", tc.size, got, tc.want)
		}
	}
}

func TestAverageAndPercentile(t *testing.T) {
	h := NewSizeHistogram()
	for i := 0; i < 99; i++ {
		h.AddSample(10)
	}
	h.AddSample(5000)

	if h.Count() != 100 {
		t.Fatalf("Count = %d, want 100", h.Count())
	}
	if got, want := h.Average(), (99*10+5000)/100; got != want {
		t.Errorf("Average = %d, want %d", got, want)
	}
	if got := h.Percentile(50); got != 8 {
		t.Errorf("p50 = %d, want 8", got)
	}
	if got := h.Percentile(100); got != (4096+16384)/2 {
		t.Errorf("p100 = %d, want %d", got, (4096+16384)/2)
	}
	if got := h.Percentile(101); got != 0 {
		t.Errorf("p101 = %d, want 0", got)
	}
}

func TestOverflowBucket(t *testing.T) {
	h := NewSizeHistogram()
	h.AddSample(32 * 1024 * 1024)
	if got, want := h.Percentile(50), 2*16777216; got != want {
		t.Errorf("p50 = %d, want %d", got, want)
	}
	_, shares := h.Distribution()
	if shares[len(shares)-1] != 100 {
		t.Errorf("overflow share = %f, want 100", shares[len(shares)-1])
	}
}

func TestNegativeIgnored(t *testing.T) {
	h := NewSizeHistogram()
	h.AddSample(-1)
	if h.Count() != 0 {
		t.Errorf("Count = %d, want 0", h.Count())
	}
}

func TestConcurrentAdd(t *testing.T) {
	h := NewSizeHistogram()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				h.AddSample(100)
			}
		}()
	}
	wg.Wait()

	if h.Count() != 8000 {
		t.Errorf("Count = %d, want 8000", h.Count())
	}
	if h.Average() != 100 {
		t.Errorf("Average = %d, want 100", h.Average())
	}

	h.Reset()
	if h.Count() != 0 || h.Average() != 0 {
		t.Errorf("Reset left %s", h)
	}
}
