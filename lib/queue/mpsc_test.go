package queue

import (
	"runtime"
	"sync"
	"testing"
	"time"
)

// TestPushRecv tests basic push and receive
func TestPushRecv(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	for i := 0; i < 10; i++ {
		if !q.Push(&i) {
			t.Fatalf("Failed to push item %d", i)
		}
	}

	for i := 0; i < 10; i++ {
		select {
		case val := <-q.Recv():
			if *val != i {
				t.Errorf("Expected %d, got %d", i, *val)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("Timeout waiting for item %d", i)
		}
	}
}

// TestPushNil verifies nil values are rejected
func TestPushNil(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	if q.Push(nil) {
		t.Error("Push(nil) should return false")
	}
}

// TestCloseDrains verifies that Close keeps pending items and closes Recv afterwards
func TestCloseDrains(t *testing.T) {
	q := NewLockFreeMPSC[int]()

	for i := 0; i < 5; i++ {
		q.Push(&i)
	}
	q.Close()

	val := 100
	if q.Push(&val) {
		t.Error("Should not be able to push after queue is closed")
	}
	if !q.IsClosed() {
		t.Error("IsClosed should be true after Close")
	}

	received := 0
	for v := range q.Recv() {
		if *v != received {
			t.Errorf("Expected %d, got %d", received, *v)
		}
		received++
	}
	if received != 5 {
		t.Errorf("Expected 5 items after close, got %d", received)
	}

	select {
	case <-q.Done():
	case <-time.After(time.Second):
		t.Fatal("Done was not closed after draining")
	}
}

// TestPushRacingClose verifies that every accepted push is delivered, also
// when Close lands while producers are appending
func TestPushRacingClose(t *testing.T) {
	const (
		rounds    = 500
		producers = 4
		perRound  = 50
	)

	for round := 0; round < rounds; round++ {
		q := NewLockFreeMPSC[int]()

		var accepted sync.WaitGroup
		var mu sync.Mutex
		ok := 0

		accepted.Add(producers)
		for p := 0; p < producers; p++ {
			go func() {
				defer accepted.Done()
				n := 0
				for i := 0; i < perRound; i++ {
					v := i
					if q.Push(&v) {
						n++
					}
				}
				mu.Lock()
				ok += n
				mu.Unlock()
			}()
		}

		if round%2 == 0 {
			runtime.Gosched()
		}
		q.Close()

		received := 0
		for range q.Recv() {
			received++
		}
		accepted.Wait()

		if received != ok {
			t.Fatalf("round %d: %d pushes accepted, %d delivered", round, ok, received)
		}
	}
}

// TestCloseEmpty verifies that an idle pump wakes up and exits on Close
func TestCloseEmpty(t *testing.T) {
	q := NewLockFreeMPSC[string]()

	// give the pump time to park on the condition variable
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case <-q.Done():
	case <-time.After(time.Second):
		t.Fatal("pump did not exit after Close on an empty queue")
	}
}

// TestMultipleProducers tests concurrent pushes from many goroutines
func TestMultipleProducers(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	const numProducers = 8
	const itemsPerProducer = 1000
	const totalItems = numProducers * itemsPerProducer

	// per producer ordering must hold
	last := make([]int, numProducers)
	for i := range last {
		last[i] = -1
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < totalItems; i++ {
			select {
			case v := <-q.Recv():
				p, seq := *v/itemsPerProducer, *v%itemsPerProducer
				if seq <= last[p] {
					t.Errorf("producer %d out of order: %d after %d", p, seq, last[p])
				}
				last[p] = seq
			case <-time.After(2 * time.Second):
				t.Errorf("Timeout waiting for items, received %d of %d", i, totalItems)
				return
			}
		}
	}()

	var wg sync.WaitGroup
	wg.Add(numProducers)
	for p := 0; p < numProducers; p++ {
		go func(producerID int) {
			defer wg.Done()
			for i := 0; i < itemsPerProducer; i++ {
				val := producerID*itemsPerProducer + i
				if !q.Push(&val) {
					t.Errorf("Producer %d failed to push item %d", producerID, i)
				}
				if i%100 == 0 {
					runtime.Gosched()
				}
			}
		}(p)
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for consumer to finish")
	}
}

// TestSingleProducerOrder verifies strict FIFO for one producer
func TestSingleProducerOrder(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	const itemCount = 10000
	go func() {
		for i := 0; i < itemCount; i++ {
			q.Push(&i)
		}
	}()

	for i := 0; i < itemCount; i++ {
		select {
		case val := <-q.Recv():
			if *val != i {
				t.Fatalf("Expected %d, got %d", i, *val)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timeout waiting for item %d", i)
		}
	}
}

// BenchmarkMultiProducer benchmarks the queue with parallel producers
func BenchmarkMultiProducer(b *testing.B) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	go func() {
		for range q.Recv() {
		}
	}()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			q.Push(&i)
			i++
		}
	})
}
