package common

import "fmt"

// ShortFrameError is returned when a buffer ends before a field is complete
type ShortFrameError struct {
	Name    string
	Size    int
	Minimum int
}

func (e *ShortFrameError) Error() string {
	return fmt.Sprintf("short %s: got %d bytes, need at least %d", e.Name, e.Size, e.Minimum)
}

// FrameTooLargeError is returned when a peer announces a frame above the limit
type FrameTooLargeError struct {
	Size uint32
	Max  uint32
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("frame of %d bytes exceeds the limit of %d bytes", e.Size, e.Max)
}

// ChecksumMismatchError is returned when a payload does not match its checksum
type ChecksumMismatchError struct {
	MessageID MessageID
	Expected  uint32
	Actual    uint32
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for message %s: expected %08x, got %08x", e.MessageID, e.Expected, e.Actual)
}
