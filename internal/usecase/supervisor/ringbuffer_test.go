package supervisor

import (
	"strings"
	"sync"
	"testing"
)

func TestRingBufferWithinCapacity(t *testing.T) {
	rb := newRingBuffer(64)
	rb.Write([]byte("hello "))
	rb.Write([]byte("world"))

	if got := rb.String(); got != "hello world" {
		t.Errorf("String() = %q", got)
	}
	if rb.TotalWritten() != 11 {
		t.Errorf("TotalWritten() = %d", rb.TotalWritten())
	}
}

func TestRingBufferDropsOldest(t *testing.T) {
	rb := newRingBuffer(8)
	rb.Write([]byte("0123456789"))

	if got := rb.String(); got != "23456789" {
		t.Errorf("String() = %q", got)
	}
	if rb.TotalWritten() != 10 {
		t.Errorf("TotalWritten() = %d, dropped bytes must still count", rb.TotalWritten())
	}
}

func TestRingBufferConcurrentWrites(t *testing.T) {
	rb := newRingBuffer(1024)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				rb.Write([]byte("x"))
			}
		}()
	}
	wg.Wait()

	if rb.TotalWritten() != 800 {
		t.Errorf("TotalWritten() = %d, want 800", rb.TotalWritten())
	}
	if got := rb.String(); got != strings.Repeat("x", 800) {
		t.Errorf("buffer content length = %d", len(got))
	}
}
