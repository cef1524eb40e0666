package keylock

import (
	"sync"
	"testing"
)

func TestLockSerializesSameKey(t *testing.T) {
	locker := New()
	counter := 0
	var wg sync.WaitGroup
	for index := 0; index < 50; index++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := locker.Lock("user-1")
			defer release()
			current := counter
			current++
			counter = current
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("expected 50 serialized increments, got %d", counter)
	}
	if locker.Len() != 0 {
		t.Fatalf("expected lock table to drain, got %d keys", locker.Len())
	}
}

func TestLockIsolatesKeys(t *testing.T) {
	locker := New()
	release := locker.Lock("user-1|general_hourly")
	acquired := make(chan struct{})
	go func() {
		other := locker.Lock("user-2|general_hourly")
		other()
		close(acquired)
	}()
	<-acquired
	if locker.Len() != 1 {
		t.Fatalf("expected only the held key to remain, got %d", locker.Len())
	}
	release()
	if locker.Len() != 0 {
		t.Fatalf("expected lock table to drain, got %d keys", locker.Len())
	}
}
