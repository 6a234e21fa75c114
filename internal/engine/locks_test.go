package engine

import (
	"sync"
	"testing"
)

func TestLockRegistrySerializesSameConversation(t *testing.T) {
	registry := newLockRegistry()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := registry.lock("c1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
}

func TestLockRegistryCleansUpEntries(t *testing.T) {
	registry := newLockRegistry()

	unlock := registry.lock("c1")
	unlock()

	registry.mu.Lock()
	remaining := len(registry.locks)
	registry.mu.Unlock()
	if remaining != 0 {
		t.Errorf("registry entries after release = %d, want 0", remaining)
	}
}

func TestLockRegistryIndependentConversations(t *testing.T) {
	registry := newLockRegistry()

	unlockA := registry.lock("a")
	defer unlockA()

	// Holding "a" must not block "b".
	done := make(chan struct{})
	go func() {
		unlockB := registry.lock("b")
		unlockB()
		close(done)
	}()
	<-done
}
