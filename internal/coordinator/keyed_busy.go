package coordinator

import "sync"

// keyedBusy is a try-lock per string key. It keeps the invariant that at
// most one evaluation or monitor step runs per symbol at a time; a caller
// that fails to acquire simply skips its tick.
type keyedBusy struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

func newKeyedBusy() *keyedBusy {
	return &keyedBusy{busy: make(map[string]struct{})}
}

// TryAcquire claims the key if it is free.
func (k *keyedBusy) TryAcquire(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, taken := k.busy[key]; taken {
		return false
	}
	k.busy[key] = struct{}{}
	return true
}

// Release frees the key.
func (k *keyedBusy) Release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.busy, key)
}
