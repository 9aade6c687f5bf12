package service

import "sync"

// keyedMutex serializes operations per key (account or purchase). It is the
// in-process serialization boundary; row-level locks cover multi-instance
// deployments on databases that support them.
type keyedMutex struct {
	locks sync.Map // key -> *sync.Mutex
}

// Lock blocks until the key's mutex is held and returns the unlock func.
func (k *keyedMutex) Lock(key string) func() {
	v, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
