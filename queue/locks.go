package queue

import "sync"

// ProviderLocks serializes health-sensitive operations per provider while
// leaving different providers fully parallel. This is the only cross-cutting
// mutex in the engine; nothing serializes unrelated providers.
type ProviderLocks struct {
	mutex sync.Mutex
	locks map[string]*sync.Mutex
}

func NewProviderLocks() *ProviderLocks {
	return &ProviderLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the lock for one provider and returns the release function.
func (p *ProviderLocks) Lock(providerID string) func() {
	p.mutex.Lock()
	lock, ok := p.locks[providerID]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[providerID] = lock
	}
	p.mutex.Unlock()

	lock.Lock()
	return lock.Unlock
}
