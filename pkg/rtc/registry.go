package rtc

import "sync"

// Registry tracks the live coordinators of a process. It is owned by the
// process lifecycle and passed to whoever needs cross-conference access;
// there is deliberately no package-level instance.
type Registry struct {
	lock         sync.RWMutex
	coordinators map[string]*SessionCoordinator
}

func NewRegistry() *Registry {
	return &Registry{coordinators: make(map[string]*SessionCoordinator)}
}

func (r *Registry) Register(conferenceID string, c *SessionCoordinator) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.coordinators[conferenceID] = c
}

func (r *Registry) Unregister(conferenceID string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.coordinators, conferenceID)
}

func (r *Registry) Get(conferenceID string) *SessionCoordinator {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.coordinators[conferenceID]
}

func (r *Registry) ForEach(fn func(conferenceID string, c *SessionCoordinator)) {
	r.lock.RLock()
	snapshot := make(map[string]*SessionCoordinator, len(r.coordinators))
	for id, c := range r.coordinators {
		snapshot[id] = c
	}
	r.lock.RUnlock()

	for id, c := range snapshot {
		fn(id, c)
	}
}
