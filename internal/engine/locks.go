package engine

import "sync"

// participantLocks hands out one mutex per participant id.
// Entries are reference counted and dropped when the last holder unlocks.
type participantLocks struct {
	mu    sync.Mutex
	locks map[string]*participantLock
}

type participantLock struct {
	mu   sync.Mutex
	refs int
}

func newParticipantLocks() *participantLocks {
	return &participantLocks{locks: make(map[string]*participantLock)}
}

// lock acquires the participant's mutex and returns its release function.
func (p *participantLocks) lock(participantID string) func() {
	p.mu.Lock()
	l, ok := p.locks[participantID]
	if !ok {
		l = &participantLock{}
		p.locks[participantID] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, participantID)
		}
		p.mu.Unlock()
	}
}
