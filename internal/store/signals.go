package store

import "sync"

// signals lets blocked claims wait for an append on a tenant's stream.
// A waiter takes the tenant's current channel; broadcast closes it and the
// next waiter gets a fresh one.
type signals struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
}

func newSignals() *signals {
	return &signals{chans: make(map[string]chan struct{})}
}

func (s *signals) wait(tenant string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.chans[tenant]
	if !ok {
		ch = make(chan struct{})
		s.chans[tenant] = ch
	}
	return ch
}

func (s *signals) broadcast(tenant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.chans[tenant]; ok {
		close(ch)
		delete(s.chans, tenant)
	}
}
