package tftp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// registry maps peer endpoints to their live session. The lock is only
// ever held for map operations.
type registry struct {
	mu         sync.Mutex
	sessions   map[string]*session
	staleAfter time.Duration
	log        logrus.FieldLogger
}

func newRegistry(staleAfter time.Duration, log logrus.FieldLogger) *registry {
	return &registry{
		sessions:   make(map[string]*session),
		staleAfter: staleAfter,
		log:        log,
	}
}

func (r *registry) register(addr net.Addr, s *session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := addr.String()
	if _, ok := r.sessions[key]; ok {
		return ErrDuplicateSession
	}
	r.sessions[key] = s
	return nil
}

func (r *registry) lookup(addr net.Addr) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[addr.String()]
}

// deregister removes addr only if it still maps to s, so a swept session
// finishing late can't remove its successor.
func (r *registry) deregister(addr net.Addr, s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := addr.String()
	if r.sessions[key] == s {
		delete(r.sessions, key)
	}
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// sweep drops sessions whose retransmission deadline passed more than
// staleAfter ago and cancels them. It returns the number removed.
func (r *registry) sweep(now time.Time) int {
	cutoff := now.Add(-r.staleAfter).UnixNano()

	var stale []*session
	r.mu.Lock()
	for key, s := range r.sessions {
		if d := s.deadlineNano.Load(); d != 0 && d < cutoff {
			stale = append(stale, s)
			delete(r.sessions, key)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		r.log.WithField("session", s.id).Warn("Reclaiming abandoned session")
		if s.cancel != nil {
			s.cancel()
		}
	}
	return len(stale)
}

// run sweeps every interval until ctx is done.
func (r *registry) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}
