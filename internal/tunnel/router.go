package tunnel

import (
	"sync"

	"github.com/1ureka/ctunnel/internal/protocol"
)

// router is the session table of a multiplexed link.
type router struct {
	mu     sync.Mutex
	routes map[protocol.SessionKey]*session
	done   <-chan struct{} // link done
}

func newRouter(done <-chan struct{}) *router {
	return &router{
		routes: make(map[protocol.SessionKey]*session),
		done:   done,
	}
}

// register adds s and starts an auto-cleanup goroutine that removes the entry
// once the session has finished or the link is gone.
func (r *router) register(s *session) {
	r.mu.Lock()
	r.routes[s.key] = s
	r.mu.Unlock()

	go func() {
		s.wait(r.done)
		r.remove(s)
	}()
}

func (r *router) remove(s *session) {
	r.mu.Lock()
	if r.routes[s.key] == s {
		delete(r.routes, s.key)
	}
	r.mu.Unlock()
}

// lookup returns the live or closing session for key. A finished session is
// reported as absent.
func (r *router) lookup(key protocol.SessionKey) *session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.routes[key]
	if !ok {
		return nil
	}
	if s.finished() {
		delete(r.routes, key)
		return nil
	}
	return s
}

// contains reports whether key is taken.
func (r *router) contains(key protocol.SessionKey) bool {
	return r.lookup(key) != nil
}

// len returns the number of sessions in the table.
func (r *router) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routes)
}
