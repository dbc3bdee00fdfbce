package registry

import (
	"sync"

	"palsrelay/internal/models"
)

// Conn is a live connection handle owned by the registry while registered.
type Conn interface {
	ID() string
	UserID() int64
	// Send queues a frame for delivery. An error means the connection is
	// no longer usable.
	Send(frame models.ServerFrame) error
	Close() error
}

// userConns is the connection set of a single user. Each set carries its
// own lock so unrelated users never contend.
type userConns struct {
	mu    sync.Mutex
	conns map[string]Conn
	// dead is set once the set became empty and was detached from the
	// registry; a concurrent Register must retry with a fresh set.
	dead bool
}

type Registry struct {
	users sync.Map // int64 -> *userConns

	// OnEmpty is called when a user's last local connection is removed,
	// either explicitly or because a send failed.
	OnEmpty func(userID int64)
}

func New(onEmpty func(userID int64)) *Registry {
	return &Registry{OnEmpty: onEmpty}
}

// Register adds the connection under its user's set and reports whether it
// is the first local connection of that user.
func (r *Registry) Register(c Conn) bool {
	userID := c.UserID()
	for {
		v, _ := r.users.LoadOrStore(userID, &userConns{conns: make(map[string]Conn)})
		uc := v.(*userConns)

		uc.mu.Lock()
		if uc.dead {
			uc.mu.Unlock()
			continue
		}
		first := len(uc.conns) == 0
		uc.conns[c.ID()] = c
		uc.mu.Unlock()
		return first
	}
}

// Unregister removes the connection and reports whether it was the user's
// last local connection.
func (r *Registry) Unregister(c Conn) bool {
	return r.remove(c.UserID(), c.ID())
}

func (r *Registry) remove(userID int64, connID string) bool {
	v, ok := r.users.Load(userID)
	if !ok {
		return false
	}
	uc := v.(*userConns)

	uc.mu.Lock()
	if _, ok := uc.conns[connID]; !ok || uc.dead {
		uc.mu.Unlock()
		return false
	}
	delete(uc.conns, connID)
	last := len(uc.conns) == 0
	if last {
		uc.dead = true
		r.users.CompareAndDelete(userID, uc)
	}
	uc.mu.Unlock()

	if last && r.OnEmpty != nil {
		r.OnEmpty(userID)
	}
	return last
}

func (r *Registry) snapshot(userID int64) []Conn {
	v, ok := r.users.Load(userID)
	if !ok {
		return nil
	}
	uc := v.(*userConns)

	uc.mu.Lock()
	defer uc.mu.Unlock()
	conns := make([]Conn, 0, len(uc.conns))
	for _, c := range uc.conns {
		conns = append(conns, c)
	}
	return conns
}

// SendToUser delivers the frame to every local connection of the user and
// returns the number of successful sends. A connection that fails is
// removed and closed; the others still get the frame.
func (r *Registry) SendToUser(userID int64, frame models.ServerFrame) int {
	delivered := 0
	for _, c := range r.snapshot(userID) {
		if err := c.Send(frame); err != nil {
			r.remove(userID, c.ID())
			_ = c.Close()
			continue
		}
		delivered++
	}
	return delivered
}

// SendTo delivers the frame to a single registered connection. On failure
// the connection is removed and closed.
func (r *Registry) SendTo(c Conn, frame models.ServerFrame) bool {
	if err := c.Send(frame); err != nil {
		r.remove(c.UserID(), c.ID())
		_ = c.Close()
		return false
	}
	return true
}

// Disconnect closes every local connection of the user. Removal happens
// when each connection's loop exits and unregisters itself.
func (r *Registry) Disconnect(userID int64) int {
	conns := r.snapshot(userID)
	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}

// Connected reports whether the user has at least one local connection.
func (r *Registry) Connected(userID int64) bool {
	return len(r.snapshot(userID)) > 0
}

// Users returns the ids of users with at least one local connection.
func (r *Registry) Users() []int64 {
	var users []int64
	r.users.Range(func(k, _ any) bool {
		users = append(users, k.(int64))
		return true
	})
	return users
}

// Range calls fn for every registered connection until fn returns false.
func (r *Registry) Range(fn func(Conn) bool) {
	r.users.Range(func(k, _ any) bool {
		for _, c := range r.snapshot(k.(int64)) {
			if !fn(c) {
				return false
			}
		}
		return true
	})
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	n := 0
	r.Range(func(Conn) bool {
		n++
		return true
	})
	return n
}
