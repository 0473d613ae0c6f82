package signal

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Registry tracks live signaling connections and which extension each one
// has registered. At most one connection owns an extension at a time;
// re-registration overwrites the mapping and the previous connection is
// simply no longer reachable by extension (last writer wins).
type Registry struct {
	logger *slog.Logger

	mu     sync.Mutex
	conns  map[string]*Conn
	byExt  map[string]string
}

// NewRegistry creates an empty connection registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger.With("subsystem", "registry"),
		conns:  make(map[string]*Conn),
		byExt:  make(map[string]string),
	}
}

// Add assigns the connection a unique id and tracks it.
func (r *Registry) Add(c *Conn) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.conns[id] = c
	r.mu.Unlock()

	r.logger.Debug("connection added", "conn_id", id)
	return id
}

// Remove drops a connection and any extension mapping it owns. Idempotent.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	_, ok := r.conns[id]
	delete(r.conns, id)
	for ext, owner := range r.byExt {
		if owner == id {
			delete(r.byExt, ext)
		}
	}
	r.mu.Unlock()

	if ok {
		r.logger.Debug("connection removed", "conn_id", id)
	}
}

// BindExtension maps ext to the given connection, replacing any previous
// owner.
func (r *Registry) BindExtension(ext, connID string) {
	r.mu.Lock()
	prev, had := r.byExt[ext]
	r.byExt[ext] = connID
	r.mu.Unlock()

	if had && prev != connID {
		r.logger.Warn("extension re-registered elsewhere, previous connection orphaned",
			"ext", ext,
			"previous_conn", prev,
			"conn_id", connID,
		)
	}
}

// ByExtension returns the connection registered as ext, or nil.
func (r *Registry) ByExtension(ext string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byExt[ext]
	if !ok {
		return nil
	}
	return r.conns[id]
}

// Get returns the connection with the given id, or nil.
func (r *Registry) Get(id string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[id]
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// RegisteredExtensions returns the number of extensions currently bound.
func (r *Registry) RegisteredExtensions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byExt)
}
