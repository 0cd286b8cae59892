package bridge

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/companion-dev/companion/internal/event"
	"github.com/companion-dev/companion/internal/logging"
	"github.com/companion-dev/companion/internal/plugin"
	"github.com/companion-dev/companion/internal/repometa"
	"github.com/companion-dev/companion/pkg/types"
)

// ErrSessionNotFound is returned for lookups of unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

type repoMetadata = repometa.Metadata

// Registry owns every live session and the collaborator references they
// share. Its own map has its own mutex; session state is only ever touched
// under the session's lock.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	store    Store
	plugins  *plugin.Invoker
	resolver repometa.Resolver
	hooks    *Hooks
	bus      *event.Bus
	log      zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore sets the persistence collaborator.
func WithStore(store Store) Option {
	return func(r *Registry) { r.store = store }
}

// WithPluginManager sets the plugin middleware.
func WithPluginManager(mgr plugin.Manager) Option {
	return func(r *Registry) { r.plugins = plugin.NewInvoker(mgr) }
}

// WithResolver sets the repository metadata collaborator.
func WithResolver(resolver repometa.Resolver) Option {
	return func(r *Registry) { r.resolver = resolver }
}

// WithBus sets the lifecycle event bus.
func WithBus(bus *event.Bus) Option {
	return func(r *Registry) { r.bus = bus }
}

// NewRegistry creates a registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		plugins:  plugin.NewInvoker(nil),
		hooks:    &Hooks{},
		log:      logging.With().Str("component", "bridge").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Hooks returns the launcher-facing callback registry.
func (r *Registry) Hooks() *Hooks { return r.hooks }

// NewSessionID generates a fresh session id.
func NewSessionID() string { return newID() }

// Create returns the session for id, creating it if needed. An empty id
// creates a session under a fresh id. The backend kind is applied only when
// explicitly passed, and never downgrades subprocess back to primary, so an
// unadorned browser attach cannot overwrite a deliberately typed session.
func (r *Registry) Create(id string, kind types.BackendKind) *Session {
	if id == "" {
		id = NewSessionID()
	}

	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		if kind != "" {
			r.applyKindLocked(s, kind)
		}
		r.mu.Unlock()
		return s
	}
	s = newSession(r, id, kind)
	r.sessions[id] = s
	r.mu.Unlock()

	s.mu.Lock()
	s.broadcastSnapshotLocked()
	s.persistLocked()
	s.mu.Unlock()

	r.publish(event.SessionCreated, id)
	return s
}

func (r *Registry) applyKindLocked(s *Session, kind types.BackendKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.BackendKind == types.BackendSubprocess && kind == types.BackendPrimary {
		s.log.Warn().Msg("ignoring backend downgrade to primary")
		return
	}
	s.state.BackendKind = kind
}

// Get looks up a session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Sessions returns all live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Remove deletes a session without touching its sockets; callers use it
// after taking the sockets offline themselves.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Close closes a session: upstream, adapter and browsers are asked to
// disconnect, the persisted record is removed, and the session is deleted.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	s.close()
	if r.store != nil {
		r.store.Remove(id)
	}
	r.publish(event.SessionDeleted, id)
	return nil
}

// CloseAll closes every session. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		_ = r.Close(id)
	}
}

// HandleCLIOpen attaches an upstream socket, creating the session on first
// attach.
func (r *Registry) HandleCLIOpen(id string, sock Socket) *Session {
	s := r.Create(id, "")
	s.HandleCLIOpen(sock)
	return s
}

// HandleBrowserOpen attaches a browser socket, creating the session on
// first attach.
func (r *Registry) HandleBrowserOpen(id string, sock Socket) *Session {
	s := r.Create(id, "")
	s.HandleBrowserOpen(sock)
	return s
}

func (r *Registry) publish(t event.Type, data any) {
	if r.bus != nil {
		r.bus.Publish(event.Event{Type: t, Data: data})
	}
}
