package papertrading

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atlas-desktop/strategy-sim/internal/feed"
	"github.com/atlas-desktop/strategy-sim/internal/metrics"
	"github.com/atlas-desktop/strategy-sim/internal/storage"
	"github.com/atlas-desktop/strategy-sim/pkg/types"
	"go.uber.org/zap"
)

// Registry tracks running sessions. The application root builds one and
// passes it to whatever needs to reach sessions.
type Registry struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	source   feed.Source
	sink     storage.Sink
	recorder *metrics.Recorder
	sessions map[string]*Session
}

// NewRegistry creates a registry whose sessions share source and sink
func NewRegistry(logger *zap.Logger, source feed.Source, sink storage.Sink, recorder *metrics.Recorder) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:   logger,
		source:   source,
		sink:     sink,
		recorder: recorder,
		sessions: make(map[string]*Session),
	}
}

// Start creates and starts a session. An empty config id is generated.
func (r *Registry) Start(ctx context.Context, config types.SessionConfig, def *types.StrategyDefinition) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[config.ID]; exists && config.ID != "" {
		return nil, fmt.Errorf("%w: %s", types.ErrSessionExists, config.ID)
	}
	session, err := NewSession(r.logger, config, def, r.source, r.sink, r.recorder)
	if err != nil {
		return nil, err
	}
	if err := session.Start(ctx); err != nil {
		return nil, err
	}
	r.sessions[session.ID()] = session
	r.recorder.SetActiveSessions(len(r.sessions))
	return session, nil
}

// Get returns a running session
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, id)
	}
	return session, nil
}

// List returns snapshots of all sessions sorted by id
func (r *Registry) List() []types.SessionSnapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]types.SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Stop stops a session and removes it from the registry. The stopped
// session keeps its orders and positions for callers holding it.
func (r *Registry) Stop(id string) error {
	r.mu.Lock()
	session, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		r.recorder.SetActiveSessions(len(r.sessions))
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", types.ErrSessionNotFound, id)
	}
	session.Stop()
	return nil
}

// StopAll stops every session
func (r *Registry) StopAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.recorder.SetActiveSessions(0)
	r.mu.Unlock()

	for _, session := range sessions {
		session.Stop()
	}
	r.logger.Info("Stopped all paper sessions", zap.Int("count", len(sessions)))
}
