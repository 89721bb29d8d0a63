package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

// ErrSessionNotFound is returned for unknown, expired or terminated session
// ids and for ids presented by a different client.
var ErrSessionNotFound = errors.New("session not found")

// SessionState is the lifecycle position of a gateway session.
type SessionState int

const (
	SessionUninitialized SessionState = iota
	SessionInitialized
	SessionActive
	SessionTerminated
)

func (s SessionState) String() string {
	switch s {
	case SessionInitialized:
		return "initialized"
	case SessionActive:
		return "active"
	case SessionTerminated:
		return "terminated"
	default:
		return "uninitialized"
	}
}

// Session is one downstream MCP session bound to a client. SpaceID is
// resolved once at initialize and stays fixed for the session's lifetime.
type Session struct {
	ID              string
	ClientID        string
	SpaceID         string
	ProtocolVersion string
	ClientInfo      mcp.Implementation
	CreatedAt       time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        SessionState
	lastActivity time.Time
	streaming    bool
	inflight     map[string]context.CancelFunc
}

// State returns the session's lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns when the session last handled a request.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *Session) markActive() {
	s.mu.Lock()
	if s.state == SessionInitialized {
		s.state = SessionActive
	}
	s.mu.Unlock()
}

// openStream claims the session's single notification stream.
func (s *Session) openStream() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streaming || s.state == SessionTerminated {
		return false
	}
	s.streaming = true
	return true
}

func (s *Session) closeStream() {
	s.mu.Lock()
	s.streaming = false
	s.mu.Unlock()
}

// track registers an in-flight request so notifications/cancelled can
// abort it. The returned release must be called when the request ends.
func (s *Session) track(ctx context.Context, requestID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	s.mu.Lock()
	s.inflight[requestID] = cancel
	s.mu.Unlock()
	return ctx, func() {
		stop()
		cancel()
		s.mu.Lock()
		delete(s.inflight, requestID)
		s.mu.Unlock()
	}
}

func (s *Session) cancelRequest(requestID string) bool {
	s.mu.Lock()
	cancel, ok := s.inflight[requestID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// SessionInfo is a read-only summary of a session.
type SessionInfo struct {
	ID              string    `json:"id"`
	ClientID        string    `json:"client_id"`
	ClientName      string    `json:"client_name,omitempty"`
	ClientVersion   string    `json:"client_version,omitempty"`
	ProtocolVersion string    `json:"protocol_version"`
	State           string    `json:"state"`
	Streaming       bool      `json:"streaming"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `json:"last_activity"`
}

// SessionStore holds live sessions in memory.
type SessionStore struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *zap.Logger
	now      func() time.Time
}

// NewSessionStore creates an empty store.
func NewSessionStore(logger *zap.Logger) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		logger:   logger,
		now:      time.Now,
	}
}

// Create allocates a session for clientID in the Initialized state.
func (s *SessionStore) Create(clientID, spaceID, protocolVersion string, info mcp.Implementation) *Session {
	now := s.now()
	ctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		ID:              uuid.NewString(),
		ClientID:        clientID,
		SpaceID:         spaceID,
		ProtocolVersion: protocolVersion,
		ClientInfo:      info,
		CreatedAt:       now,
		ctx:             ctx,
		cancel:          cancel,
		state:           SessionInitialized,
		lastActivity:    now,
		inflight:        make(map[string]context.CancelFunc),
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.logger.Debug("session created",
		zap.String("session_id", sess.ID),
		zap.String("client_id", clientID),
		zap.String("client_name", info.Name),
		zap.String("client_version", info.Version),
		zap.String("protocol_version", protocolVersion))
	return sess
}

// Get returns the session if it exists and belongs to clientID.
func (s *SessionStore) Get(sessionID, clientID string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok || sess.ClientID != clientID || sess.State() == SessionTerminated {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Terminate ends a session: in-flight requests and its notification
// stream are cancelled.
func (s *SessionStore) Terminate(sessionID string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if !ok {
		return false
	}
	sess.mu.Lock()
	sess.state = SessionTerminated
	sess.mu.Unlock()
	sess.cancel()

	s.logger.Debug("session terminated", zap.String("session_id", sessionID))
	return true
}

// ExpireIdle terminates sessions idle for longer than idle. A session with
// an open notification stream is never idle.
func (s *SessionStore) ExpireIdle(idle time.Duration) int {
	cutoff := s.now().Add(-idle)
	var expired []string
	s.mu.RLock()
	for id, sess := range s.sessions {
		sess.mu.Lock()
		if !sess.streaming && sess.lastActivity.Before(cutoff) {
			expired = append(expired, id)
		}
		sess.mu.Unlock()
	}
	s.mu.RUnlock()

	for _, id := range expired {
		s.Terminate(id)
	}
	if len(expired) > 0 {
		s.logger.Info("expired idle sessions", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// TerminateClient ends every session of clientID.
func (s *SessionStore) TerminateClient(clientID string) int {
	var ids []string
	s.mu.RLock()
	for id, sess := range s.sessions {
		if sess.ClientID == clientID {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	for _, id := range ids {
		s.Terminate(id)
	}
	return len(ids)
}

// List summarizes live sessions, newest first.
func (s *SessionStore) List() []SessionInfo {
	s.mu.RLock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sess.mu.Lock()
		out = append(out, SessionInfo{
			ID:              sess.ID,
			ClientID:        sess.ClientID,
			ClientName:      sess.ClientInfo.Name,
			ClientVersion:   sess.ClientInfo.Version,
			ProtocolVersion: sess.ProtocolVersion,
			State:           sess.state.String(),
			Streaming:       sess.streaming,
			CreatedAt:       sess.CreatedAt,
			LastActivity:    sess.lastActivity,
		})
		sess.mu.Unlock()
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Count returns the number of live sessions.
func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.sessions)
}
