// Package broker matches in-flight tool-permission requests from the agent
// with the responses clients send back. Each request gets exactly one
// resolution; everything after that is a no-op.
package broker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/pkg/agentwire"
)

var (
	// ErrNotFound reports an unknown or already-resolved request id.
	ErrNotFound = errors.New("permission request not found")

	// ErrSessionMismatch reports a response addressed to the wrong session.
	ErrSessionMismatch = errors.New("permission request belongs to another session")

	// ErrAlreadyPending reports a second permission request arriving while
	// one is still unresolved for the session.
	ErrAlreadyPending = errors.New("permission request already pending")
)

// pendingPermission is one unresolved request. The channel has a buffer of
// one so the resolver never blocks on the waiter.
type pendingPermission struct {
	sessionID string
	toolName  string
	resultCh  chan agentwire.PermissionResult
	createdAt time.Time
}

// Broker is the in-memory registry of pending permission requests. Requests
// do not survive a restart; session rehydration clears the persisted
// counterparts.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingPermission
	logger  *logger.Logger
}

func NewBroker(log *logger.Logger) *Broker {
	return &Broker{
		pending: make(map[string]*pendingPermission),
		logger:  log.WithFields(zap.String("component", "permission-broker")),
	}
}

// Register records a new pending request and returns the channel its
// resolution will arrive on. A session may hold at most one pending request
// at a time; a duplicate registration is rejected.
func (b *Broker) Register(sessionID, requestID, toolName string) (<-chan agentwire.PermissionResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.pending[requestID]; exists {
		return nil, ErrAlreadyPending
	}
	for _, p := range b.pending {
		if p.sessionID == sessionID {
			return nil, ErrAlreadyPending
		}
	}

	p := &pendingPermission{
		sessionID: sessionID,
		toolName:  toolName,
		resultCh:  make(chan agentwire.PermissionResult, 1),
		createdAt: time.Now(),
	}
	b.pending[requestID] = p

	b.logger.Debug("permission request registered",
		zap.String("session_id", sessionID),
		zap.String("request_id", requestID),
		zap.String("tool", toolName))
	return p.resultCh, nil
}

// Resolve delivers a client's response to the waiter. Unknown or
// already-resolved request ids return ErrNotFound; a response addressed to
// a request owned by a different session is rejected without resolving it.
func (b *Broker) Resolve(sessionID, requestID string, result agentwire.PermissionResult) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[requestID]
	if !ok {
		return ErrNotFound
	}
	if p.sessionID != sessionID {
		return ErrSessionMismatch
	}

	delete(b.pending, requestID)
	p.resultCh <- result

	b.logger.Debug("permission request resolved",
		zap.String("session_id", sessionID),
		zap.String("request_id", requestID),
		zap.String("behavior", result.Behavior))
	return nil
}

// Lookup returns the owning session of a pending request.
func (b *Broker) Lookup(requestID string) (sessionID string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, found := b.pending[requestID]
	if !found {
		return "", false
	}
	return p.sessionID, true
}

// CancelSession resolves every pending request of a session with a deny
// carrying the interrupt flag. Used on interrupt, delete and agent exit.
func (b *Broker) CancelSession(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for id, p := range b.pending {
		if p.sessionID != sessionID {
			continue
		}
		interrupt := true
		delete(b.pending, id)
		p.resultCh <- agentwire.PermissionResult{
			Behavior:  agentwire.BehaviorDeny,
			Message:   "cancelled",
			Interrupt: &interrupt,
		}
		count++
	}

	if count > 0 {
		b.logger.Debug("pending permission requests cancelled",
			zap.String("session_id", sessionID),
			zap.Int("count", count))
	}
	return count
}
