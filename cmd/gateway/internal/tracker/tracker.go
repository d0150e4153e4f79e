// Package tracker follows the lifecycle of client sessions:
// disconnected -> connecting -> connected -> disconnected, with connecting
// allowed to fall straight back to disconnected when the handshake fails.
package tracker

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-alerts/pkg/models"
)

// ErrInvalidTransition is returned when a lifecycle event does not apply to the
// session's current state. Callers treat it as a no-op.
var ErrInvalidTransition = errors.New("invalid session transition")

// Conn is one physical client connection.
type Conn interface {
	ID() string
	Deliver(ctx context.Context, msg models.NotificationMessage) error
	// Status mirrors the session state to the client. It must not block.
	Status(state models.SessionState)
	Close()
}

const shardCount = 32

type entry struct {
	userID      string
	state       models.SessionState
	conn        Conn
	connectedAt time.Time
	lastSeen    time.Time
}

type sessionShard struct {
	mu       sync.Mutex
	sessions map[string]*entry
}

type userShard struct {
	mu    sync.RWMutex
	conns map[string]map[string]Conn // userID -> sessionID -> conn, connected only
}

// Tracker is safe for concurrent use. Transitions of one session are
// serialized on its shard; lock order is session shard, then user shard.
type Tracker struct {
	sessions [shardCount]*sessionShard
	users    [shardCount]*userShard

	timeout   time.Duration
	now       func() time.Time
	onOffline func(userID string)
	logger    *zap.Logger
}

type Option func(*Tracker)

// WithClock replaces time.Now for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithOfflineHook is called when a user's last session goes away.
func WithOfflineHook(fn func(userID string)) Option {
	return func(t *Tracker) { t.onOffline = fn }
}

func New(livenessTimeout time.Duration, logger *zap.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		timeout:   livenessTimeout,
		now:       time.Now,
		onOffline: func(string) {},
		logger:    logger,
	}
	for i := 0; i < shardCount; i++ {
		t.sessions[i] = &sessionShard{sessions: make(map[string]*entry)}
		t.users[i] = &userShard{conns: make(map[string]map[string]Conn)}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func shardFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

// OnConnect registers the session as connecting, runs the transport handshake
// and marks it connected. A failed handshake leaves the session disconnected.
func (t *Tracker) OnConnect(ctx context.Context, sessionID, userID string, conn Conn, handshake func(context.Context) error) error {
	t.BeginConnect(sessionID, userID, conn)

	if handshake != nil {
		if err := handshake(ctx); err != nil {
			t.FailConnect(sessionID)
			return err
		}
	}
	return t.CompleteConnect(sessionID)
}

// BeginConnect moves the session to connecting. A live session with the same
// id is replaced and its old connection closed.
func (t *Tracker) BeginConnect(sessionID, userID string, conn Conn) {
	ss := t.sessions[shardFor(sessionID)]
	ss.mu.Lock()

	var replaced Conn
	var offlineUser string
	if old, ok := ss.sessions[sessionID]; ok {
		if old.state == models.StateConnected && t.unindex(old.userID, sessionID) {
			offlineUser = old.userID
		}
		replaced = old.conn
	}

	now := t.now()
	ss.sessions[sessionID] = &entry{
		userID:   userID,
		state:    models.StateConnecting,
		conn:     conn,
		lastSeen: now,
	}
	conn.Status(models.StateConnecting)
	ss.mu.Unlock()

	if replaced != nil && replaced != conn {
		t.logger.Info("Replacing live session", zap.String("session_id", sessionID), zap.String("user_id", userID))
		replaced.Close()
	}
	if offlineUser != "" {
		t.onOffline(offlineUser)
	}
}

// CompleteConnect moves a connecting session to connected.
func (t *Tracker) CompleteConnect(sessionID string) error {
	ss := t.sessions[shardFor(sessionID)]
	ss.mu.Lock()
	defer ss.mu.Unlock()

	e, ok := ss.sessions[sessionID]
	if !ok || e.state != models.StateConnecting {
		return ErrInvalidTransition
	}

	now := t.now()
	e.state = models.StateConnected
	e.connectedAt = now
	e.lastSeen = now

	us := t.users[shardFor(e.userID)]
	us.mu.Lock()
	if us.conns[e.userID] == nil {
		us.conns[e.userID] = make(map[string]Conn)
	}
	us.conns[e.userID][sessionID] = e.conn
	us.mu.Unlock()

	e.conn.Status(models.StateConnected)
	t.logger.Debug("Session connected", zap.String("session_id", sessionID), zap.String("user_id", e.userID))
	return nil
}

// FailConnect drops a session whose handshake failed. Other states are left alone.
func (t *Tracker) FailConnect(sessionID string) {
	ss := t.sessions[shardFor(sessionID)]
	ss.mu.Lock()
	defer ss.mu.Unlock()

	e, ok := ss.sessions[sessionID]
	if !ok || e.state != models.StateConnecting {
		return
	}
	delete(ss.sessions, sessionID)
	e.conn.Status(models.StateDisconnected)
}

// OnDisconnect removes the session. Unknown sessions are ignored because
// transports may redeliver lifecycle events.
func (t *Tracker) OnDisconnect(sessionID string) {
	t.disconnect(sessionID, nil)
}

// Release is OnDisconnect for a specific connection: it is ignored when the
// session id has since been taken over by another connection.
func (t *Tracker) Release(sessionID string, conn Conn) {
	t.disconnect(sessionID, conn)
}

func (t *Tracker) disconnect(sessionID string, conn Conn) {
	ss := t.sessions[shardFor(sessionID)]
	ss.mu.Lock()

	e, ok := ss.sessions[sessionID]
	if !ok || (conn != nil && e.conn != conn) {
		ss.mu.Unlock()
		return
	}
	delete(ss.sessions, sessionID)

	offline := false
	if e.state == models.StateConnected {
		offline = t.unindex(e.userID, sessionID)
	}
	ss.mu.Unlock()

	t.logger.Debug("Session disconnected", zap.String("session_id", sessionID), zap.String("user_id", e.userID))
	if offline {
		t.onOffline(e.userID)
	}
}

// unindex removes the session from its user's live set and reports whether it was the last one.
func (t *Tracker) unindex(userID, sessionID string) bool {
	us := t.users[shardFor(userID)]
	us.mu.Lock()
	defer us.mu.Unlock()

	set := us.conns[userID]
	if _, ok := set[sessionID]; !ok {
		return false
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(us.conns, userID)
		return true
	}
	return false
}

// Touch records liveness for the session.
func (t *Tracker) Touch(sessionID string) {
	ss := t.sessions[shardFor(sessionID)]
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if e, ok := ss.sessions[sessionID]; ok {
		e.lastSeen = t.now()
	}
}

// ActiveSessions returns the connected session ids of the user, sorted.
func (t *Tracker) ActiveSessions(userID string) []string {
	us := t.users[shardFor(userID)]
	us.mu.RLock()
	defer us.mu.RUnlock()

	out := make([]string, 0, len(us.conns[userID]))
	for id := range us.conns[userID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Connections returns the connected sessions of the user for delivery.
func (t *Tracker) Connections(userID string) []Conn {
	us := t.users[shardFor(userID)]
	us.mu.RLock()
	defer us.mu.RUnlock()

	out := make([]Conn, 0, len(us.conns[userID]))
	for _, c := range us.conns[userID] {
		out = append(out, c)
	}
	return out
}

// Session returns a snapshot of one session.
func (t *Tracker) Session(sessionID string) (models.Session, bool) {
	ss := t.sessions[shardFor(sessionID)]
	ss.mu.Lock()
	defer ss.mu.Unlock()

	e, ok := ss.sessions[sessionID]
	if !ok {
		return models.Session{SessionID: sessionID, State: models.StateDisconnected}, false
	}
	return models.Session{
		SessionID:   sessionID,
		UserID:      e.userID,
		State:       e.state,
		ConnectedAt: e.connectedAt,
	}, true
}

// ExpireStale disconnects and closes sessions not seen within the liveness
// timeout. It returns how many were expired.
func (t *Tracker) ExpireStale() int {
	cutoff := t.now().Add(-t.timeout)

	type victim struct {
		id   string
		conn Conn
	}
	var victims []victim
	for _, ss := range t.sessions {
		ss.mu.Lock()
		for id, e := range ss.sessions {
			if e.lastSeen.Before(cutoff) {
				victims = append(victims, victim{id: id, conn: e.conn})
			}
		}
		ss.mu.Unlock()
	}

	for _, v := range victims {
		t.Release(v.id, v.conn)
		v.conn.Close()
	}
	if len(victims) > 0 {
		t.logger.Info("Expired stale sessions", zap.Int("count", len(victims)))
	}
	return len(victims)
}
