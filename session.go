package nodekit

import (
	"context"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// BrokerConn is the single-session broker client the session manager
// drives. mqtt.MqttClient is the production implementation.
type BrokerConn interface {
	Connect(ctx context.Context, topics []string) error
	IsConnected() bool
	Publish(topic string, payload []byte, retain bool) error
	SetWill(topic string, payload []byte)
	Disconnect() error
}

const defaultSessionBaseDelay = 2 * time.Second
const defaultSessionMaxAttempts = 10
const defaultSessionFallbackInterval = 60 * time.Second

// SessionManager keeps the broker session alive. Reconnect delay grows
// linearly with the attempt count; past MaxAttempts the manager drops
// into fallback mode, where the local admin surface keeps serving and
// the broker is retried at a slow fixed interval forever. A successful
// connection resets the attempt counter.
type SessionManager struct {
	BaseDelay        time.Duration
	MaxAttempts      int
	FallbackInterval time.Duration

	// OnSessionUp runs after every successful (re)connection; the agent
	// republishes online state and a status snapshot there, since the
	// session start is the only point where retained state is known to
	// be synchronized.
	OnSessionUp func()

	conn        BrokerConn
	topics      Topics
	attempts    int
	nextAttempt time.Time
	fallback    bool
	state       ConnectionState
	now         func() time.Time
	logger      *log.Logger
}

func NewSessionManager(conn BrokerConn, topics Topics) *SessionManager {
	conn.SetWill(topics.Online, encodeOnline(false))

	return &SessionManager{
		BaseDelay:        defaultSessionBaseDelay,
		MaxAttempts:      defaultSessionMaxAttempts,
		FallbackInterval: defaultSessionFallbackInterval,
		conn:             conn,
		topics:           topics,
		now:              time.Now,
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "SessionManager: ",
			Level:  log.GetLevel(),
		}),
	}
}

func (sm *SessionManager) State() ConnectionState {
	return sm.state
}

func (sm *SessionManager) InFallback() bool {
	return sm.fallback
}

func (sm *SessionManager) Connected() bool {
	return sm.conn.IsConnected()
}

// EnsureSession is called every supervisory cycle while the link is up.
// It attempts at most one connection per call and never blocks past the
// client connect timeout.
func (sm *SessionManager) EnsureSession(ctx context.Context) ConnectionState {
	if sm.conn.IsConnected() {
		sm.state = SessionUp
		return sm.state
	}

	now := sm.now()
	sm.state = SessionConnecting

	if now.Before(sm.nextAttempt) {
		return sm.state
	}

	err := sm.conn.Connect(ctx, []string{sm.topics.Command, sm.topics.Ota})
	if err == nil {
		sm.logger.Info("broker session established", "attempts", sm.attempts+1)
		sm.attempts = 0
		sm.fallback = false
		sm.state = SessionUp
		if sm.OnSessionUp != nil {
			sm.OnSessionUp()
		}
		return sm.state
	}

	sm.attempts++

	if sm.attempts >= sm.MaxAttempts {
		if !sm.fallback {
			sm.logger.Warn("broker unreachable, entering fallback mode", "attempts", sm.attempts)
		}
		sm.fallback = true
		sm.nextAttempt = now.Add(sm.FallbackInterval)
	} else {
		delay := time.Duration(sm.attempts) * sm.BaseDelay
		sm.nextAttempt = now.Add(delay)
		sm.logger.Warn("broker connection failed", "err", err, "attempt", sm.attempts, "nextIn", delay)
	}

	return sm.state
}

// Close drops the session without announcing anything; callers that
// want a graceful offline announce publish it first. The ungraceful
// paths rely on the broker delivering the last-will instead.
func (sm *SessionManager) Close() error {
	return sm.conn.Disconnect()
}
