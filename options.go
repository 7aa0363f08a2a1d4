package chatcore

import (
	"fmt"
	"time"

	"github.com/coregx/chatcore/retry"
)

// SessionOption is a function that configures a Session.
// Used with the Options Pattern for flexible service construction.
//
// Example:
//
//	session, err := chatcore.NewSession(
//	    chatcore.WithIdentity(chatcore.Identity{UserID: "42", AccessToken: token}),
//	    chatcore.WithBrokerDialer(gorilla.NewDialer("ws://localhost:8080/ws")),
//	    chatcore.WithMediaEngine(engine),
//	    chatcore.WithCredentialProvider(httpapi.NewTokenClient(apiURL)),
//	    chatcore.WithLogger(logger),
//	)
type SessionOption func(*sessionConfig) error

type sessionConfig struct {
	identity      Identity
	dialer        Dialer
	engine        MediaEngine
	credentials   CredentialProvider
	credentialTTL time.Duration
	logger        Logger
	notifications NotificationService
	outbox        OutboxRepository
	history       HistoryProvider
	strategy      retry.Strategy
	heartbeat     Heartbeat
	ringTimeout   time.Duration
	maxPending    int
	policy        OverflowPolicy
	host          string
}

func defaultSessionConfig() sessionConfig {
	return sessionConfig{
		notifications: &NoOpNotificationService{},
		strategy:      retry.DefaultStrategy(),
		heartbeat:     DefaultHeartbeat(),
		ringTimeout:   45 * time.Second,
		maxPending:    DefaultMaxPending,
		policy:        OverflowDropOldest,
		host:          "/",
	}
}

// WithIdentity sets the authenticated user the session belongs to.
//
// This is a required option for NewSession.
func WithIdentity(identity Identity) SessionOption {
	return func(c *sessionConfig) error {
		if identity.UserID == "" {
			return fmt.Errorf("identity must have a user id")
		}
		c.identity = identity
		return nil
	}
}

// WithBrokerDialer sets the transport to the broker.
//
// This is a required option for NewSession.
func WithBrokerDialer(d Dialer) SessionOption {
	return func(c *sessionConfig) error {
		if d == nil {
			return fmt.Errorf("dialer cannot be nil")
		}
		c.dialer = d
		return nil
	}
}

// WithMediaEngine sets the audio/video engine used for calls.
//
// This is a required option for NewSession.
func WithMediaEngine(e MediaEngine) SessionOption {
	return func(c *sessionConfig) error {
		if e == nil {
			return fmt.Errorf("media engine cannot be nil")
		}
		c.engine = e
		return nil
	}
}

// WithCredentialProvider sets where media tokens are fetched. Tokens are
// cached per channel; ttl applies to tokens whose expiry is unknown
// (0 = one hour).
//
// This is a required option for NewSession.
func WithCredentialProvider(p CredentialProvider, ttl ...time.Duration) SessionOption {
	return func(c *sessionConfig) error {
		if p == nil {
			return fmt.Errorf("credential provider cannot be nil")
		}
		c.credentials = p
		if len(ttl) > 0 {
			c.credentialTTL = ttl[0]
		}
		return nil
	}
}

// WithLogger sets the logger instance shared by every component.
// Logger is required and must not be nil.
//
// Use NoopLogger for silent operation or implement Logger interface
// to integrate with your logging system (zap, logrus, etc.).
func WithLogger(logger Logger) SessionOption {
	return func(c *sessionConfig) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithNotificationService sets where connection, drop and call failures are
// reported. Default: NoOpNotificationService.
func WithNotificationService(n NotificationService) SessionOption {
	return func(c *sessionConfig) error {
		if n == nil {
			return fmt.Errorf("notification service cannot be nil")
		}
		c.notifications = n
		return nil
	}
}

// WithOutbox persists queued chat messages across restarts.
func WithOutbox(repo OutboxRepository) SessionOption {
	return func(c *sessionConfig) error {
		if repo == nil {
			return fmt.Errorf("outbox repository cannot be nil")
		}
		c.outbox = repo
		return nil
	}
}

// WithHistoryProvider enables the Load*History methods.
func WithHistoryProvider(h HistoryProvider) SessionOption {
	return func(c *sessionConfig) error {
		if h == nil {
			return fmt.Errorf("history provider cannot be nil")
		}
		c.history = h
		return nil
	}
}

// WithSessionReconnect sets the reconnect schedule.
// Default: retry.DefaultStrategy() (fixed 5s, forever).
func WithSessionReconnect(s retry.Strategy) SessionOption {
	return func(c *sessionConfig) error {
		c.strategy = s
		return nil
	}
}

// WithSessionHeartbeat sets the requested heart-beat intervals.
func WithSessionHeartbeat(h Heartbeat) SessionOption {
	return func(c *sessionConfig) error {
		c.heartbeat = h
		return nil
	}
}

// WithCallRingTimeout sets how long a call may ring unanswered (0 disables).
func WithCallRingTimeout(d time.Duration) SessionOption {
	return func(c *sessionConfig) error {
		if d < 0 {
			return fmt.Errorf("ring timeout cannot be negative")
		}
		c.ringTimeout = d
		return nil
	}
}

// WithOutboxLimit bounds the outbound queue.
func WithOutboxLimit(maxPending int, policy OverflowPolicy) SessionOption {
	return func(c *sessionConfig) error {
		if maxPending < 1 {
			return fmt.Errorf("outbox limit must be positive, got %d", maxPending)
		}
		c.maxPending = maxPending
		c.policy = policy
		return nil
	}
}

// WithSessionHost sets the host header sent in CONNECT.
func WithSessionHost(host string) SessionOption {
	return func(c *sessionConfig) error {
		c.host = host
		return nil
	}
}
