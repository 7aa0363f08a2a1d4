// Package main provides the chatcore agent: a headless chat client that keeps
// one user signed in to the broker, logs traffic and optionally answers calls.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coregx/chatcore"
	"github.com/coregx/chatcore/adapters/gorilla"
	"github.com/coregx/chatcore/adapters/httpapi"
	"github.com/coregx/chatcore/adapters/relica"
	"github.com/coregx/chatcore/cmd/chatcore-agent/internal/config"
	"github.com/coregx/chatcore/model"
	"github.com/coregx/chatcore/retry"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SimpleLogger implements chatcore.Logger for standard logging.
type SimpleLogger struct{}

func (l *SimpleLogger) Debugf(format string, args ...interface{}) {
	log.Printf("[DEBUG] "+format, args...)
}
func (l *SimpleLogger) Infof(format string, args ...interface{}) {
	log.Printf("[INFO] "+format, args...)
}
func (l *SimpleLogger) Warnf(format string, args ...interface{}) {
	log.Printf("[WARN] "+format, args...)
}
func (l *SimpleLogger) Errorf(format string, args ...interface{}) {
	log.Printf("[ERROR] "+format, args...)
}
func (l *SimpleLogger) Info(message string) {
	log.Printf("[INFO] %s", message)
}

func main() {
	log.Println("🚀 Starting chatcore agent v0.1.0...")

	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("📝 Configuration loaded:")
	log.Printf("   User: %s", cfg.Chat.UserID)
	log.Printf("   Broker: %s", cfg.Chat.BrokerURL)
	log.Printf("   API: %s", cfg.Chat.APIURL)
	log.Printf("   Heartbeat: %v, reconnect: %v..%v", cfg.Chat.Heartbeat, cfg.Chat.ReconnectDelay, cfg.Chat.ReconnectMax)

	logger := &SimpleLogger{}

	policy, err := chatcore.ParseOverflowPolicy(cfg.Chat.OutboxPolicy)
	if err != nil {
		log.Fatalf("Invalid outbox policy: %v", err)
	}

	opts := []chatcore.SessionOption{
		chatcore.WithIdentity(chatcore.Identity{
			UserID:      cfg.Chat.UserID,
			DisplayName: cfg.Chat.DisplayName,
			AccessToken: cfg.Chat.AccessToken,
		}),
		chatcore.WithLogger(logger),
		chatcore.WithNotificationService(chatcore.NewLoggingNotificationService(logger)),
		chatcore.WithSessionHeartbeat(chatcore.Heartbeat{Outgoing: cfg.Chat.Heartbeat, Incoming: cfg.Chat.Heartbeat}),
		chatcore.WithSessionReconnect(retry.Strategy{
			BaseDelay:       cfg.Chat.ReconnectDelay,
			MaxDelay:        cfg.Chat.ReconnectMax,
			ExponentialBase: 2.0,
		}),
		chatcore.WithCallRingTimeout(cfg.Chat.RingTimeout),
		chatcore.WithOutboxLimit(cfg.Chat.OutboxMax, policy),
	}

	// Persistent outbox
	if cfg.Database.Persistent() {
		db, err := sql.Open(cfg.Database.Driver, cfg.Database.GetDSN())
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer func() {
			if closeErr := db.Close(); closeErr != nil {
				log.Printf("Failed to close database: %v", closeErr)
			}
		}()

		if err := db.Ping(); err != nil {
			log.Fatalf("Failed to ping database: %v", err)
		}

		repos, err := relica.Open(context.Background(), db, cfg.Database.Driver, cfg.Database.Prefix)
		if err != nil {
			log.Fatalf("Failed to prepare outbox schema: %v", err)
		}
		opts = append(opts, chatcore.WithOutbox(repos.Outbox))
		log.Printf("✅ Outbox stored in %s (prefix %q)", cfg.Database.Driver, cfg.Database.Prefix)
	} else {
		log.Println("✅ Outbox kept in memory")
	}

	// Broker transport
	dialer := gorilla.NewDialer(cfg.Chat.BrokerURL)
	if cfg.Chat.AccessToken != "" {
		dialer.SetBearerToken(cfg.Chat.AccessToken)
	}
	opts = append(opts, chatcore.WithBrokerDialer(dialer))

	// REST collaborators
	var apiOpts []httpapi.ClientOption
	if cfg.Chat.AccessToken != "" {
		apiOpts = append(apiOpts, httpapi.WithBearerToken(cfg.Chat.AccessToken))
	}
	tokens := httpapi.NewTokenClient(cfg.Chat.APIURL, apiOpts...)
	tokens.SetUID(cfg.Chat.MediaUID)
	opts = append(opts,
		chatcore.WithCredentialProvider(tokens),
		chatcore.WithHistoryProvider(httpapi.NewHistoryClient(cfg.Chat.APIURL, apiOpts...)),
		chatcore.WithMediaEngine(newLoggingEngine(logger)),
	)

	session, err := chatcore.NewSession(opts...)
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}
	log.Println("✅ Session created")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session.OnMessage(func(msg model.ChatMessage) {
		if msg.IsGroup() {
			logger.Infof("💬 [%s] %s: %s", msg.GroupID, msg.SenderID, msg.Content)
			return
		}
		logger.Infof("💬 %s: %s", msg.SenderID, msg.Content)
	})
	session.OnCallState(func(call model.CallSession) {
		logger.Infof("📞 call %s with %s: %s %s", call.ID, call.RemoteID, call.Status, call.EndReason)
	})
	session.OnIncomingCall(func(call model.CallSession) {
		logger.Infof("📞 incoming %s call from %s", callKind(call), call.RemoteName)
		if !cfg.Chat.AutoAnswer {
			return
		}
		go func() {
			if err := session.AcceptCall(ctx); err != nil {
				logger.Errorf("auto-answer failed: %v", err)
			}
		}()
	})

	if err := session.Start(ctx); err != nil {
		log.Fatalf("Failed to start session: %v", err)
	}

	go func() {
		if conversations, err := session.LoadConversations(ctx); err != nil {
			logger.Warnf("conversations not loaded: %v", err)
		} else {
			logger.Infof("📚 %d conversations", len(conversations))
		}
	}()

	log.Println("✅ chatcore agent is running")

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down agent...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := session.Close(shutdownCtx); err != nil {
		log.Printf("Session closed with errors: %v", err)
	}

	cancel()
	log.Printf("✅ Agent stopped (%d messages left in outbox)", session.PendingOutbound())
}

func callKind(call model.CallSession) string {
	if call.IsVideo {
		return "video"
	}
	return "audio"
}
