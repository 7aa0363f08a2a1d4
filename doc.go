// Package chatcore is the client-side engine of a real-time chat and calling
// application. It keeps one authenticated user connected to a STOMP message
// broker, delivers direct and group chat messages in order, queues outgoing
// traffic while the link is down, and runs the one-to-one call signaling
// state machine that drives an external audio/video engine.
//
// # Features
//
//   - Single-writer STOMP connection with heart-beats and bounded reconnect backoff
//   - Subscription registry that re-subscribes every topic after a reconnect
//   - Outbound queue flushed in FIFO order before any new message, optionally
//     persisted through an OutboxRepository (Relica adapter for MySQL, PostgreSQL, SQLite)
//   - Echo reconciliation of group messages by client temp id and de-duplication by server id
//   - Call state machine (idle, ringing, connecting, active, ended) with ring timeout,
//     duplicate OFFER suppression and a per-second duration stream
//   - Media coordinator that tags engine callbacks with their channel and drops stale ones
//   - Pluggable Logger, NotificationService, Dialer, MediaEngine, CredentialProvider,
//     HistoryProvider
//
// # Quick Start
//
//	session, err := chatcore.NewSession(
//	    chatcore.WithIdentity(chatcore.Identity{UserID: "alice", AccessToken: token}),
//	    chatcore.WithBrokerDialer(gorilla.NewDialer("wss://chat.example.com/ws")),
//	    chatcore.WithMediaEngine(engine),
//	    chatcore.WithCredentialProvider(httpapi.NewTokenClient(apiURL)),
//	    chatcore.WithLogger(logger),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	session.OnMessage(func(msg model.ChatMessage) {
//	    fmt.Printf("%s: %s\n", msg.SenderID, msg.Content)
//	})
//	session.OnIncomingCall(func(call model.CallSession) {
//	    go session.AcceptCall(ctx)
//	})
//
//	if err := session.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Sent now, or queued until the broker is reachable again
//	session.SendMessage(ctx, "bob", "hi", model.MessageTypeText)
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│              Session                │
//	│  (chat routing, CallMachine,        │
//	│   MediaCoordinator)                 │
//	└─────────────┬───────────────────────┘
//	              │
//	┌─────────────▼───────────────────────┐
//	│  SubscriptionRegistry  OutboundQueue│
//	└─────────────┬───────────────────────┘
//	              │
//	┌─────────────▼───────────────────────┐
//	│     Connection (STOMP over Link)    │
//	└─────────────┬───────────────────────┘
//	              │
//	┌─────────────▼───────────────────────┐
//	│  adapters/gorilla WebSocket, TCP    │
//	└─────────────────────────────────────┘
//
// On every CONNECTED the registry replays its subscriptions first and the
// queue drains second, both under the connection's write lock, so nothing
// published before the outage can be overtaken by a newer message.
//
// # Persistence
//
// The outbox table is created by ApplyMigrations (embedded SQL). Table prefix
// defaults to "chatcore_". Call signals are queued in memory only.
//
// See cmd/chatcore-agent for a runnable headless client and examples/basic
// for the lower-level building blocks.
package chatcore
