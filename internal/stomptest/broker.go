// Package stomptest provides an in-process STOMP broker for tests. It routes
// /app/chat and /app/call sends the way the chat server does: chat messages
// are stamped and delivered to the personal queue of the recipient (or of
// every other group member and the group topic), call signals are forwarded
// unchanged to the recipient's call queue.
package stomptest

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coregx/chatcore/internal/wire"
	"github.com/coregx/chatcore/model"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrRefused is returned by Pipe while the broker refuses connections.
var ErrRefused = errors.New("stomptest: connection refused")

type link interface {
	WriteFrame(f *frame.Frame) error
	ReadFrame() (*frame.Frame, error)
	Close() error
}

// Received is a frame sent by a client.
type Received struct {
	User  string
	Frame *frame.Frame
}

// Broker is a minimal STOMP 1.2 broker.
type Broker struct {
	// HeartBeat is the heart-beat header of CONNECTED. Default "0,0".
	HeartBeat string

	// SendHeartbeats makes the broker send EOL heart-beats at this interval.
	SendHeartbeats time.Duration

	// Authenticate, when set, rejects a CONNECT by returning an error.
	Authenticate func(login, passcode string) error

	mu       sync.Mutex
	conns    map[*session]struct{}
	groups   map[string][]string
	received []Received
	refuse   bool
	connects int
	nextID   int
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		HeartBeat: "0,0",
		conns:     make(map[*session]struct{}),
		groups:    make(map[string][]string),
	}
}

// SetGroup sets the members of a group.
func (b *Broker) SetGroup(groupID string, members ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.groups[groupID] = members
}

// SetRefuse makes Pipe fail while refuse is true.
func (b *Broker) SetRefuse(refuse bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refuse = refuse
}

// Pipe opens an in-memory connection to the broker.
func (b *Broker) Pipe() (net.Conn, error) {
	b.mu.Lock()
	refuse := b.refuse
	b.mu.Unlock()
	if refuse {
		return nil, ErrRefused
	}
	client, server := net.Pipe()
	go b.serve(wire.NewStreamLink(server))
	return client, nil
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeHTTP accepts STOMP over WebSocket.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	refuse := b.refuse
	b.mu.Unlock()
	if refuse {
		http.Error(w, "refused", http.StatusServiceUnavailable)
		return
	}
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.serve(wire.NewWSLink(c, false, time.Second))
}

// DropAll closes every client connection.
func (b *Broker) DropAll() {
	b.mu.Lock()
	conns := make([]*session, 0, len(b.conns))
	for s := range b.conns {
		conns = append(conns, s)
	}
	b.mu.Unlock()
	for _, s := range conns {
		s.close()
	}
}

// DropUser closes the connections of one user.
func (b *Broker) DropUser(user string) {
	b.mu.Lock()
	var conns []*session
	for s := range b.conns {
		if s.user == user {
			conns = append(conns, s)
		}
	}
	b.mu.Unlock()
	for _, s := range conns {
		s.close()
	}
}

// Close drops all connections and refuses new ones.
func (b *Broker) Close() {
	b.SetRefuse(true)
	b.DropAll()
}

// Connects returns how many CONNECT frames were accepted.
func (b *Broker) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// ConnectionCount returns the number of open client connections.
func (b *Broker) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Received returns the frames clients sent with the given command, in order.
func (b *Broker) Received(command string) []Received {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Received
	for _, r := range b.received {
		if r.Frame.Command == command {
			out = append(out, r)
		}
	}
	return out
}

// Frames returns every frame clients sent, in arrival order.
func (b *Broker) Frames() []Received {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Received(nil), b.received...)
}

// SubscriberCount returns how many subscriptions exist for destination.
func (b *Broker) SubscriberCount(destination string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for s := range b.conns {
		for _, dest := range s.subs {
			if dest == destination {
				n++
			}
		}
	}
	return n
}

// Deliver sends body as a MESSAGE to every subscriber of destination.
func (b *Broker) Deliver(destination string, body []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliverLocked(destination, body)
}

func (b *Broker) deliverLocked(destination string, body []byte) {
	for s := range b.conns {
		for id, dest := range s.subs {
			if dest != destination {
				continue
			}
			b.nextID++
			f := frame.New(frame.MESSAGE,
				frame.Destination, destination,
				frame.Subscription, id,
				frame.MessageId, strconv.Itoa(b.nextID),
				frame.ContentType, "application/json",
			)
			f.Body = body
			s.send(f)
		}
	}
}

func (b *Broker) serve(l link) {
	first, err := l.ReadFrame()
	if err != nil || first == nil || (first.Command != frame.CONNECT && first.Command != frame.STOMP) {
		_ = l.Close()
		return
	}
	user := first.Header.Get(frame.Login)
	if b.Authenticate != nil {
		if err := b.Authenticate(user, first.Header.Get(frame.Passcode)); err != nil {
			_ = l.WriteFrame(frame.New(frame.ERROR, frame.Message, err.Error()))
			_ = l.Close()
			return
		}
	}

	s := &session{
		broker: b,
		link:   l,
		user:   user,
		subs:   make(map[string]string),
		out:    make(chan *frame.Frame, 256),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.conns[s] = struct{}{}
	b.connects++
	b.mu.Unlock()

	go s.writeLoop()
	s.send(frame.New(frame.CONNECTED,
		frame.Version, "1.2",
		frame.HeartBeat, b.HeartBeat,
	))
	s.readLoop()
}

func (b *Broker) route(f *frame.Frame) {
	dest := f.Header.Get(frame.Destination)
	switch dest {
	case model.DestinationChat:
		var msg map[string]any
		if err := json.Unmarshal(f.Body, &msg); err != nil {
			return
		}
		msg["id"] = uuid.NewString()
		msg["status"] = string(model.MessageStatusReceived)
		msg["timestamp"] = time.Now().Format("2006-01-02T15:04:05.999999")
		body, _ := json.Marshal(msg)

		b.mu.Lock()
		defer b.mu.Unlock()
		sender, _ := msg["senderId"].(string)
		if gid, _ := msg["groupId"].(string); gid != "" {
			for _, member := range b.groups[gid] {
				if member != sender {
					b.deliverLocked(model.PersonalMessagesTopic(member), body)
				}
			}
			b.deliverLocked(model.GroupTopic(gid), body)
			return
		}
		if rid, _ := msg["recipientId"].(string); rid != "" {
			b.deliverLocked(model.PersonalMessagesTopic(rid), body)
		}
	case model.DestinationCall:
		var sig struct {
			RecipientID string `json:"recipientId"`
		}
		if err := json.Unmarshal(f.Body, &sig); err != nil || sig.RecipientID == "" {
			return
		}
		b.Deliver(model.PersonalCallsTopic(sig.RecipientID), f.Body)
	default:
		b.Deliver(dest, f.Body)
	}
}

type session struct {
	broker *Broker
	link   link
	user   string
	subs   map[string]string // guarded by broker.mu
	out    chan *frame.Frame
	done   chan struct{}
	once   sync.Once
}

func (s *session) send(f *frame.Frame) {
	select {
	case s.out <- f:
	case <-s.done:
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.link.Close()
		s.broker.mu.Lock()
		delete(s.broker.conns, s)
		s.broker.mu.Unlock()
	})
}

func (s *session) writeLoop() {
	var tick <-chan time.Time
	if s.broker.SendHeartbeats > 0 {
		t := time.NewTicker(s.broker.SendHeartbeats)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-s.done:
			return
		case f := <-s.out:
			if err := s.link.WriteFrame(f); err != nil {
				s.close()
				return
			}
		case <-tick:
			if err := s.link.WriteFrame(nil); err != nil {
				s.close()
				return
			}
		}
	}
}

func (s *session) readLoop() {
	defer s.close()
	b := s.broker
	for {
		f, err := s.link.ReadFrame()
		if err != nil {
			return
		}
		if f == nil {
			continue
		}

		b.mu.Lock()
		b.received = append(b.received, Received{User: s.user, Frame: &frame.Frame{
			Command: f.Command,
			Header:  f.Header.Clone(),
			Body:    append([]byte(nil), f.Body...),
		}})
		switch f.Command {
		case frame.SUBSCRIBE:
			s.subs[f.Header.Get(frame.Id)] = f.Header.Get(frame.Destination)
		case frame.UNSUBSCRIBE:
			delete(s.subs, f.Header.Get(frame.Id))
		}
		b.mu.Unlock()

		switch f.Command {
		case frame.SEND:
			b.route(f)
		case frame.DISCONNECT:
			if receipt := f.Header.Get(frame.Receipt); receipt != "" {
				s.send(frame.New(frame.RECEIPT, frame.ReceiptId, receipt))
			}
			return
		}
	}
}
