// Package fanout delivers room events to locally connected clients and relays
// them to sibling processes over a pub/sub transport.
//
// Local delivery is synchronous: Publish calls every local handler before it
// returns, so a room actor that publishes from its own goroutine gets per-room
// ordering for free. Relay publishing is queued and retried in the background
// and never delays local delivery.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/league-live/internal/shard"
	"github.com/DoyleJ11/league-live/internal/types"
)

const (
	channelPrefix     = "rooms."
	defaultQueueSize  = 1024
	defaultMaxRetries = 5
	commandTimeout    = 5 * time.Second
)

// Transport is the external pub/sub collaborator. Patterns end in "*" and
// match any single room id.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, pattern string, handler func(channel string, payload []byte)) error
	Close() error
}

type Handler func(types.ServerMessage)

// RemoteSink receives events that arrived from a sibling process. It is
// expected to route them through the owning room so they are serialized with
// local events.
type RemoteSink func(roomID string, msg types.ServerMessage)

// CommandHandler answers a command a sibling forwarded for roomID. It reports
// ok=false when this process does not answer for the room, in which case no
// reply is sent.
type CommandHandler func(ctx context.Context, roomID string, payload json.RawMessage) (reply json.RawMessage, ok bool)

var (
	ErrNoTransport = errors.New("relay transport not configured")
	ErrQueueFull   = errors.New("relay queue full")
	ErrNoReply     = errors.New("no sibling answered")
)

const (
	kindEvent   = ""
	kindCommand = "command"
	kindReply   = "reply"
)

type envelope struct {
	Kind      string              `json:"kind,omitempty"`
	Origin    string              `json:"origin"`
	Target    string              `json:"target,omitempty"`
	RoomID    string              `json:"roomId"`
	RequestID string              `json:"requestId,omitempty"`
	Message   types.ServerMessage `json:"message"`
	Payload   json.RawMessage     `json:"payload,omitempty"`
}

type subShard struct {
	mu   sync.RWMutex
	subs map[string]map[uint64]Handler
}

type Bus struct {
	origin    string
	transport Transport
	logger    *zap.Logger

	shards []subShard
	nextID uint64
	idMu   sync.Mutex

	remoteMu sync.RWMutex
	remote   RemoteSink
	command  CommandHandler

	pendingMu sync.Mutex
	pending   map[string]chan json.RawMessage

	outbound   chan envelope
	maxRetries uint
	backoff    func() backoff.BackOff
}

type Option func(*Bus)

func WithOrigin(origin string) Option { return func(b *Bus) { b.origin = origin } }

func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.outbound = make(chan envelope, n)
		}
	}
}

func WithRetry(maxRetries uint, newBackOff func() backoff.BackOff) Option {
	return func(b *Bus) {
		b.maxRetries = maxRetries
		if newBackOff != nil {
			b.backoff = newBackOff
		}
	}
}

// New creates a bus. A nil transport keeps delivery process-local.
func New(transport Transport, logger *zap.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		origin:     uuid.NewString(),
		transport:  transport,
		shards:     make([]subShard, shard.DefaultCount),
		pending:    make(map[string]chan json.RawMessage),
		outbound:   make(chan envelope, defaultQueueSize),
		maxRetries: defaultMaxRetries,
		backoff: func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = 100 * time.Millisecond
			eb.MaxInterval = 5 * time.Second
			return eb
		},
	}
	for i := range b.shards {
		b.shards[i].subs = make(map[string]map[uint64]Handler)
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logger.With(zap.String("origin", b.origin))
	b.remote = b.DeliverLocal
	return b
}

func (b *Bus) Origin() string { return b.origin }

// SetRemoteSink overrides where sibling events go. By default they are
// delivered straight to local subscribers.
func (b *Bus) SetRemoteSink(sink RemoteSink) {
	b.remoteMu.Lock()
	b.remote = sink
	b.remoteMu.Unlock()
}

// SetCommandHandler installs the handler for commands forwarded by siblings.
func (b *Bus) SetCommandHandler(handler CommandHandler) {
	b.remoteMu.Lock()
	b.command = handler
	b.remoteMu.Unlock()
}

// Relayed reports whether the bus has sibling processes to talk to.
func (b *Bus) Relayed() bool { return b.transport != nil }

func (b *Bus) shardFor(roomID string) *subShard {
	return &b.shards[shard.Index(roomID, len(b.shards))]
}

// SubscribeLocal registers handler for roomID and returns a function that
// removes it.
func (b *Bus) SubscribeLocal(roomID string, handler Handler) (unsubscribe func()) {
	b.idMu.Lock()
	b.nextID++
	id := b.nextID
	b.idMu.Unlock()

	s := b.shardFor(roomID)
	s.mu.Lock()
	if s.subs[roomID] == nil {
		s.subs[roomID] = make(map[uint64]Handler)
	}
	s.subs[roomID][id] = handler
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs[roomID], id)
			if len(s.subs[roomID]) == 0 {
				delete(s.subs, roomID)
			}
		})
	}
}

// LocalSubscribers reports how many handlers are registered for roomID.
func (b *Bus) LocalSubscribers(roomID string) int {
	s := b.shardFor(roomID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[roomID])
}

// Publish delivers msg to local subscribers of roomID and queues it for the
// relay.
func (b *Bus) Publish(roomID string, msg types.ServerMessage) {
	msg.RoomID = roomID
	b.DeliverLocal(roomID, msg)
	if b.transport == nil {
		return
	}
	if err := b.enqueue(envelope{Origin: b.origin, RoomID: roomID, Message: msg}); err != nil {
		b.logger.Warn("relay queue full, dropping event",
			zap.String("room_id", roomID),
			zap.String("type", msg.Type),
			zap.Uint64("seq", msg.Seq),
		)
	}
}

func (b *Bus) enqueue(env envelope) error {
	select {
	case b.outbound <- env:
		return nil
	default:
		return ErrQueueFull
	}
}

// Request forwards payload as a command for roomID and waits until the
// sibling that answers for the room replies, or ctx ends.
func (b *Bus) Request(ctx context.Context, roomID string, payload any) (json.RawMessage, error) {
	if b.transport == nil {
		return nil, ErrNoTransport
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	id := uuid.NewString()
	replies := make(chan json.RawMessage, 1)
	b.pendingMu.Lock()
	b.pending[id] = replies
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
	}()

	err = b.enqueue(envelope{Kind: kindCommand, Origin: b.origin, RoomID: roomID, RequestID: id, Payload: body})
	if err != nil {
		return nil, err
	}
	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return nil, errors.Join(ErrNoReply, ctx.Err())
	}
}

// DeliverLocal hands msg to every local subscriber of roomID without relaying
// it. Handlers run in subscription order on the caller's goroutine.
func (b *Bus) DeliverLocal(roomID string, msg types.ServerMessage) {
	s := b.shardFor(roomID)
	s.mu.RLock()
	ids := make([]uint64, 0, len(s.subs[roomID]))
	for id := range s.subs[roomID] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, s.subs[roomID][id])
	}
	s.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}

// Run subscribes to sibling traffic and drains the relay queue until ctx is
// cancelled. Without a transport it just waits.
func (b *Bus) Run(ctx context.Context) error {
	if b.transport == nil {
		<-ctx.Done()
		return nil
	}
	if err := b.transport.Subscribe(ctx, channelPrefix+"*", b.receive); err != nil {
		return err
	}
	b.logger.Info("relay subscribed", zap.String("pattern", channelPrefix+"*"))

	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-b.outbound:
			b.relay(ctx, env)
		}
	}
}

func (b *Bus) relay(ctx context.Context, env envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("encode relay envelope", zap.Error(err))
		return
	}
	channel := channelPrefix + env.RoomID
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, b.transport.Publish(ctx, channel, payload)
	},
		backoff.WithBackOff(b.backoff()),
		backoff.WithMaxTries(b.maxRetries),
		backoff.WithNotify(func(err error, next time.Duration) {
			b.logger.Warn("relay publish failed, retrying",
				zap.String("channel", channel),
				zap.Duration("retry_in", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Error("relay publish gave up",
			zap.String("channel", channel),
			zap.String("kind", env.Kind),
			zap.String("type", env.Message.Type),
			zap.Error(err),
		)
	}
}

func (b *Bus) receive(channel string, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.logger.Warn("dropping malformed relay payload", zap.String("channel", channel), zap.Error(err))
		return
	}
	if env.Origin == b.origin {
		return
	}
	roomID := env.RoomID
	if roomID == "" {
		roomID = strings.TrimPrefix(channel, channelPrefix)
	}

	switch env.Kind {
	case kindCommand:
		go b.answer(roomID, env)
	case kindReply:
		if env.Target != b.origin {
			return
		}
		b.pendingMu.Lock()
		replies, ok := b.pending[env.RequestID]
		b.pendingMu.Unlock()
		if ok {
			select {
			case replies <- env.Payload:
			default:
			}
		}
	case kindEvent:
		env.Message.RoomID = roomID
		b.remoteMu.RLock()
		sink := b.remote
		b.remoteMu.RUnlock()
		sink(roomID, env.Message)
	default:
		b.logger.Warn("dropping relay envelope of unknown kind", zap.String("kind", env.Kind))
	}
}

func (b *Bus) answer(roomID string, env envelope) {
	b.remoteMu.RLock()
	handle := b.command
	b.remoteMu.RUnlock()
	if handle == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	reply, ok := handle(ctx, roomID, env.Payload)
	if !ok {
		return
	}
	err := b.enqueue(envelope{
		Kind:      kindReply,
		Origin:    b.origin,
		Target:    env.Origin,
		RoomID:    roomID,
		RequestID: env.RequestID,
		Payload:   reply,
	})
	if err != nil {
		b.logger.Warn("reply not queued", zap.String("room_id", roomID), zap.String("request_id", env.RequestID), zap.Error(err))
	}
}

func (b *Bus) Close() error {
	if b.transport == nil {
		return nil
	}
	return b.transport.Close()
}
