// Package gateway terminates client WebSocket sessions and routes chat
// events between them. Messages and typing events are fanned out to every
// member of the conversation: locally through the registry and to other
// gateway instances through the pub/sub bridge, one topic per recipient.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"palsrelay/internal/content"
	"palsrelay/internal/models"
	"palsrelay/internal/presence"
	"palsrelay/internal/pubsub"
	"palsrelay/internal/registry"
	"palsrelay/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// publishParallelism bounds concurrent bridge publishes per event.
	publishParallelism = 16
	// hookTimeout bounds store and bridge calls made outside a request
	// context.
	hookTimeout = 5 * time.Second
)

type Options struct {
	InstanceID        string
	HeartbeatInterval time.Duration
	PresenceTTL       time.Duration
	TypingTTL         time.Duration
	SendQueueSize     int
	// EchoToSender delivers a message back to the sender's own sessions.
	EchoToSender bool
}

func (o *Options) setDefaults() {
	if o.InstanceID == "" {
		o.InstanceID = uuid.NewString()
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = 5 * o.HeartbeatInterval
	}
	if o.TypingTTL <= 0 {
		o.TypingTTL = 3 * time.Second
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 64
	}
}

// Storage is what the gateway needs from the chat database.
type Storage interface {
	storage.Membership
	storage.MessageStore
}

type Gateway struct {
	opts     Options
	registry *registry.Registry
	presence presence.Store
	bridge   pubsub.Bridge
	store    Storage
	log      *zap.Logger
	now      func() time.Time
	ready    chan struct{}
}

func New(opts Options, store Storage, presenceStore presence.Store, bridge pubsub.Bridge, log *zap.Logger) *Gateway {
	opts.setDefaults()
	g := &Gateway{
		opts:     opts,
		presence: presenceStore,
		bridge:   bridge,
		store:    store,
		log:      log.With(zap.String("instance", opts.InstanceID)),
		now:      time.Now,
		ready:    make(chan struct{}),
	}
	g.registry = registry.New(g.userWentOffline)
	return g
}

func (g *Gateway) InstanceID() string {
	return g.opts.InstanceID
}

// Connections returns the number of live local connections.
func (g *Gateway) Connections() int {
	return g.registry.Count()
}

// Ready is closed once Run has subscribed to the bridge.
func (g *Gateway) Ready() <-chan struct{} {
	return g.ready
}

// Run consumes the bridge and reaps stale connections until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	envelopes, err := g.bridge.Subscribe(ctx, models.UserTopicPattern)
	if err != nil {
		return fmt.Errorf("failed to subscribe to bridge: %w", err)
	}
	close(g.ready)
	g.log.Info("gateway running",
		zap.Duration("heartbeat", g.opts.HeartbeatInterval),
		zap.Duration("presence_ttl", g.opts.PresenceTTL))

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return g.consume(ctx, envelopes)
	})
	eg.Go(func() error {
		return g.heartbeat(ctx)
	})
	return eg.Wait()
}

// Serve runs an authenticated session on ws until it ends.
func (g *Gateway) Serve(ctx context.Context, ws wsConnection, userID int64) error {
	c := NewConnection(uuid.NewString(), userID, ws, g, g.opts.SendQueueSize, g.now, g.log)
	g.activate(ctx, c)
	defer g.deactivate(c)

	c.log.Debug("connection active")
	return c.Handle(ctx)
}

func (g *Gateway) activate(ctx context.Context, c *Connection) {
	wasOnline, err := g.presence.IsOnline(ctx, c.userID)
	if err != nil {
		c.log.Warn("failed to read presence", zap.Error(err))
	}
	first := g.registry.Register(c)
	if err := g.presence.MarkOnline(ctx, c.userID, g.opts.PresenceTTL); err != nil {
		c.log.Warn("failed to mark online", zap.Error(err))
	}
	if first && !wasOnline {
		g.broadcastPresence(ctx, c.userID, true)
	}
}

func (g *Gateway) deactivate(c *Connection) {
	_ = c.Close()
	g.registry.Unregister(c)
	c.log.Debug("connection closed")
}

// userWentOffline runs when the last local connection of a user is gone.
// The registry calls it outside its lock, so the user may already have
// reconnected here; in that case the marker is restored and peers hear
// nothing.
func (g *Gateway) userWentOffline(userID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()

	log := g.log.With(zap.Int64("user_id", userID))
	if err := g.presence.ClearOnline(ctx, userID); err != nil {
		log.Warn("failed to clear presence", zap.Error(err))
		return
	}
	if g.reconnected(ctx, userID) {
		return
	}
	online, err := g.presence.IsOnline(ctx, userID)
	if err != nil {
		log.Warn("failed to read presence", zap.Error(err))
		return
	}
	if online || g.reconnected(ctx, userID) {
		return
	}
	g.broadcastPresence(ctx, userID, false)
}

// reconnected reports whether userID has a local connection again and, if
// so, re-marks the user online.
func (g *Gateway) reconnected(ctx context.Context, userID int64) bool {
	if !g.registry.Connected(userID) {
		return false
	}
	if err := g.presence.MarkOnline(ctx, userID, g.opts.PresenceTTL); err != nil {
		g.log.Warn("failed to restore presence", zap.Int64("user_id", userID), zap.Error(err))
	}
	return true
}

// HandleFrame dispatches one inbound frame. Rejections are answered with an
// error frame and never close the connection.
func (g *Gateway) HandleFrame(ctx context.Context, c *Connection, frame models.ClientFrame) {
	switch frame.Kind {
	case models.ClientFrameMessage:
		g.handleMessage(ctx, c, frame)
	case models.ClientFrameTyping:
		g.handleTyping(ctx, c, frame)
	case models.ClientFramePing:
		g.handlePing(ctx, c)
	case models.ClientFrameSubscribe:
		g.handleSubscribe(ctx, c, frame)
	default:
		g.replyError(c, frame.ConversationID, models.ErrorCodeUnknownKind,
			fmt.Sprintf("unknown frame kind %q", frame.Kind))
	}
}

func (g *Gateway) RejectFrame(c *Connection, err error) {
	c.log.Debug("malformed frame", zap.Error(err))
	g.replyError(c, 0, models.ErrorCodeBadFrame, "malformed frame")
}

func (g *Gateway) replyError(c *Connection, conversationID int64, code models.ErrorCode, msg string) {
	g.reply(c, models.ServerFrame{
		Kind:           models.ServerFrameError,
		ConversationID: conversationID,
		Code:           code,
		Error:          msg,
	})
}

// reply reports false when the frame could not be queued and c was evicted.
func (g *Gateway) reply(c *Connection, frame models.ServerFrame) bool {
	frame.ServerTimestamp = g.now().UnixMilli()
	return g.registry.SendTo(c, frame)
}

// authorize fails closed: a membership lookup error denies.
func (g *Gateway) authorize(ctx context.Context, c *Connection, conversationID int64) bool {
	ok, err := g.store.IsMember(ctx, c.userID, conversationID)
	if err != nil {
		c.log.Warn("membership lookup failed",
			zap.Int64("conversation_id", conversationID), zap.Error(err))
	}
	if err != nil || !ok {
		g.replyError(c, conversationID, models.ErrorCodeForbidden, "not a member of this conversation")
		return false
	}
	return true
}

func (g *Gateway) handleMessage(ctx context.Context, c *Connection, frame models.ClientFrame) {
	if !g.authorize(ctx, c, frame.ConversationID) {
		return
	}

	msgType := frame.MessageType
	if msgType == "" {
		msgType = models.MessageTypeText
	}
	if !msgType.Valid() || msgType == models.MessageTypeSystem {
		g.replyError(c, frame.ConversationID, models.ErrorCodeInvalid,
			fmt.Sprintf("invalid message type %q", msgType))
		return
	}

	body, err := content.Prepare(frame.Content, frame.MediaRef)
	if err != nil {
		g.replyError(c, frame.ConversationID, models.ErrorCodeInvalid, err.Error())
		return
	}

	persisted, err := g.store.PersistMessage(ctx, storage.NewMessage{
		ConversationID: frame.ConversationID,
		SenderID:       c.userID,
		Type:           msgType,
		Content:        body,
		MediaRef:       frame.MediaRef,
	})
	if err != nil {
		c.log.Error("failed to persist message",
			zap.Int64("conversation_id", frame.ConversationID), zap.Error(err))
		g.replyError(c, frame.ConversationID, models.ErrorCodePersistFailed, "message could not be stored")
		return
	}

	event := models.ChatEvent{
		Kind:           models.ServerFrameMessage,
		ID:             persisted.ID,
		ConversationID: frame.ConversationID,
		SenderID:       c.userID,
		MessageType:    msgType,
		Content:        body,
		MediaRef:       frame.MediaRef,
		Timestamp:      persisted.Timestamp,
	}

	// The message is stored; losing the sender's socket must not stop it
	// from reaching the other members.
	fanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hookTimeout)
	defer cancel()
	g.fanOutToConversation(fanCtx, event, !g.opts.EchoToSender)
}

func (g *Gateway) handleTyping(ctx context.Context, c *Connection, frame models.ClientFrame) {
	if frame.IsTyping == nil {
		g.replyError(c, frame.ConversationID, models.ErrorCodeInvalid, "is_typing is required")
		return
	}
	if !g.authorize(ctx, c, frame.ConversationID) {
		return
	}

	typing := *frame.IsTyping
	if err := presence.SetTyping(ctx, g.presence, frame.ConversationID, c.userID, typing, g.opts.TypingTTL); err != nil {
		c.log.Warn("failed to store typing marker", zap.Error(err))
	}

	g.fanOutToConversation(ctx, models.ChatEvent{
		Kind:           models.ServerFrameTyping,
		ConversationID: frame.ConversationID,
		SenderID:       c.userID,
		IsTyping:       typing,
		Timestamp:      g.now().UnixMilli(),
	}, true)
}

func (g *Gateway) handlePing(ctx context.Context, c *Connection) {
	if !g.reply(c, models.ServerFrame{Kind: models.ServerFramePong}) {
		return
	}
	if err := g.presence.MarkOnline(ctx, c.userID, g.opts.PresenceTTL); err != nil {
		c.log.Warn("failed to refresh presence", zap.Error(err))
	}
}

func (g *Gateway) handleSubscribe(ctx context.Context, c *Connection, frame models.ClientFrame) {
	if !g.authorize(ctx, c, frame.ConversationID) {
		return
	}
	g.reply(c, models.ServerFrame{
		Kind:           models.ServerFrameSubscribed,
		ConversationID: frame.ConversationID,
	})
}

// fanOutToConversation resolves the members at publish time and delivers
// the event to each of them.
func (g *Gateway) fanOutToConversation(ctx context.Context, event models.ChatEvent, skipSender bool) {
	members, err := g.store.MembersOf(ctx, event.ConversationID)
	if err != nil {
		g.log.Error("failed to resolve members",
			zap.Int64("conversation_id", event.ConversationID), zap.Error(err))
		return
	}
	if skipSender {
		members = slices.DeleteFunc(members, func(id int64) bool { return id == event.SenderID })
	}
	g.fanOut(ctx, event.Frame(), members)
}

func (g *Gateway) broadcastPresence(ctx context.Context, userID int64, online bool) {
	convs, err := g.store.ConversationsOf(ctx, userID)
	if err != nil {
		g.log.Warn("failed to resolve conversations", zap.Int64("user_id", userID), zap.Error(err))
		return
	}

	var peers []int64
	for _, conv := range convs {
		members, err := g.store.MembersOf(ctx, conv)
		if err != nil {
			g.log.Warn("failed to resolve members", zap.Int64("conversation_id", conv), zap.Error(err))
			continue
		}
		peers = append(peers, members...)
	}
	slices.Sort(peers)
	peers = slices.Compact(peers)
	peers = slices.DeleteFunc(peers, func(id int64) bool { return id == userID })

	event := models.ChatEvent{
		Kind:      models.ServerFramePresence,
		SenderID:  userID,
		Online:    online,
		Timestamp: g.now().UnixMilli(),
	}
	g.fanOut(ctx, event.Frame(), peers)
}

// fanOut delivers to local sessions directly and publishes to every
// recipient's topic for the other instances. Bridge errors are logged and
// dropped; the local delivery already happened.
func (g *Gateway) fanOut(ctx context.Context, frame models.ServerFrame, recipients []int64) {
	var eg errgroup.Group
	eg.SetLimit(publishParallelism)
	for _, userID := range recipients {
		g.registry.SendToUser(userID, frame)

		env := models.Envelope{
			Origin: g.opts.InstanceID,
			UserID: userID,
			Kind:   models.EnvelopeEvent,
			Frame:  frame,
		}
		eg.Go(func() error {
			if err := g.bridge.Publish(ctx, models.UserTopic(userID), env); err != nil {
				g.log.Warn("bridge publish failed", zap.Int64("user_id", userID), zap.Error(err))
			}
			return nil
		})
	}
	_ = eg.Wait()
}

func (g *Gateway) consume(ctx context.Context, envelopes <-chan models.Envelope) error {
	for {
		select {
		case env, ok := <-envelopes:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("bridge subscription ended")
			}
			g.deliver(env)
		case <-ctx.Done():
			return nil
		}
	}
}

func (g *Gateway) deliver(env models.Envelope) {
	if env.Origin == g.opts.InstanceID {
		return
	}
	switch env.Kind {
	case models.EnvelopeEvent:
		g.registry.SendToUser(env.UserID, env.Frame)
	case models.EnvelopeDisconnect:
		if n := g.registry.Disconnect(env.UserID); n > 0 {
			g.log.Info("remote disconnect", zap.Int64("user_id", env.UserID), zap.Int("connections", n))
		}
	default:
		g.log.Warn("unknown envelope kind", zap.String("kind", string(env.Kind)))
	}
}

func (g *Gateway) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(g.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.reap(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// reap closes connections that have been silent for longer than the
// presence TTL and refreshes presence for users that remain connected.
func (g *Gateway) reap(ctx context.Context) {
	cutoff := g.now().Add(-g.opts.PresenceTTL)

	var stale []*Connection
	g.registry.Range(func(rc registry.Conn) bool {
		if c, ok := rc.(*Connection); ok && c.LastSeen().Before(cutoff) {
			stale = append(stale, c)
		}
		return true
	})
	for _, c := range stale {
		c.log.Info("heartbeat timeout", zap.Time("last_seen", c.LastSeen()))
		_ = c.Close()
		g.registry.Unregister(c)
	}

	for _, userID := range g.registry.Users() {
		if err := g.presence.MarkOnline(ctx, userID, g.opts.PresenceTTL); err != nil {
			g.log.Warn("failed to refresh presence", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
}

// Disconnect force-closes every session of the user on all instances.
func (g *Gateway) Disconnect(ctx context.Context, userID int64) (int, error) {
	n := g.registry.Disconnect(userID)
	err := g.bridge.Publish(ctx, models.UserTopic(userID), models.Envelope{
		Origin: g.opts.InstanceID,
		UserID: userID,
		Kind:   models.EnvelopeDisconnect,
		Frame:  models.ServerFrame{ServerTimestamp: g.now().UnixMilli()},
	})
	if err != nil {
		return n, fmt.Errorf("failed to publish disconnect: %w", err)
	}
	return n, nil
}

func (g *Gateway) IsOnline(ctx context.Context, userID int64) (bool, error) {
	return g.presence.IsOnline(ctx, userID)
}

func (g *Gateway) IsTyping(ctx context.Context, conversationID, userID int64) (bool, error) {
	return presence.IsTyping(ctx, g.presence, conversationID, userID)
}
