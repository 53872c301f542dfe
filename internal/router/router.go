// Package router moves chat between bound groups and servers and fans server
// events out to bound groups.
//
// Routing rules are the persisted group bindings; the router re-reads them
// per message so binding edits take effect immediately. Delivery is typed on
// both ends: inbound group chat becomes a chat.send request on the server's
// connection, outbound server events go through the embedding program's
// group sender.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/mochi-link/mochi/internal/authz"
	"github.com/mochi-link/mochi/internal/events"
	"github.com/mochi-link/mochi/internal/hub"
	"github.com/mochi-link/mochi/internal/model"
	"github.com/mochi-link/mochi/internal/protocol"
	"github.com/mochi-link/mochi/internal/ratelimit"
	"github.com/mochi-link/mochi/internal/storage"
	"github.com/mochi-link/mochi/internal/telemetry"
)

// sendTimeout bounds one chat.send dispatch. Chat is transient; a server that
// cannot accept a line within this budget loses it.
const sendTimeout = 10 * time.Second

// GroupSender delivers a formatted line to a chat group. The embedding
// program's bot adapter implements it; without one, server→group routing is
// disabled.
type GroupSender interface {
	SendToGroup(ctx context.Context, groupID, message string) error
}

// Requester is the connection-hub surface the router dispatches through.
type Requester interface {
	IsOnline(serverID string) bool
	SendRequest(ctx context.Context, serverID, op string, data any, timeout time.Duration) (json.RawMessage, error)
}

// GroupMessage is one inbound chat line from a bound group.
type GroupMessage struct {
	GroupID   string
	UserID    string
	Username  string
	Content   string
	Timestamp time.Time
}

// Stats are the router's lifetime delivery counters.
type Stats struct {
	MessagesIn  int64 `json:"messagesIn"`  // group lines delivered to servers
	MessagesOut int64 `json:"messagesOut"` // server events delivered to groups
	Filtered    int64 `json:"filtered"`
	RateLimited int64 `json:"rateLimited"`
}

// Router routes traffic over group bindings in both directions.
type Router struct {
	db      *storage.DB
	hub     Requester
	authz   *authz.Checker
	broker  *events.Broker
	limiter *ratelimit.SlidingWindow
	logger  *slog.Logger

	senderMu sync.RWMutex
	sender   GroupSender

	regexMu sync.RWMutex
	regexes map[string]*regexp.Regexp

	cancel context.CancelFunc
	unsub  func()
	wg     sync.WaitGroup

	messagesIn  atomic.Int64
	messagesOut atomic.Int64
	filtered    atomic.Int64
	rateLimited atomic.Int64

	routed  metric.Int64Counter
	dropped metric.Int64Counter
}

// New creates a router. The limiter is shared with the HTTP layer so one
// cleanup goroutine serves both.
func New(db *storage.DB, h Requester, checker *authz.Checker, broker *events.Broker, limiter *ratelimit.SlidingWindow, logger *slog.Logger) *Router {
	meter := telemetry.Meter("mochi/router")
	routed, _ := meter.Int64Counter("mochi.router.messages",
		metric.WithDescription("Messages routed over group bindings"),
	)
	dropped, _ := meter.Int64Counter("mochi.router.dropped",
		metric.WithDescription("Messages dropped by filters, rate limits, or delivery failures"),
	)
	return &Router{
		db:      db,
		hub:     h,
		authz:   checker,
		broker:  broker,
		limiter: limiter,
		logger:  logger.With("component", "router"),
		regexes: make(map[string]*regexp.Regexp),
		routed:  routed,
		dropped: dropped,
	}
}

// SetGroupSender installs the outbound group delivery callback. Safe to call
// while the router is running.
func (r *Router) SetGroupSender(s GroupSender) {
	r.senderMu.Lock()
	r.sender = s
	r.senderMu.Unlock()
}

func (r *Router) groupSender() GroupSender {
	r.senderMu.RLock()
	defer r.senderMu.RUnlock()
	return r.sender
}

// Start subscribes to the event broker and begins server→group routing.
func (r *Router) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	ch, unsub := r.broker.Subscribe(events.Subscription{})
	r.unsub = unsub

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				r.routeServerEvent(ctx, e)
			}
		}
	}()
}

// Stop unsubscribes and waits for in-flight routing to finish.
func (r *Router) Stop() {
	if r.unsub != nil {
		r.unsub()
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Stats returns lifetime routing counters.
func (r *Router) Stats() Stats {
	return Stats{
		MessagesIn:  r.messagesIn.Load(),
		MessagesOut: r.messagesOut.Load(),
		Filtered:    r.filtered.Load(),
		RateLimited: r.rateLimited.Load(),
	}
}

// HandleGroupMessage routes one group chat line to every server bound to the
// group for chat. Returns how many servers the line was delivered to.
func (r *Router) HandleGroupMessage(ctx context.Context, msg GroupMessage) (int, error) {
	if msg.GroupID == "" || msg.Content == "" {
		return 0, nil
	}

	bindings, err := r.db.ListBindings(ctx, msg.GroupID, "")
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, b := range bindings {
		if !carriesChat(b) {
			continue
		}

		content, ok := r.applyFilters(b.Config.FilterRules, msg)
		if !ok {
			r.filtered.Add(1)
			r.dropped.Add(ctx, 1)
			continue
		}

		if !r.allowChat(ctx, b) {
			r.rateLimited.Add(1)
			r.dropped.Add(ctx, 1)
			r.logger.Debug("chat rate limited",
				"group_id", b.GroupID, "server_id", b.ServerID)
			continue
		}

		formatted := formatChat(b.Config.MessageFormat, b.GroupID, msg.Username, content)
		if err := r.deliverToServer(ctx, b.ServerID, formatted, msg); err != nil {
			if !errors.Is(err, hub.ErrNotConnected) {
				r.logger.Warn("chat delivery failed",
					"group_id", b.GroupID, "server_id", b.ServerID, "error", err)
			}
			r.dropped.Add(ctx, 1)
			continue
		}

		delivered++
		r.messagesIn.Add(1)
		r.routed.Add(ctx, 1)
		r.touchBinding(b.ID)
	}
	return delivered, nil
}

// carriesChat reports whether group chat flows over b into its server.
// Bidirectional gates the group→server direction only.
func carriesChat(b model.GroupBinding) bool {
	if b.Status != model.BindingActive {
		return false
	}
	if b.BindingType != model.BindingChat && b.BindingType != model.BindingFull {
		return false
	}
	return b.Config.Enabled && b.Config.Bidirectional
}

// allowChat applies the binding's sliding-window rule to its route key.
func (r *Router) allowChat(ctx context.Context, b model.GroupBinding) bool {
	rl := b.Config.RateLimit
	if rl == nil {
		return true
	}
	rule := ratelimit.Rule{
		Limit:  rl.MaxMessages,
		Window: time.Duration(rl.WindowMs) * time.Millisecond,
	}
	return r.limiter.AllowRule(ctx, "chat:"+b.GroupID+":"+b.ServerID, rule).Allowed
}

func (r *Router) deliverToServer(ctx context.Context, serverID, formatted string, msg GroupMessage) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	_, err := r.hub.SendRequest(ctx, serverID, protocol.OpChatSend, protocol.ChatSendData{
		Message: formatted,
		Group:   msg.GroupID,
		Sender:  msg.Username,
	}, sendTimeout)
	return err
}

// routeServerEvent delivers one server event to every bound group that wants
// its type. No-op until a group sender is installed.
func (r *Router) routeServerEvent(ctx context.Context, e events.Event) {
	sender := r.groupSender()
	if sender == nil {
		return
	}

	bindings, err := r.db.ListBindings(ctx, "", e.ServerID)
	if err != nil {
		r.logger.Warn("binding lookup failed", "server_id", e.ServerID, "error", err)
		return
	}

	for _, b := range bindings {
		if !carriesEvent(b, e.Type) || !matchesEventFilters(b.Config.EventFilters, e.Data) {
			continue
		}

		formatted := formatEvent(b.Config.EventFormat, e)
		if formatted == "" {
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := sender.SendToGroup(sendCtx, b.GroupID, formatted)
		cancel()
		if err != nil {
			r.logger.Warn("group delivery failed",
				"group_id", b.GroupID, "server_id", e.ServerID,
				"event_type", e.Type, "error", err)
			r.dropped.Add(ctx, 1)
			continue
		}

		r.messagesOut.Add(1)
		r.routed.Add(ctx, 1)
		r.touchBinding(b.ID)
	}
}

// carriesEvent reports whether events of type eventType flow over b to its
// group. Monitoring reports arrive continuously, so they route only over
// monitoring bindings or when named explicitly in eventTypes.
func carriesEvent(b model.GroupBinding, eventType string) bool {
	if b.Status != model.BindingActive || !b.Config.Enabled {
		return false
	}

	switch b.BindingType {
	case model.BindingMonitoring:
		return eventType == protocol.OpMonitorReport
	case model.BindingEvent, model.BindingFull:
	default:
		return false
	}

	if len(b.Config.EventTypes) > 0 {
		for _, t := range b.Config.EventTypes {
			if t == eventType {
				return true
			}
		}
		return false
	}
	return eventType != protocol.OpMonitorReport
}

// matchesEventFilters applies the binding's exact-match data filters.
func matchesEventFilters(filters []model.DataFilter, data map[string]any) bool {
	for _, f := range filters {
		v, ok := dataField(data, f.Field)
		if !ok || v != f.Value {
			return false
		}
	}
	return true
}

// touchBinding stamps last_used_at without holding up the routing path.
func (r *Router) touchBinding(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.db.TouchBindingUsed(ctx, id); err != nil {
		r.logger.Debug("binding touch failed", "binding_id", id, "error", err)
	}
}
