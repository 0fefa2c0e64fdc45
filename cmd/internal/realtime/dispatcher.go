package realtime

import (
	"context"
	"log/slog"
	"time"

	"parley/cmd/internal/metrics"
	v1 "parley/shared/contracts/realtime/v1"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Dispatch kinds, used as metric labels.
const (
	KindNotify  = "notify"
	KindDeliver = "deliver"
)

// Mirror receives every dispatched message after local fan-out (NATS in production).
type Mirror interface {
	MirrorMessage(ctx context.Context, msg v1.Message, conv v1.Conversation) error
}

// DispatchResult counts what one Dispatch enqueued.
type DispatchResult struct {
	Notified  int // notify envelopes enqueued across recipient personal channels
	Delivered int // deliver envelopes enqueued on the conversation channel
	Dropped   int // full queues or closing connections
	Offline   int // recipients with no live connection
}

// Dispatcher fans a persisted-or-persisting message out to live connections.
//
// Delivery is fire-and-forget: nothing is acknowledged or retried, and events for channels with no
// subscriber are dropped. Persistence is independent, so a missed event is recovered by re-fetching.
type Dispatcher struct {
	hub    *Hub
	log    *slog.Logger
	tracer trace.Tracer
	mirror Mirror
	now    func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMirror sets the optional Mirror.
func WithMirror(m Mirror) DispatcherOption {
	return func(d *Dispatcher) { d.mirror = m }
}

// WithDispatchLogger sets the logger.
func WithDispatchLogger(log *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// NewDispatcher constructs a Dispatcher over hub.
func NewDispatcher(hub *Hub, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		hub:    hub,
		log:    slog.Default(),
		tracer: otel.Tracer("parley/realtime"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Dispatch emits notify to every recipient's personal channel (with the group name for groups)
// and deliver to the conversation channel, skipping only originConnID there.
func (d *Dispatcher) Dispatch(ctx context.Context, msg v1.Message, conv v1.Conversation, originConnID string) (DispatchResult, error) {
	ctx, span := d.tracer.Start(ctx, "realtime.Dispatch", trace.WithAttributes(
		attribute.String("conversation.id", conv.ID),
		attribute.String("conversation.kind", conv.Kind),
		attribute.String("message.id", msg.ID),
		attribute.Int("message.recipients", len(msg.RecipientIDs)),
	))
	defer span.End()

	var res DispatchResult
	now := d.now()

	notify := v1.NotifyPayload{Message: msg}
	if conv.Kind == "group" {
		notify.GroupName = conv.Name
	}
	notifyEnv, err := newEnvelope(v1.TypeNotifyReceiveChatMessage, notify, now)
	if err != nil {
		return res, err
	}
	deliverEnv, err := newEnvelope(v1.TypeReceiveChatMessage, v1.ReceiveChatMessagePayload{Message: msg}, now)
	if err != nil {
		return res, err
	}

	for _, rid := range msg.RecipientIDs {
		if rid == "" || rid == msg.SenderID {
			continue
		}
		sent, dropped, ok := d.hub.Publish(rid, notifyEnv, "")
		if !ok {
			res.Offline++
			metrics.RecordNoSubscriber(KindNotify)
			continue
		}
		res.Notified += sent
		res.Dropped += dropped
		metrics.RecordDispatch(KindNotify, sent, dropped)
	}

	sent, dropped, ok := d.hub.Publish(conv.ID, deliverEnv, originConnID)
	if ok {
		res.Delivered = sent
		res.Dropped += dropped
		metrics.RecordDispatch(KindDeliver, sent, dropped)
	} else {
		metrics.RecordNoSubscriber(KindDeliver)
	}

	span.SetAttributes(
		attribute.Int("dispatch.notified", res.Notified),
		attribute.Int("dispatch.delivered", res.Delivered),
		attribute.Int("dispatch.dropped", res.Dropped),
	)
	d.log.Debug("dispatch.done",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"notified", res.Notified,
		"delivered", res.Delivered,
		"dropped", res.Dropped,
		"offline", res.Offline,
	)

	if d.mirror != nil {
		if err := d.mirror.MirrorMessage(ctx, msg, conv); err != nil {
			span.RecordError(err)
			d.log.Warn("dispatch.mirror.fail", "conversation_id", conv.ID, "message_id", msg.ID, "err", err)
		}
	}
	return res, nil
}
