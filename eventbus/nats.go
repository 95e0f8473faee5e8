package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/grcflow/grcflow/core"
	"github.com/grcflow/grcflow/telemetry"
	"github.com/nats-io/nats.go"
)

// SubjectPrefix is the NATS subject root for workflow events. Each
// event type publishes to "<prefix>.<event-type>".
const SubjectPrefix = "grcflow.events"

// NATSBridge connects the in-process bus to a NATS server: inbound
// messages are republished on the local bus, locally originated events
// can be forwarded out. The bus's event-id dedupe absorbs the loop when
// both directions are enabled.
type NATSBridge struct {
	conn   *nats.Conn
	bus    *Bus
	logger core.Logger
	subs   []*nats.Subscription
}

// BridgeOption configures the bridge.
type BridgeOption func(*NATSBridge)

// WithBridgeLogger sets the bridge logger.
func WithBridgeLogger(logger core.Logger) BridgeOption {
	return func(b *NATSBridge) { b.logger = logger }
}

// NewNATSBridge connects to NATS and binds the bridge to a local bus.
func NewNATSBridge(url string, bus *Bus, opts ...BridgeOption) (*NATSBridge, error) {
	conn, err := nats.Connect(url,
		nats.Name("grcflow-orchestrator"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	b := &NATSBridge{
		conn:   conn,
		bus:    bus,
		logger: &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Start subscribes to the workflow-event subject tree and republishes
// inbound messages on the local bus. Malformed messages are logged and
// dropped, never retried.
func (b *NATSBridge) Start(ctx context.Context) error {
	sub, err := b.conn.Subscribe(SubjectPrefix+".>", func(msg *nats.Msg) {
		var event core.WorkflowEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			telemetry.RecordError("eventbus.nats", "unmarshal")
			b.logger.Warn("Dropping malformed event message", map[string]interface{}{
				"subject": msg.Subject,
				"error":   err.Error(),
			})
			return
		}
		if err := b.bus.Publish(ctx, &event); err != nil {
			b.logger.Error("Failed to republish inbound event", map[string]interface{}{
				"event_id": event.EventID,
				"error":    err.Error(),
			})
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s.>: %w", SubjectPrefix, err)
	}
	b.subs = append(b.subs, sub)
	b.logger.Info("NATS bridge started", map[string]interface{}{
		"subject": SubjectPrefix + ".>",
	})
	return nil
}

// Forward publishes a locally originated event to NATS so other
// services observe it.
func (b *NATSBridge) Forward(ctx context.Context, event *core.WorkflowEvent) error {
	if err := ctx.Err(); err != nil {
		return core.NewError("eventbus.Forward", core.CodeTimeout, core.ErrContextCanceled)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.EventID, err)
	}
	subject := fmt.Sprintf("%s.%s", SubjectPrefix, event.EventType)
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	telemetry.Counter("eventbus.nats.forwarded.total", "event_type", string(event.EventType))
	return nil
}

// Close drains the subscriptions and the connection.
func (b *NATSBridge) Close() {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	if b.conn != nil {
		_ = b.conn.Drain()
	}
}
