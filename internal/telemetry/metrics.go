package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/parley-sh/parley"

// Metrics bundles the runtime instruments. A nil *Metrics records nothing,
// so callers never need to guard their call sites.
type Metrics struct {
	sessionsActive      metric.Int64UpDownCounter
	turns               metric.Int64Counter
	streamEvents        metric.Int64Counter
	permissionDecisions metric.Int64Counter
	queueDepth          metric.Int64UpDownCounter
	activitySegments    metric.Int64Counter
	sseSubscribers      metric.Int64UpDownCounter
}

// NewMetrics registers all instruments on the given provider.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)
	m := &Metrics{}

	var err error
	if m.sessionsActive, err = meter.Int64UpDownCounter("sessions_active",
		metric.WithDescription("Chat sessions currently registered")); err != nil {
		return nil, fmt.Errorf("creating sessions_active: %w", err)
	}
	if m.turns, err = meter.Int64Counter("turns",
		metric.WithDescription("Completed turns by outcome")); err != nil {
		return nil, fmt.Errorf("creating turns: %w", err)
	}
	if m.streamEvents, err = meter.Int64Counter("stream_events",
		metric.WithDescription("Stream messages received from the agent, by type")); err != nil {
		return nil, fmt.Errorf("creating stream_events: %w", err)
	}
	if m.permissionDecisions, err = meter.Int64Counter("permission_decisions",
		metric.WithDescription("Permission request resolutions by behavior")); err != nil {
		return nil, fmt.Errorf("creating permission_decisions: %w", err)
	}
	if m.queueDepth, err = meter.Int64UpDownCounter("queue_depth",
		metric.WithDescription("User messages queued behind an in-flight turn")); err != nil {
		return nil, fmt.Errorf("creating queue_depth: %w", err)
	}
	if m.activitySegments, err = meter.Int64Counter("activity_segments",
		metric.WithDescription("Time-tracking segments persisted")); err != nil {
		return nil, fmt.Errorf("creating activity_segments: %w", err)
	}
	if m.sseSubscribers, err = meter.Int64UpDownCounter("sse_subscribers",
		metric.WithDescription("Open event-stream subscriptions")); err != nil {
		return nil, fmt.Errorf("creating sse_subscribers: %w", err)
	}
	return m, nil
}

// SessionOpened bumps the active session count.
func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessionsActive.Add(ctx, 1)
}

// SessionClosed drops the active session count.
func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessionsActive.Add(ctx, -1)
}

// TurnFinished counts one finished turn with its outcome label.
func (m *Metrics) TurnFinished(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// StreamMessage counts one inbound stream message by wire type.
func (m *Metrics) StreamMessage(ctx context.Context, msgType string) {
	if m == nil {
		return
	}
	m.streamEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
}

// PermissionDecided counts one permission resolution by behavior.
func (m *Metrics) PermissionDecided(ctx context.Context, behavior string) {
	if m == nil {
		return
	}
	m.permissionDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("behavior", behavior)))
}

// QueueChanged adjusts the queued-message gauge by delta.
func (m *Metrics) QueueChanged(ctx context.Context, delta int) {
	if m == nil {
		return
	}
	m.queueDepth.Add(ctx, int64(delta))
}

// SegmentPersisted counts one persisted time-tracking segment.
func (m *Metrics) SegmentPersisted(ctx context.Context) {
	if m == nil {
		return
	}
	m.activitySegments.Add(ctx, 1)
}

// SubscriberChanged adjusts the event-stream subscriber gauge by delta.
func (m *Metrics) SubscriberChanged(ctx context.Context, delta int) {
	if m == nil {
		return
	}
	m.sseSubscribers.Add(ctx, int64(delta))
}
