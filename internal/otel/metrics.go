package otel

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/patelmm79/dev-nexus/internal/bus"
)

// Metrics holds the orchestrator's metric instruments.
type Metrics struct {
	TasksEnqueued  metric.Int64Counter
	TasksCompleted metric.Int64Counter
	TasksFailed    metric.Int64Counter
	IssuesCreated  metric.Int64Counter
	PeerCallErrors metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksEnqueued, err = meter.Int64Counter("devnexus.tasks.enqueued",
		metric.WithDescription("Tasks accepted into the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("devnexus.tasks.completed",
		metric.WithDescription("Tasks finished successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("devnexus.tasks.failed",
		metric.WithDescription("Tasks finished with a failure"),
	)
	if err != nil {
		return nil, err
	}

	m.IssuesCreated, err = meter.Int64Counter("devnexus.issues.created",
		metric.WithDescription("Follow-up issues created in consumer repositories"),
	)
	if err != nil {
		return nil, err
	}

	m.PeerCallErrors, err = meter.Int64Counter("devnexus.peer.errors",
		metric.WithDescription("Best-effort peer calls that failed"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ObserveBus subscribes to the lifecycle feed and drives the counters until
// the context ends. Run it in its own goroutine. The subscription names the
// kinds it counts, so dequeue events never occupy its buffer.
func (m *Metrics) ObserveBus(ctx context.Context, f *bus.Feed) {
	sub := f.Subscribe(
		bus.TaskEnqueued, bus.TaskCompleted, bus.TaskFailed,
		bus.IssueCreated, bus.PeerCallFailed,
	)
	defer f.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			switch ev.Kind {
			case bus.TaskEnqueued:
				m.TasksEnqueued.Add(ctx, 1)
			case bus.TaskCompleted:
				m.TasksCompleted.Add(ctx, 1)
			case bus.TaskFailed:
				m.TasksFailed.Add(ctx, 1)
			case bus.IssueCreated:
				m.IssuesCreated.Add(ctx, 1)
			case bus.PeerCallFailed:
				m.PeerCallErrors.Add(ctx, 1)
			}
		}
	}
}
