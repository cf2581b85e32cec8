package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all truthd metrics instruments.
type Metrics struct {
	TasksEnqueued  metric.Int64Counter
	TasksDequeued  metric.Int64Counter
	TasksCompleted metric.Int64Counter
	TasksFailed    metric.Int64Counter
	TasksReclaimed metric.Int64Counter
	QueueDepth     metric.Int64UpDownCounter
	EventsLogged   metric.Int64Counter
	TokensUsed     metric.Int64Counter
	CostUSD        metric.Float64Counter
	CacheHits      metric.Int64Counter
	CacheMisses    metric.Int64Counter
	GateDecisions  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksEnqueued, err = meter.Int64Counter("truthd.tasks.enqueued",
		metric.WithDescription("Tasks added to the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDequeued, err = meter.Int64Counter("truthd.tasks.dequeued",
		metric.WithDescription("Tasks claimed by workers"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("truthd.tasks.completed",
		metric.WithDescription("Tasks reported complete"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("truthd.tasks.failed",
		metric.WithDescription("Tasks reported failed"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksReclaimed, err = meter.Int64Counter("truthd.tasks.reclaimed",
		metric.WithDescription("Tasks requeued after lease expiry"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("truthd.queue.depth",
		metric.WithDescription("Tasks currently queued"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsLogged, err = meter.Int64Counter("truthd.events.logged",
		metric.WithDescription("Events appended to the log"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("truthd.cost.tokens",
		metric.WithDescription("Total tokens recorded"),
	)
	if err != nil {
		return nil, err
	}

	m.CostUSD, err = meter.Float64Counter("truthd.cost.usd",
		metric.WithDescription("Cumulative recorded cost in USD"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheHits, err = meter.Int64Counter("truthd.cache.hits",
		metric.WithDescription("Tool result cache hits"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheMisses, err = meter.Int64Counter("truthd.cache.misses",
		metric.WithDescription("Tool result cache misses"),
	)
	if err != nil {
		return nil, err
	}

	m.GateDecisions, err = meter.Int64Counter("truthd.gates.decisions",
		metric.WithDescription("Gate approvals and rejections"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
