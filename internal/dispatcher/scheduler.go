package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// RecurringBatch is a recurring task-batch admission rule: either a cron
// expression or an event type (mutually exclusive), matching
// original_source's implicit recurring-job shape and the teacher's
// ScheduleConfig.
type RecurringBatch struct {
	Name      string
	CronExpr  string
	EventType string
	Build     func(ctx context.Context) ([]TaskSpec, error)
}

// eventHandler groups every RecurringBatch registered against one event
// type.
type eventHandler struct {
	batches []*RecurringBatch
}

// Scheduler admits recurring batches into the dispatcher on a cron
// schedule or in response to an external event, grounded on the teacher's
// scheduler.go Scheduler (cron.Cron + event-handler map), adapted from
// workflow execution to batch admission.
type Scheduler struct {
	cron       *cron.Cron
	dispatcher *Dispatcher

	mu            sync.RWMutex
	eventHandlers map[string]*eventHandler

	tracer        trace.Tracer
	admitRuns     metric.Int64Counter
	admitFailures metric.Int64Counter
	eventTriggers metric.Int64Counter
}

// NewScheduler wires a cron-driven admitter against d.
func NewScheduler(d *Dispatcher) *Scheduler {
	meter := otel.Meter("kea-kernel")
	admitRuns, _ := meter.Int64Counter("kea_dispatcher_schedule_admits_total")
	admitFailures, _ := meter.Int64Counter("kea_dispatcher_schedule_failures_total")
	eventTriggers, _ := meter.Int64Counter("kea_dispatcher_event_triggers_total")
	return &Scheduler{
		cron:          cron.New(cron.WithSeconds()),
		dispatcher:    d,
		eventHandlers: make(map[string]*eventHandler),
		tracer:        otel.Tracer("kea-dispatcher-scheduler"),
		admitRuns:     admitRuns,
		admitFailures: admitFailures,
		eventTriggers: eventTriggers,
	}
}

// Start begins the cron loop. Event-driven batches only fire via TriggerEvent.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("dispatcher scheduler started")
}

// Stop gracefully drains in-flight cron jobs.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register admits rb either on its cron schedule or in response to
// TriggerEvent(rb.EventType, ...).
func (s *Scheduler) Register(rb *RecurringBatch) error {
	switch {
	case rb.CronExpr != "":
		_, err := s.cron.AddFunc(rb.CronExpr, func() {
			s.admit(context.Background(), rb)
		})
		if err != nil {
			return fmt.Errorf("dispatcher: add cron schedule %q: %w", rb.Name, err)
		}
		slog.Info("recurring batch registered", "name", rb.Name, "cron", rb.CronExpr)
	case rb.EventType != "":
		s.mu.Lock()
		h, ok := s.eventHandlers[rb.EventType]
		if !ok {
			h = &eventHandler{}
			s.eventHandlers[rb.EventType] = h
		}
		h.batches = append(h.batches, rb)
		s.mu.Unlock()
		slog.Info("recurring batch registered", "name", rb.Name, "event_type", rb.EventType)
	default:
		return fmt.Errorf("dispatcher: recurring batch %q needs a cron_expr or event_type", rb.Name)
	}
	return nil
}

// TriggerEvent admits every RecurringBatch registered against eventType.
func (s *Scheduler) TriggerEvent(ctx context.Context, eventType string) {
	ctx, span := s.tracer.Start(ctx, "dispatcher.trigger_event", trace.WithAttributes(attribute.String("event_type", eventType)))
	defer span.End()

	s.mu.RLock()
	h, ok := s.eventHandlers[eventType]
	s.mu.RUnlock()
	if !ok {
		return
	}
	s.eventTriggers.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
	for _, rb := range h.batches {
		s.admit(ctx, rb)
	}
}

func (s *Scheduler) admit(ctx context.Context, rb *RecurringBatch) {
	ctx, span := s.tracer.Start(ctx, "dispatcher.admit_batch", trace.WithAttributes(attribute.String("name", rb.Name)))
	defer span.End()

	tasks, err := rb.Build(ctx)
	if err != nil {
		s.admitFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("name", rb.Name)))
		slog.Warn("recurring batch build failed", "name", rb.Name, "error", err)
		return
	}
	if len(tasks) == 0 {
		return
	}
	if _, err := s.dispatcher.CreateBatch(ctx, tasks); err != nil {
		s.admitFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("name", rb.Name)))
		slog.Warn("recurring batch admission failed", "name", rb.Name, "error", err)
		return
	}
	s.admitRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("name", rb.Name)))
}
