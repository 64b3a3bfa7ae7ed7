package dispatcher

import (
	"context"
	"testing"
)

func TestPriorityOrdering(t *testing.T) {
	if !(PriorityCritical < PriorityHigh && PriorityHigh < PriorityDefault && PriorityDefault < PriorityLow) {
		t.Fatalf("expected strictly increasing urgency from critical to low (lower value = more urgent)")
	}
}

func TestSchedulerRejectsBatchWithoutTrigger(t *testing.T) {
	s := NewScheduler(nil)
	err := s.Register(&RecurringBatch{Name: "bad"})
	if err == nil {
		t.Fatalf("expected error for recurring batch with neither cron_expr nor event_type")
	}
}

func TestSchedulerRegistersCronBatch(t *testing.T) {
	s := NewScheduler(nil)
	err := s.Register(&RecurringBatch{Name: "nightly", CronExpr: "0 0 2 * * *", Build: func(ctx context.Context) ([]TaskSpec, error) {
		return nil, nil
	}})
	if err != nil {
		t.Fatalf("unexpected error registering cron batch: %v", err)
	}
}
