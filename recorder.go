package swagent

import (
	"context"
	"time"
)

// Outcome values stored in OperationRecord.Status.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeBusy    = "busy"
	OutcomeError   = "error"
	OutcomeIgnored = "ignored"
)

// OperationRecord describes one processed inbound operation.
type OperationRecord struct {
	ID         string
	TemplateID string
	Mode       string
	DeviceID   string
	ItemCount  int
	Status     string
	ErrorText  string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Elapsed returns the processing time of the operation.
func (r OperationRecord) Elapsed() time.Duration {
	if r.FinishedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// OperationRecorder persists processed operations.
type OperationRecorder interface {
	RecordOperation(ctx context.Context, rec OperationRecord) error
}

type noopRecorder struct{}

func (noopRecorder) RecordOperation(context.Context, OperationRecord) error { return nil }
