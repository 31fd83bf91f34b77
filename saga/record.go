package saga

import (
	"encoding/json"
	"fmt"

	"github.com/overtonx/sagaflow/saga/storage"
)

// toRecord flattens an execution for persistence. The typed context is
// stored as a JSON document.
func toRecord(e *Execution) (*storage.ExecutionRecord, error) {
	contextJSON, err := json.Marshal(e.Context)
	if err != nil {
		return nil, fmt.Errorf("marshal saga context: %w", err)
	}
	return &storage.ExecutionRecord{
		ID:             e.ID,
		SagaType:       e.SagaType,
		OrderID:        e.OrderID,
		State:          string(e.State),
		Context:        contextJSON,
		RetryCount:     e.RetryCount,
		Version:        e.Version,
		DeadlineAt:     e.DeadlineAt,
		DeadlineState:  string(e.DeadlineState),
		StartedAt:      e.StartedAt,
		LastActivityAt: e.LastActivityAt,
		CompletedAt:    e.CompletedAt,
		Result:         string(e.Result),
	}, nil
}

// fromRecord reconstitutes an execution from its persisted fields.
func fromRecord(record *storage.ExecutionRecord) (*Execution, error) {
	var sagaCtx Context
	if len(record.Context) > 0 {
		if err := json.Unmarshal(record.Context, &sagaCtx); err != nil {
			return nil, fmt.Errorf("unmarshal saga context: %w", err)
		}
	}
	return Reconstitute(
		record.ID,
		record.SagaType,
		record.OrderID,
		State(record.State),
		sagaCtx,
		record.RetryCount,
		record.Version,
		record.DeadlineAt,
		State(record.DeadlineState),
		record.StartedAt,
		record.LastActivityAt,
		record.CompletedAt,
		Result(record.Result),
	), nil
}
