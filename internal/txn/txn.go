// Package txn implements the ordered do/undo Transaction of spec §4.D. No
// third-party library in the retrieval pack models "compensating rollback
// of arbitrary named steps" directly; the closest analogues (teacher's own
// hand-rolled migration retry loop in internal/app's runMigrations, and
// cockroachdb/cockroach-go's crdb.ExecuteTx) both retry a single SQL
// transaction rather than walk a list of heterogeneous named steps, so this
// stays a small stdlib-only type, logging failed rollbacks with log/slog
// exactly as the teacher logs recoverable errors elsewhere.
package txn

import (
	"context"
	"fmt"
	"log/slog"
)

// Step is one named operation paired with its compensating rollback.
type Step struct {
	Name string
	Do   func(ctx context.Context) (any, error)
	Undo func(ctx context.Context) error
}

// Transaction runs an ordered list of steps, rolling back completed steps in
// reverse order on the first failure. Rollback errors are logged and never
// mask the original failure (spec §4.D).
type Transaction struct {
	logger *slog.Logger
	steps  []Step
}

// New constructs an empty Transaction.
func New(logger *slog.Logger) *Transaction {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transaction{logger: logger}
}

// Add appends a step to the transaction in execution order.
func (t *Transaction) Add(step Step) {
	t.steps = append(t.steps, step)
}

// Execute runs every step's Do in order. On the first failure it invokes
// Undo for each previously-completed step in reverse order, then returns the
// original error (rollback failures are logged, never returned).
func (t *Transaction) Execute(ctx context.Context) ([]any, error) {
	results := make([]any, 0, len(t.steps))
	completed := 0

	for _, step := range t.steps {
		result, err := step.Do(ctx)
		if err != nil {
			t.rollback(ctx, completed)
			return nil, fmt.Errorf("txn: step %q failed: %w", step.Name, err)
		}
		results = append(results, result)
		completed++
	}

	return results, nil
}

func (t *Transaction) rollback(ctx context.Context, completed int) {
	for i := completed - 1; i >= 0; i-- {
		step := t.steps[i]
		if step.Undo == nil {
			continue
		}
		if err := step.Undo(ctx); err != nil {
			t.logger.Error("rollback step failed", "step", step.Name, "error", err)
		}
	}
}
