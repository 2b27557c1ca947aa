package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/orderbroker/pkg/engine"
)

const sagaColumns = `
	id, parent_order_id, kind, status, user_id, original_deployment_id,
	new_deployment_id, prior_state, current_step, max_retries, last_error,
	request, version, created_at, updated_at`

const stepColumns = `
	id, saga_id, seq, kind, deployment_id, child_order_id, status, attempts,
	created_at, updated_at`

// GetSaga retrieves a saga by ID
func (s *SQLiteStore) GetSaga(ctx context.Context, id string) (*engine.SagaInstance, error) {
	query := `SELECT ` + sagaColumns + ` FROM saga_instances WHERE id = ?`

	sg, err := scanSaga(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("saga", id)
	}
	return sg, err
}

// GetSagaByParent retrieves the saga driven by a parent order.
func (s *SQLiteStore) GetSagaByParent(ctx context.Context, parentOrderID string) (*engine.SagaInstance, error) {
	query := `SELECT ` + sagaColumns + ` FROM saga_instances WHERE parent_order_id = ?`

	sg, err := scanSaga(s.db.QueryRowContext(ctx, query, parentOrderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("saga for order", parentOrderID)
	}
	return sg, err
}

// ListSagas lists sagas with optional filters, oldest first.
func (s *SQLiteStore) ListSagas(ctx context.Context, filter SagaFilter) ([]*engine.SagaInstance, error) {
	var (
		where []string
		args  []any
	)
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT ` + sagaColumns + ` FROM saga_instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?"
	args = append(args, normalizeLimit(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sagas: %w", err)
	}
	defer rows.Close()

	sagas := []*engine.SagaInstance{}
	for rows.Next() {
		sg, err := scanSaga(rows)
		if err != nil {
			return nil, err
		}
		sagas = append(sagas, sg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sagas: %w", err)
	}
	return sagas, nil
}

// ListSagaSteps returns the steps of a saga in execution order.
func (s *SQLiteStore) ListSagaSteps(ctx context.Context, sagaID string) ([]*engine.SagaStep, error) {
	query := `SELECT ` + stepColumns + ` FROM saga_steps WHERE saga_id = ? ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, sagaID)
	if err != nil {
		return nil, fmt.Errorf("failed to list saga steps: %w", err)
	}
	defer rows.Close()

	steps := []*engine.SagaStep{}
	for rows.Next() {
		step, err := scanSagaStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating saga steps: %w", err)
	}
	return steps, nil
}

// GetStepByChildOrder finds the step a child order was bound to.
func (s *SQLiteStore) GetStepByChildOrder(ctx context.Context, childOrderID string) (*engine.SagaStep, error) {
	query := `SELECT ` + stepColumns + ` FROM saga_steps WHERE child_order_id = ?`

	step, err := scanSagaStep(s.db.QueryRowContext(ctx, query, childOrderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("saga step for order", childOrderID)
	}
	return step, err
}

// AdvanceSaga applies one coordinator decision atomically. The saga row is
// guarded by its version and the step row by its expected status; either
// mismatch returns ErrStaleVersion and nothing is written.
func (s *SQLiteStore) AdvanceSaga(ctx context.Context, change *SagaChange) error {
	if change == nil || change.Saga == nil {
		return fmt.Errorf("saga change is required")
	}
	sg := change.Saga

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	ts := now()
	result, err := tx.ExecContext(ctx, `
		UPDATE saga_instances
		SET status = ?, current_step = ?, last_error = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, sg.Status, sg.CurrentStep, sg.LastError, ts, sg.ID, sg.Version)
	if err != nil {
		return fmt.Errorf("failed to update saga: %w", err)
	}
	if rows, err := rowsAffected(result); err != nil {
		return err
	} else if rows == 0 {
		return fmt.Errorf("saga %s: %w", sg.ID, ErrStaleVersion)
	}

	if step := change.Step; step != nil {
		result, err := tx.ExecContext(ctx, `
			UPDATE saga_steps
			SET status = ?, child_order_id = ?, attempts = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, step.Status, nullString(step.ChildOrderID), step.Attempts, ts, step.ID, change.ExpectStepStatus)
		if err != nil {
			return fmt.Errorf("failed to update saga step: %w", err)
		}
		if rows, err := rowsAffected(result); err != nil {
			return err
		} else if rows == 0 {
			return fmt.Errorf("saga step %s: %w", step.ID, ErrStaleVersion)
		}
		step.UpdatedAt = ts
	}

	if p := change.Parent; p != nil {
		res, err := toJSON(p.Result)
		if err != nil {
			return err
		}
		var completedAt *time.Time
		if p.Status.IsTerminal() {
			completedAt = &ts
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET status = ?, error_message = ?, deploy_retry_num = ?, destroy_retry_num = ?,
				result = COALESCE(?, result), completed_at = ?, updated_at = ?
			WHERE id = ?
		`, p.Status, p.ErrorMessage, p.DeployRetryNum, p.DestroyRetryNum,
			res, nullTime(completedAt), ts, sg.ParentOrderID); err != nil {
			return fmt.Errorf("failed to update saga parent order: %w", err)
		}
	}

	for _, id := range change.Release {
		if _, err := tx.ExecContext(ctx, `
			UPDATE deployments
			SET active_order_id = NULL, version = version + 1, updated_at = ?
			WHERE id = ? AND active_order_id = ?
		`, ts, id, sg.ParentOrderID); err != nil {
			return fmt.Errorf("failed to release deployment %s: %w", id, err)
		}
	}

	for id, state := range change.Restore {
		if _, err := tx.ExecContext(ctx, `
			UPDATE deployments
			SET state = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND state IN (?, ?, ?)
		`, state, ts, id, engine.StateRecreating, engine.StateMigrating, engine.StatePorting); err != nil {
			return fmt.Errorf("failed to restore deployment %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit saga change: %w", err)
	}

	sg.Version++
	sg.UpdatedAt = ts
	return nil
}

func insertSaga(ctx context.Context, q queryer, sg *engine.SagaInstance, ts time.Time) error {
	request, err := toJSON(sg.Request)
	if err != nil {
		return err
	}
	if sg.Version == 0 {
		sg.Version = 1
	}
	sg.CreatedAt = ts
	sg.UpdatedAt = ts

	query := `INSERT INTO saga_instances (` + sagaColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = q.ExecContext(ctx, query,
		sg.ID,
		sg.ParentOrderID,
		sg.Kind,
		sg.Status,
		sg.UserID,
		sg.OriginalDeploymentID,
		sg.NewDeploymentID,
		sg.PriorState,
		sg.CurrentStep,
		sg.MaxRetries,
		sg.LastError,
		request,
		sg.Version,
		sg.CreatedAt,
		sg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create saga: %w", err)
	}
	return nil
}

func insertSagaStep(ctx context.Context, q queryer, step *engine.SagaStep, ts time.Time) error {
	step.CreatedAt = ts
	step.UpdatedAt = ts

	query := `INSERT INTO saga_steps (` + stepColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := q.ExecContext(ctx, query,
		step.ID,
		step.SagaID,
		step.Seq,
		step.Kind,
		step.DeploymentID,
		nullString(step.ChildOrderID),
		step.Status,
		step.Attempts,
		step.CreatedAt,
		step.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create saga step: %w", err)
	}
	return nil
}

func scanSaga(r rowScanner) (*engine.SagaInstance, error) {
	var (
		sg      engine.SagaInstance
		request sql.NullString
	)

	err := r.Scan(
		&sg.ID,
		&sg.ParentOrderID,
		&sg.Kind,
		&sg.Status,
		&sg.UserID,
		&sg.OriginalDeploymentID,
		&sg.NewDeploymentID,
		&sg.PriorState,
		&sg.CurrentStep,
		&sg.MaxRetries,
		&sg.LastError,
		&request,
		&sg.Version,
		&sg.CreatedAt,
		&sg.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan saga: %w", err)
	}

	sg.Request = rawJSON(request)
	return &sg, nil
}

func scanSagaStep(r rowScanner) (*engine.SagaStep, error) {
	var (
		step  engine.SagaStep
		child sql.NullString
	)

	err := r.Scan(
		&step.ID,
		&step.SagaID,
		&step.Seq,
		&step.Kind,
		&step.DeploymentID,
		&child,
		&step.Status,
		&step.Attempts,
		&step.CreatedAt,
		&step.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan saga step: %w", err)
	}

	step.ChildOrderID = child.String
	return &step, nil
}
