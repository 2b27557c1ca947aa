package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/orderbroker/pkg/engine"
)

const orderColumns = `
	id, deployment_id, parent_order_id, task_type, status, handler, user_id,
	request, result, error_message, saga_id, original_deployment_id,
	new_deployment_id, deploy_retry_num, destroy_retry_num,
	created_at, started_at, completed_at, updated_at`

const activeStatuses = `('CREATED', 'IN_PROGRESS')`

// AdmitOrder runs the admission guard against the deployment row and, when it
// passes, inserts the order and moves the deployment in the same transaction.
// A concurrent write to the deployment row surfaces as OrderAlreadyInProgress.
func (s *SQLiteStore) AdmitOrder(ctx context.Context, adm *Admission) (*engine.Deployment, error) {
	if adm == nil || adm.Order == nil {
		return nil, fmt.Errorf("admission order is required")
	}
	o := adm.Order

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	d, err := getDeployment(ctx, tx, o.DeploymentID)
	if err != nil && !engine.IsNotFound(err) {
		return nil, err
	}

	activeChildren := 0
	if o.ParentOrderID != "" {
		query := `SELECT COUNT(*) FROM orders WHERE parent_order_id = ? AND status IN ` + activeStatuses
		if err := tx.QueryRowContext(ctx, query, o.ParentOrderID).Scan(&activeChildren); err != nil {
			return nil, fmt.Errorf("failed to count child orders: %w", err)
		}
	}

	if adm.Guard != nil {
		if err := adm.Guard(d, activeChildren); err != nil {
			return nil, err
		}
	}

	ts := now()
	if d == nil {
		if adm.NewDeployment == nil {
			return nil, engine.NewNotFoundError("deployment", o.DeploymentID)
		}
		created := *adm.NewDeployment
		created.ID = o.DeploymentID
		created.State = adm.NextState
		created.ActiveOrderID = adm.Slot
		if adm.Lock != nil {
			created.Lock = *adm.Lock
		}
		created.Version = 1
		created.CreatedAt = ts
		created.UpdatedAt = ts
		if err := insertDeployment(ctx, tx, &created); err != nil {
			return nil, err
		}
		d = &created
	} else {
		next := *d
		if adm.NextState != "" {
			next.State = adm.NextState
		}
		if adm.Slot != "" {
			next.ActiveOrderID = adm.Slot
		}
		if adm.Lock != nil {
			next.Lock = *adm.Lock
		}
		if err := updateDeployment(ctx, tx, &next); err != nil {
			if errors.Is(err, ErrStaleVersion) {
				return nil, engine.NewConflictError(engine.ErrCodeOrderInProgress,
					"deployment changed while the order was admitted").WithResource(d.ID)
			}
			return nil, err
		}
		d = &next
	}

	if o.CreatedAt.IsZero() {
		o.CreatedAt = ts
	}
	o.UpdatedAt = ts
	if err := insertOrder(ctx, tx, o); err != nil {
		return nil, err
	}

	if adm.Saga != nil {
		if err := insertSaga(ctx, tx, adm.Saga, ts); err != nil {
			return nil, err
		}
		for _, step := range adm.Steps {
			if err := insertSagaStep(ctx, tx, step, ts); err != nil {
				return nil, err
			}
		}
	}

	if adm.BindStepID != "" {
		result, err := tx.ExecContext(ctx, `
			UPDATE saga_steps
			SET child_order_id = ?, status = ?, attempts = attempts + 1, updated_at = ?
			WHERE id = ? AND status IN (?, ?)
		`, o.ID, engine.StepStatusRunning, ts, adm.BindStepID, engine.StepStatusPending, engine.StepStatusFailed)
		if err != nil {
			return nil, fmt.Errorf("failed to bind saga step: %w", err)
		}
		rows, err := rowsAffected(result)
		if err != nil {
			return nil, err
		}
		if rows == 0 {
			return nil, engine.NewConflictError(engine.ErrCodeOrderInProgress,
				"saga step already has a running order").WithResource(adm.BindStepID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit admission: %w", err)
	}

	return d, nil
}

// StartOrderProgress moves an order from CREATED to IN_PROGRESS.
// It reports false when the order had already left CREATED.
func (s *SQLiteStore) StartOrderProgress(ctx context.Context, orderID string) (bool, error) {
	ts := now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, engine.TaskStatusInProgress, ts, ts, orderID, engine.TaskStatusCreated)
	if err != nil {
		return false, fmt.Errorf("failed to start order progress: %w", err)
	}

	rows, err := rowsAffected(result)
	if err != nil {
		return false, err
	}
	if rows == 1 {
		return true, nil
	}

	if _, err := getOrder(ctx, s.db, orderID); err != nil {
		return false, err
	}
	return false, nil
}

// CompleteOrder applies a terminal result. Only the first result for an order
// changes anything; later ones are recorded as observations and reported as
// no-ops. The order moves its deployment to the terminal state and frees the
// deployment's in-flight slot. Saga parents are not completed here.
func (s *SQLiteStore) CompleteOrder(ctx context.Context, c *Completion) (*CompletionOutcome, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	o, err := getOrder(ctx, tx, c.OrderID)
	if err != nil {
		return nil, err
	}
	if o.Handler != engine.HandlerDirect {
		return nil, engine.NewNotFoundError("deployer order", c.OrderID)
	}

	status := engine.TaskStatusFailed
	if c.Success {
		status = engine.TaskStatusSuccessful
	}
	result, err := toJSON(c.Result)
	if err != nil {
		return nil, err
	}

	ts := now()
	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, result = ?, error_message = ?, completed_at = ?,
			started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = ? AND status IN `+activeStatuses,
		status, result, c.ErrorMessage, ts, ts, ts, o.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to complete order: %w", err)
	}
	rows, err := rowsAffected(res)
	if err != nil {
		return nil, err
	}

	out := &CompletionOutcome{Outcome: engine.OutcomeNoop, Order: o}
	if rows == 1 {
		out.Outcome = engine.OutcomeApplied
		o.Status = status
		o.Result = c.Result
		o.ErrorMessage = c.ErrorMessage
		o.CompletedAt = &ts
		if o.StartedAt == nil {
			o.StartedAt = &ts
		}
		o.UpdatedAt = ts
	}

	payload, err := toJSON(c.Payload)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO callback_observations (order_id, outcome, success, payload, observed_at)
		VALUES (?, ?, ?, ?, ?)
	`, o.ID, sourceOutcome(c.Source, out.Outcome), c.Success, payload, ts); err != nil {
		return nil, fmt.Errorf("failed to record callback observation: %w", err)
	}

	if out.Outcome == engine.OutcomeApplied {
		d, err := getDeployment(ctx, tx, o.DeploymentID)
		if err != nil {
			return nil, err
		}
		out.PreviousState = d.State

		next := *d
		if target := engine.TerminalFor(o.TaskType, c.Success); target != "" {
			if !engine.CanTransition(d.State, target) {
				return nil, engine.NewConflictError(engine.ErrCodeInvalidTransition,
					fmt.Sprintf("deployment cannot move from %s to %s", d.State, target)).
					WithResource(d.ID).WithOperation(string(o.TaskType))
			}
			next.State = target
		}
		if c.Success && c.Snapshot != nil {
			next.Snapshot = *c.Snapshot
		}
		if c.Success && o.TaskType == engine.TaskTypeModify {
			request, err := modifiedRequest(d, o)
			if err != nil {
				return nil, err
			}
			next.Request = request
		}
		if next.ActiveOrderID == o.ID {
			next.ActiveOrderID = ""
		}
		if err := updateDeployment(ctx, tx, &next); err != nil {
			return nil, err
		}
		out.Deployment = &next
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit completion: %w", err)
	}

	return out, nil
}

// modifiedRequest folds the payload of a successful MODIFY order into the
// deploy request stored on its deployment.
func modifiedRequest(d *engine.Deployment, o *engine.Order) (json.RawMessage, error) {
	base, err := d.DeployRequest()
	if err != nil {
		return nil, err
	}
	var m engine.ModifyPayload
	if err := json.Unmarshal(o.Request, &m); err != nil {
		return nil, fmt.Errorf("failed to decode modify payload of %s: %w", o.ID, err)
	}
	request, err := json.Marshal(base.Modified(m))
	if err != nil {
		return nil, fmt.Errorf("failed to encode deploy request of %s: %w", d.ID, err)
	}
	return request, nil
}

// qualify prefixes every column of a column list with a table alias.
func qualify(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// sourceOutcome stores the observation outcome as "<outcome>" or "<source>:<outcome>".
func sourceOutcome(source string, outcome engine.ApplyOutcome) string {
	if source == "" {
		return string(outcome)
	}
	return source + ":" + string(outcome)
}

// GetOrder retrieves an order by ID
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*engine.Order, error) {
	return getOrder(ctx, s.db, id)
}

// ListOrders lists orders matching the filter, oldest first.
func (s *SQLiteStore) ListOrders(ctx context.Context, filter OrderFilter) ([]*engine.Order, error) {
	var (
		where []string
		args  []any
	)
	if filter.DeploymentID != "" {
		where = append(where, "deployment_id = ?")
		args = append(args, filter.DeploymentID)
	}
	if filter.ParentOrderID != "" {
		where = append(where, "parent_order_id = ?")
		args = append(args, filter.ParentOrderID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.TaskType != "" {
		where = append(where, "task_type = ?")
		args = append(args, filter.TaskType)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?"
	args = append(args, normalizeLimit(filter.Limit), filter.Offset)

	return queryOrders(ctx, s.db, query, args...)
}

// ListStaleOrders returns direct orders IN_PROGRESS since before startedBefore
// whose deployment is in one of states.
func (s *SQLiteStore) ListStaleOrders(ctx context.Context, startedBefore time.Time, states []engine.DeploymentState, limit int) ([]*engine.Order, error) {
	if len(states) == 0 {
		return []*engine.Order{}, nil
	}

	query := `SELECT ` + qualify(orderColumns, "o") + `
		FROM orders o
		JOIN deployments d ON d.id = o.deployment_id
		WHERE o.status = ? AND o.handler = ? AND d.state IN (` + placeholders(len(states)) + `)
		ORDER BY o.started_at ASC`

	args := []any{engine.TaskStatusInProgress, engine.HandlerDirect}
	for _, st := range states {
		args = append(args, st)
	}

	candidates, err := queryOrders(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}

	limit = normalizeLimit(limit)
	stale := []*engine.Order{}
	for _, o := range candidates {
		if o.StartedAt == nil || !o.StartedAt.Before(startedBefore) {
			continue
		}
		stale = append(stale, o)
		if len(stale) == limit {
			break
		}
	}
	return stale, nil
}

// deletableOrder restricts deletes to terminal orders that no saga still
// depends on: parents of open sagas and children of running steps are kept.
// Binds: two terminal statuses, two open saga statuses, the running step status.
const deletableOrder = `status IN (?, ?)
		  AND NOT EXISTS (
			SELECT 1 FROM saga_instances si
			WHERE si.parent_order_id = orders.id AND si.status IN (?, ?)
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM saga_steps ss
			WHERE ss.child_order_id = orders.id AND ss.status = ?
		  )`

// DeleteOrder deletes a terminal order. Orders still in flight, saga parents
// awaiting a decision and children not yet consumed by their saga cannot be
// deleted.
func (s *SQLiteStore) DeleteOrder(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM orders
		WHERE id = ? AND `+deletableOrder,
		id, engine.TaskStatusSuccessful, engine.TaskStatusFailed,
		engine.SagaStatusRunning, engine.SagaStatusAwaitingDecision, engine.StepStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}

	rows, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}

	if _, err := getOrder(ctx, s.db, id); err != nil {
		return err
	}
	return engine.NewConflictError(engine.ErrCodeOrderInProgress, "order is still in progress").
		WithResource(id)
}

// DeleteOrdersByDeployment deletes the terminal order history of an idle deployment.
func (s *SQLiteStore) DeleteOrdersByDeployment(ctx context.Context, deploymentID string) (int64, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	d, err := getDeployment(ctx, tx, deploymentID)
	if err != nil {
		return 0, err
	}
	if d.ActiveOrderID != "" {
		return 0, engine.NewConflictError(engine.ErrCodeOrderInProgress,
			"deployment has an order in progress").WithResource(deploymentID)
	}

	result, err := tx.ExecContext(ctx, `
		DELETE FROM orders
		WHERE deployment_id = ? AND `+deletableOrder,
		deploymentID, engine.TaskStatusSuccessful, engine.TaskStatusFailed,
		engine.SagaStatusRunning, engine.SagaStatusAwaitingDecision, engine.StepStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to delete orders: %w", err)
	}

	rows, err := rowsAffected(result)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit order deletion: %w", err)
	}
	return rows, nil
}

// ListCallbackObservations returns every result delivered for an order.
func (s *SQLiteStore) ListCallbackObservations(ctx context.Context, orderID string) ([]*CallbackObservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, outcome, success, payload, observed_at
		FROM callback_observations
		WHERE order_id = ?
		ORDER BY id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list callback observations: %w", err)
	}
	defer rows.Close()

	observations := []*CallbackObservation{}
	for rows.Next() {
		var (
			obs     CallbackObservation
			outcome string
			payload sql.NullString
		)
		if err := rows.Scan(&obs.ID, &obs.OrderID, &outcome, &obs.Success, &payload, &obs.ObservedAt); err != nil {
			return nil, fmt.Errorf("failed to scan callback observation: %w", err)
		}
		if source, rest, ok := strings.Cut(outcome, ":"); ok {
			obs.Source = source
			outcome = rest
		}
		obs.Outcome = engine.ApplyOutcome(outcome)
		obs.Payload = rawJSON(payload)
		observations = append(observations, &obs)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating callback observations: %w", err)
	}
	return observations, nil
}

func insertOrder(ctx context.Context, q queryer, o *engine.Order) error {
	request, err := toJSON(o.Request)
	if err != nil {
		return err
	}
	result, err := toJSON(o.Result)
	if err != nil {
		return err
	}

	query := `INSERT INTO orders (` + orderColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = q.ExecContext(ctx, query,
		o.ID,
		o.DeploymentID,
		nullString(o.ParentOrderID),
		o.TaskType,
		o.Status,
		o.Handler,
		o.UserID,
		request,
		result,
		o.ErrorMessage,
		nullString(o.SagaID),
		nullString(o.OriginalDeploymentID),
		nullString(o.NewDeploymentID),
		o.DeployRetryNum,
		o.DestroyRetryNum,
		o.CreatedAt,
		nullTime(o.StartedAt),
		nullTime(o.CompletedAt),
		o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func getOrder(ctx context.Context, q queryer, id string) (*engine.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = ?`

	o, err := scanOrder(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("order", id)
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func queryOrders(ctx context.Context, q queryer, query string, args ...any) ([]*engine.Order, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	orders := []*engine.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return orders, nil
}

func scanOrder(r rowScanner) (*engine.Order, error) {
	var (
		o           engine.Order
		parent      sql.NullString
		request     sql.NullString
		result      sql.NullString
		sagaID      sql.NullString
		originalID  sql.NullString
		newID       sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)

	err := r.Scan(
		&o.ID,
		&o.DeploymentID,
		&parent,
		&o.TaskType,
		&o.Status,
		&o.Handler,
		&o.UserID,
		&request,
		&result,
		&o.ErrorMessage,
		&sagaID,
		&originalID,
		&newID,
		&o.DeployRetryNum,
		&o.DestroyRetryNum,
		&o.CreatedAt,
		&startedAt,
		&completedAt,
		&o.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}

	o.ParentOrderID = parent.String
	o.SagaID = sagaID.String
	o.OriginalDeploymentID = originalID.String
	o.NewDeploymentID = newID.String
	o.Request = rawJSON(request)
	o.StartedAt = timePtr(startedAt)
	o.CompletedAt = timePtr(completedAt)
	if result.Valid {
		o.Result = &engine.OrderResult{}
		if err := fromJSON(result, o.Result); err != nil {
			return nil, err
		}
	}
	return &o, nil
}
