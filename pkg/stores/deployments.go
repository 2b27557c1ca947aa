package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/orderbroker/pkg/engine"
)

const deploymentColumns = `
	id, user_id, template_id, template_name, template_version, csp, category,
	hosting_type, region, request, state, destroy_locked, modify_locked,
	snapshot, active_order_id, version, created_at, updated_at`

// CreateDeployment inserts a deployment row outside of an admission.
func (s *SQLiteStore) CreateDeployment(ctx context.Context, d *engine.Deployment) error {
	if err := d.State.Validate(); err != nil {
		return err
	}
	ts := now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = ts
	}
	d.UpdatedAt = ts
	if d.Version == 0 {
		d.Version = 1
	}
	return insertDeployment(ctx, s.db, d)
}

// GetDeployment retrieves a deployment by ID
func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*engine.Deployment, error) {
	return getDeployment(ctx, s.db, id)
}

// ListDeployments lists deployments with optional filters and pagination
func (s *SQLiteStore) ListDeployments(ctx context.Context, filter DeploymentFilter) ([]*engine.Deployment, error) {
	var (
		where []string
		args  []any
	)
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, filter.State)
	}

	query := `SELECT ` + deploymentColumns + ` FROM deployments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, normalizeLimit(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	deployments := []*engine.Deployment{}
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}

	return deployments, nil
}

func insertDeployment(ctx context.Context, q queryer, d *engine.Deployment) error {
	snapshot, err := toJSON(d.Snapshot)
	if err != nil {
		return err
	}
	if d.Snapshot.IsEmpty() {
		snapshot = sql.NullString{}
	}
	request, err := toJSON(d.Request)
	if err != nil {
		return err
	}

	query := `INSERT INTO deployments (` + deploymentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = q.ExecContext(ctx, query,
		d.ID,
		d.UserID,
		d.Template.TemplateID,
		d.Template.Name,
		d.Template.Version,
		d.Template.Csp,
		d.Template.Category,
		d.Template.HostingType,
		d.Template.Region,
		request,
		d.State,
		d.Lock.DestroyLocked,
		d.Lock.ModifyLocked,
		snapshot,
		nullString(d.ActiveOrderID),
		d.Version,
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create deployment: %w", err)
	}
	return nil
}

func getDeployment(ctx context.Context, q queryer, id string) (*engine.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = ?`

	d, err := scanDeployment(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("deployment", id)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// updateDeployment writes d back guarded by its version and bumps the version.
func updateDeployment(ctx context.Context, q queryer, d *engine.Deployment) error {
	var snapshot sql.NullString
	if !d.Snapshot.IsEmpty() {
		var err error
		if snapshot, err = toJSON(d.Snapshot); err != nil {
			return err
		}
	}

	request, err := toJSON(d.Request)
	if err != nil {
		return err
	}

	query := `
		UPDATE deployments
		SET request = ?, state = ?, destroy_locked = ?, modify_locked = ?, snapshot = ?,
			active_order_id = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`

	d.UpdatedAt = now()
	result, err := q.ExecContext(ctx, query,
		request,
		d.State,
		d.Lock.DestroyLocked,
		d.Lock.ModifyLocked,
		snapshot,
		nullString(d.ActiveOrderID),
		d.UpdatedAt,
		d.ID,
		d.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update deployment: %w", err)
	}

	rows, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("deployment %s: %w", d.ID, ErrStaleVersion)
	}

	d.Version++
	return nil
}

func scanDeployment(r rowScanner) (*engine.Deployment, error) {
	var (
		d        engine.Deployment
		request  sql.NullString
		snapshot sql.NullString
		active   sql.NullString
	)

	err := r.Scan(
		&d.ID,
		&d.UserID,
		&d.Template.TemplateID,
		&d.Template.Name,
		&d.Template.Version,
		&d.Template.Csp,
		&d.Template.Category,
		&d.Template.HostingType,
		&d.Template.Region,
		&request,
		&d.State,
		&d.Lock.DestroyLocked,
		&d.Lock.ModifyLocked,
		&snapshot,
		&active,
		&d.Version,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan deployment: %w", err)
	}

	d.Request = rawJSON(request)
	d.ActiveOrderID = active.String
	if err := fromJSON(snapshot, &d.Snapshot); err != nil {
		return nil, err
	}
	return &d, nil
}
