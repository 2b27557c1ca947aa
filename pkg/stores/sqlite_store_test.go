package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/orderbroker/pkg/engine"
)

// setupTestStore creates a file-backed SQLite store under the test's temp dir
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "broker.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

// slotGuard admits only when the deployment has no order in flight.
func slotGuard(d *engine.Deployment, _ int) error {
	if d != nil && d.ActiveOrderID != "" {
		return engine.NewConflictError(engine.ErrCodeOrderInProgress, "order in progress")
	}
	return nil
}

func newOrder(id, deploymentID string, taskType engine.TaskType) *engine.Order {
	return &engine.Order{
		ID:           id,
		DeploymentID: deploymentID,
		TaskType:     taskType,
		Status:       engine.TaskStatusCreated,
		Handler:      engine.HandlerDirect,
		UserID:       "user-1",
		Request:      json.RawMessage(`{"csp":"HUAWEI","name":"kafka","version":"1.0.0"}`),
	}
}

func newDeployment() *engine.Deployment {
	return &engine.Deployment{
		UserID: "user-1",
		Template: engine.TemplateRef{
			Name:    "kafka",
			Version: "1.0.0",
			Csp:     engine.CspHuawei,
		},
	}
}

// deployTestOrder admits a DEPLOY order creating deploymentID.
func deployTestOrder(t *testing.T, store *SQLiteStore, orderID, deploymentID string) *engine.Deployment {
	t.Helper()

	d, err := store.AdmitOrder(context.Background(), &Admission{
		Order:         newOrder(orderID, deploymentID, engine.TaskTypeDeploy),
		NewDeployment: newDeployment(),
		Guard:         slotGuard,
		NextState:     engine.StateDeploying,
		Slot:          orderID,
	})
	if err != nil {
		t.Fatalf("failed to admit deploy order: %v", err)
	}
	return d
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "lifecycle.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"deployments", "orders", "callback_observations", "saga_instances", "saga_steps", "audit"}
	for _, table := range tables {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	version, dirty, err := store.MigrationVersion()
	if err != nil {
		t.Fatalf("failed to read migration version: %v", err)
	}
	if version != 1 || dirty {
		t.Errorf("expected clean version 1, got %d (dirty=%v)", version, dirty)
	}

	// Migrating again is a no-op
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}

func TestAdmitOrderCreatesDeployment(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	d := deployTestOrder(t, store, "order-1", "dep-1")
	if d.State != engine.StateDeploying {
		t.Errorf("expected state %s, got %s", engine.StateDeploying, d.State)
	}
	if d.ActiveOrderID != "order-1" {
		t.Errorf("expected active order order-1, got %q", d.ActiveOrderID)
	}

	stored, err := store.GetDeployment(ctx, "dep-1")
	if err != nil {
		t.Fatalf("failed to get deployment: %v", err)
	}
	if stored.Version != 1 || stored.Template.Name != "kafka" || stored.Template.Csp != engine.CspHuawei {
		t.Errorf("unexpected deployment: %+v", stored)
	}

	o, err := store.GetOrder(ctx, "order-1")
	if err != nil {
		t.Fatalf("failed to get order: %v", err)
	}
	if o.Status != engine.TaskStatusCreated || o.TaskType != engine.TaskTypeDeploy {
		t.Errorf("unexpected order: %+v", o)
	}
	if o.StartedAt != nil || o.CompletedAt != nil {
		t.Error("new order should have no start or completion time")
	}
}

func TestAdmitOrderGuardRejectionWritesNothing(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	deployTestOrder(t, store, "order-1", "dep-1")

	_, err := store.AdmitOrder(ctx, &Admission{
		Order:     newOrder("order-2", "dep-1", engine.TaskTypeDestroy),
		Guard:     slotGuard,
		NextState: engine.StateDestroying,
		Slot:      "order-2",
	})
	if !errors.Is(err, engine.ErrOrderAlreadyInProgress) {
		t.Fatalf("expected OrderAlreadyInProgress, got %v", err)
	}

	if _, err := store.GetOrder(ctx, "order-2"); !engine.IsNotFound(err) {
		t.Errorf("expected rejected order to be absent, got %v", err)
	}

	d, _ := store.GetDeployment(ctx, "dep-1")
	if d.State != engine.StateDeploying || d.Version != 1 {
		t.Errorf("deployment changed by rejected admission: %+v", d)
	}
}

func TestAdmitOrderUnknownDeployment(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.AdmitOrder(context.Background(), &Admission{
		Order:     newOrder("order-1", "missing", engine.TaskTypeDestroy),
		NextState: engine.StateDestroying,
	})
	if !engine.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

// TestAdmitOrderConcurrent checks that racing admissions for one deployment admit exactly one order
func TestAdmitOrderConcurrent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	deployTestOrder(t, store, "order-0", "dep-1")
	if _, err := store.CompleteOrder(ctx, &Completion{OrderID: "order-0", Success: true}); err != nil {
		t.Fatalf("failed to complete deploy: %v", err)
	}

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		admitted  int
		conflicts int
		others    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("modify-%d", i)
			_, err := store.AdmitOrder(ctx, &Admission{
				Order:     newOrder(id, "dep-1", engine.TaskTypeModify),
				Guard:     slotGuard,
				NextState: engine.StateModifying,
				Slot:      id,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case engine.IsConflict(err):
				conflicts++
			default:
				others = append(others, err)
			}
		}(i)
	}
	wg.Wait()

	if len(others) > 0 {
		t.Fatalf("unexpected errors: %v", others)
	}
	if admitted != 1 || conflicts != workers-1 {
		t.Errorf("expected 1 admitted and %d conflicts, got %d and %d", workers-1, admitted, conflicts)
	}

	orders, err := store.ListOrders(ctx, OrderFilter{DeploymentID: "dep-1", TaskType: engine.TaskTypeModify})
	if err != nil {
		t.Fatalf("failed to list orders: %v", err)
	}
	if len(orders) != 1 {
		t.Errorf("expected exactly one modify order row, got %d", len(orders))
	}
}

func TestStartOrderProgress(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	deployTestOrder(t, store, "order-1", "dep-1")

	started, err := store.StartOrderProgress(ctx, "order-1")
	if err != nil || !started {
		t.Fatalf("expected order to start, got %v, %v", started, err)
	}

	started, err = store.StartOrderProgress(ctx, "order-1")
	if err != nil || started {
		t.Errorf("second start should be a no-op, got %v, %v", started, err)
	}

	o, _ := store.GetOrder(ctx, "order-1")
	if o.Status != engine.TaskStatusInProgress || o.StartedAt == nil {
		t.Errorf("unexpected order after start: %+v", o)
	}

	if _, err := store.StartOrderProgress(ctx, "missing"); !engine.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestCompleteOrderIsIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	deployTestOrder(t, store, "order-1", "dep-1")

	first := &Completion{
		OrderID:  "order-1",
		Success:  true,
		Result:   &engine.OrderResult{Outputs: map[string]string{"endpoint": "10.0.0.1"}},
		Snapshot: &engine.ResourceSnapshot{Outputs: map[string]string{"endpoint": "10.0.0.1"}},
		Source:   "callback",
	}
	out, err := store.CompleteOrder(ctx, first)
	if err != nil {
		t.Fatalf("failed to complete order: %v", err)
	}
	if out.Outcome != engine.OutcomeApplied {
		t.Fatalf("expected applied, got %s", out.Outcome)
	}
	if out.PreviousState != engine.StateDeploying || out.Deployment.State != engine.StateDeploySuccess {
		t.Errorf("unexpected transition %s -> %s", out.PreviousState, out.Deployment.State)
	}

	second := &Completion{
		OrderID:      "order-1",
		Success:      false,
		ErrorMessage: "late failure",
		Source:       "callback",
	}
	out, err = store.CompleteOrder(ctx, second)
	if err != nil {
		t.Fatalf("failed to apply duplicate result: %v", err)
	}
	if out.Outcome != engine.OutcomeNoop || out.Deployment != nil {
		t.Errorf("expected noop without deployment change, got %+v", out)
	}

	o, _ := store.GetOrder(ctx, "order-1")
	if o.Status != engine.TaskStatusSuccessful || o.ErrorMessage != "" {
		t.Errorf("terminal order changed: %+v", o)
	}
	if o.Result == nil || o.Result.Outputs["endpoint"] != "10.0.0.1" {
		t.Errorf("stored result changed: %+v", o.Result)
	}

	d, _ := store.GetDeployment(ctx, "dep-1")
	if d.State != engine.StateDeploySuccess || d.ActiveOrderID != "" {
		t.Errorf("unexpected deployment: %+v", d)
	}
	if d.Snapshot.Outputs["endpoint"] != "10.0.0.1" {
		t.Errorf("snapshot not copied: %+v", d.Snapshot)
	}

	observations, err := store.ListCallbackObservations(ctx, "order-1")
	if err != nil {
		t.Fatalf("failed to list observations: %v", err)
	}
	if len(observations) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(observations))
	}
	if observations[0].Outcome != engine.OutcomeApplied || observations[1].Outcome != engine.OutcomeNoop {
		t.Errorf("unexpected outcomes: %s, %s", observations[0].Outcome, observations[1].Outcome)
	}
	if observations[1].Source != "callback" {
		t.Errorf("expected source callback, got %q", observations[1].Source)
	}
}

func TestCompleteModifyUpdatesDeployRequest(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	deploy := newOrder("order-1", "dep-1", engine.TaskTypeDeploy)
	deploy.Request = json.RawMessage(`{"csp":"HUAWEI","name":"kafka","version":"1.0.0","flavor":"small","properties":{"size":"small","zone":"a"}}`)
	dep := newDeployment()
	dep.Request = deploy.Request
	if _, err := store.AdmitOrder(ctx, &Admission{
		Order: deploy, NewDeployment: dep, Guard: slotGuard,
		NextState: engine.StateDeploying, Slot: "order-1",
	}); err != nil {
		t.Fatalf("failed to admit deploy: %v", err)
	}
	if _, err := store.CompleteOrder(ctx, &Completion{OrderID: "order-1", Success: true}); err != nil {
		t.Fatalf("failed to complete deploy: %v", err)
	}

	modify := func(id, payload string, success bool) {
		t.Helper()
		o := newOrder(id, "dep-1", engine.TaskTypeModify)
		o.Request = json.RawMessage(payload)
		if _, err := store.AdmitOrder(ctx, &Admission{
			Order: o, Guard: slotGuard, NextState: engine.StateModifying, Slot: id,
		}); err != nil {
			t.Fatalf("failed to admit %s: %v", id, err)
		}
		if _, err := store.CompleteOrder(ctx, &Completion{OrderID: id, Success: success}); err != nil {
			t.Fatalf("failed to complete %s: %v", id, err)
		}
	}

	modify("order-2", `{"deploymentId":"dep-1","flavor":"large","properties":{"size":"large"}}`, true)
	modify("order-3", `{"deploymentId":"dep-1","flavor":"xlarge"}`, false)

	d, err := store.GetDeployment(ctx, "dep-1")
	if err != nil {
		t.Fatalf("failed to get deployment: %v", err)
	}
	if d.State != engine.StateModifyFailed {
		t.Errorf("expected MODIFY_FAILED, got %s", d.State)
	}
	req, err := d.DeployRequest()
	if err != nil {
		t.Fatalf("failed to decode deploy request: %v", err)
	}
	if req.Flavor != "large" {
		t.Errorf("expected flavor of the successful modify, got %q", req.Flavor)
	}
	if req.Name != "kafka" || req.Properties["size"] != "large" || req.Properties["zone"] != "a" {
		t.Errorf("expected merged deploy request, got %+v", req)
	}
}

func TestCompleteOrderConcurrentDuplicates(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	deployTestOrder(t, store, "order-1", "dep-1")

	const callers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := store.CompleteOrder(ctx, &Completion{OrderID: "order-1", Success: i%2 == 0, Source: "callback"})
			if err != nil {
				t.Errorf("completion %d failed: %v", i, err)
				return
			}
			if out.Outcome == engine.OutcomeApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if applied != 1 {
		t.Errorf("expected exactly one applied result, got %d", applied)
	}
	observations, err := store.ListCallbackObservations(ctx, "order-1")
	if err != nil {
		t.Fatalf("failed to list observations: %v", err)
	}
	if len(observations) != callers {
		t.Errorf("expected %d observations, got %d", callers, len(observations))
	}
	d, _ := store.GetDeployment(ctx, "dep-1")
	if d.ActiveOrderID != "" || d.State.IsTransient() {
		t.Errorf("expected idle settled deployment, got %s with slot %q", d.State, d.ActiveOrderID)
	}
}

func TestCompleteOrderUnknown(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.CompleteOrder(context.Background(), &Completion{OrderID: "missing", Success: true})
	if !engine.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListOrdersFilters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	deployTestOrder(t, store, "order-1", "dep-1")
	deployTestOrder(t, store, "order-2", "dep-2")
	if _, err := store.CompleteOrder(ctx, &Completion{OrderID: "order-2", Success: false}); err != nil {
		t.Fatalf("failed to complete order: %v", err)
	}

	tests := []struct {
		name   string
		filter OrderFilter
		want   int
	}{
		{"all", OrderFilter{}, 2},
		{"by deployment", OrderFilter{DeploymentID: "dep-1"}, 1},
		{"by status", OrderFilter{Status: engine.TaskStatusFailed}, 1},
		{"by task type", OrderFilter{TaskType: engine.TaskTypeDestroy}, 0},
		{"by user", OrderFilter{UserID: "user-1"}, 2},
		{"limit", OrderFilter{Limit: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orders, err := store.ListOrders(ctx, tt.filter)
			if err != nil {
				t.Fatalf("failed to list orders: %v", err)
			}
			if len(orders) != tt.want {
				t.Errorf("expected %d orders, got %d", tt.want, len(orders))
			}
		})
	}
}

func TestDeleteOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	deployTestOrder(t, store, "order-1", "dep-1")

	if err := store.DeleteOrder(ctx, "order-1"); !engine.IsConflict(err) {
		t.Fatalf("expected conflict deleting an in-flight order, got %v", err)
	}

	if _, err := store.CompleteOrder(ctx, &Completion{OrderID: "order-1", Success: true}); err != nil {
		t.Fatalf("failed to complete order: %v", err)
	}

	if err := store.DeleteOrder(ctx, "order-1"); err != nil {
		t.Fatalf("failed to delete terminal order: %v", err)
	}

	if err := store.DeleteOrder(ctx, "order-1"); !engine.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}

	// History access has no state machine effect
	d, _ := store.GetDeployment(ctx, "dep-1")
	if d.State != engine.StateDeploySuccess {
		t.Errorf("deleting history changed deployment state to %s", d.State)
	}
}

func TestDeleteOrdersByDeployment(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	deployTestOrder(t, store, "order-1", "dep-1")

	if _, err := store.DeleteOrdersByDeployment(ctx, "dep-1"); !engine.IsConflict(err) {
		t.Fatalf("expected conflict while an order is in flight, got %v", err)
	}

	if _, err := store.CompleteOrder(ctx, &Completion{OrderID: "order-1", Success: true}); err != nil {
		t.Fatalf("failed to complete order: %v", err)
	}

	n, err := store.DeleteOrdersByDeployment(ctx, "dep-1")
	if err != nil {
		t.Fatalf("failed to delete orders: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 deleted order, got %d", n)
	}

	if _, err := store.DeleteOrdersByDeployment(ctx, "missing"); !engine.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestListStaleOrders(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	deployTestOrder(t, store, "order-1", "dep-1")
	deployTestOrder(t, store, "order-2", "dep-2")
	if _, err := store.StartOrderProgress(ctx, "order-1"); err != nil {
		t.Fatalf("failed to start order: %v", err)
	}

	states := []engine.DeploymentState{engine.StateDeploying, engine.StateDestroying, engine.StateModifying}

	stale, err := store.ListStaleOrders(ctx, time.Now().Add(time.Minute), states, 10)
	if err != nil {
		t.Fatalf("failed to list stale orders: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "order-1" {
		t.Fatalf("expected only the started order, got %d orders", len(stale))
	}

	stale, err = store.ListStaleOrders(ctx, time.Now().Add(-time.Minute), states, 10)
	if err != nil {
		t.Fatalf("failed to list stale orders: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("expected no orders older than a minute, got %d", len(stale))
	}
}

func TestSagaAdmissionAndAdvance(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	deployTestOrder(t, store, "order-0", "dep-a")
	if _, err := store.CompleteOrder(ctx, &Completion{OrderID: "order-0", Success: true}); err != nil {
		t.Fatalf("failed to complete deploy: %v", err)
	}

	parent := newOrder("parent-1", "dep-a", engine.TaskTypeMigrate)
	parent.Handler = engine.HandlerSaga
	parent.Status = engine.TaskStatusInProgress
	parent.SagaID = "saga-1"
	parent.OriginalDeploymentID = "dep-a"
	parent.NewDeploymentID = "dep-b"

	saga := &engine.SagaInstance{
		ID:                   "saga-1",
		ParentOrderID:        "parent-1",
		Kind:                 engine.TaskTypeMigrate,
		Status:               engine.SagaStatusRunning,
		UserID:               "user-1",
		OriginalDeploymentID: "dep-a",
		NewDeploymentID:      "dep-b",
		PriorState:           engine.StateDeploySuccess,
		MaxRetries:           3,
	}
	steps := []*engine.SagaStep{
		{ID: "step-1", SagaID: "saga-1", Seq: 0, Kind: engine.StepKindDeploy, DeploymentID: "dep-b", Status: engine.StepStatusPending},
		{ID: "step-2", SagaID: "saga-1", Seq: 1, Kind: engine.StepKindDestroy, DeploymentID: "dep-a", Status: engine.StepStatusPending},
	}

	if _, err := store.AdmitOrder(ctx, &Admission{
		Order:     parent,
		Guard:     slotGuard,
		NextState: engine.StateMigrating,
		Slot:      "parent-1",
		Saga:      saga,
		Steps:     steps,
	}); err != nil {
		t.Fatalf("failed to admit saga parent: %v", err)
	}

	// A child deploy creates the new deployment under the parent's slot
	child := newOrder("child-1", "dep-b", engine.TaskTypeDeploy)
	child.ParentOrderID = "parent-1"
	var seenChildren = -1
	b, err := store.AdmitOrder(ctx, &Admission{
		Order:         child,
		NewDeployment: newDeployment(),
		Guard: func(d *engine.Deployment, activeChildren int) error {
			seenChildren = activeChildren
			return nil
		},
		NextState:  engine.StateDeploying,
		Slot:       "parent-1",
		BindStepID: "step-1",
	})
	if err != nil {
		t.Fatalf("failed to admit child: %v", err)
	}
	if seenChildren != 0 {
		t.Errorf("expected no active children, got %d", seenChildren)
	}
	if b.ActiveOrderID != "parent-1" {
		t.Errorf("expected new deployment held by the parent, got %q", b.ActiveOrderID)
	}

	step, err := store.GetStepByChildOrder(ctx, "child-1")
	if err != nil {
		t.Fatalf("failed to get step: %v", err)
	}
	if step.Status != engine.StepStatusRunning || step.Attempts != 1 {
		t.Errorf("unexpected step: %+v", step)
	}

	// Binding the same running step again is rejected
	again := newOrder("child-2", "dep-b", engine.TaskTypeDeploy)
	again.ParentOrderID = "parent-1"
	if _, err := store.AdmitOrder(ctx, &Admission{Order: again, BindStepID: "step-1"}); !engine.IsConflict(err) {
		t.Errorf("expected conflict binding a running step, got %v", err)
	}

	// Completing the child keeps the parent's slot
	out, err := store.CompleteOrder(ctx, &Completion{OrderID: "child-1", Success: true})
	if err != nil {
		t.Fatalf("failed to complete child: %v", err)
	}
	if out.Deployment.ActiveOrderID != "parent-1" {
		t.Errorf("child completion released the parent's slot")
	}

	// Results never complete a saga parent
	if _, err := store.CompleteOrder(ctx, &Completion{OrderID: "parent-1", Success: false}); !engine.IsNotFound(err) {
		t.Errorf("expected not found completing a saga parent, got %v", err)
	}
	if p, _ := store.GetOrder(ctx, "parent-1"); p.Status != engine.TaskStatusInProgress {
		t.Errorf("expected parent to stay IN_PROGRESS, got %s", p.Status)
	}

	// The child is kept until its step is consumed
	if err := store.DeleteOrder(ctx, "child-1"); !engine.IsConflict(err) {
		t.Errorf("expected conflict deleting an unconsumed child, got %v", err)
	}

	stored, err := store.GetSaga(ctx, "saga-1")
	if err != nil {
		t.Fatalf("failed to get saga: %v", err)
	}

	step.Status = engine.StepStatusSucceeded
	stored.CurrentStep = 1
	if err := store.AdvanceSaga(ctx, &SagaChange{
		Saga:             stored,
		Step:             step,
		ExpectStepStatus: engine.StepStatusRunning,
	}); err != nil {
		t.Fatalf("failed to advance saga: %v", err)
	}

	if err := store.DeleteOrder(ctx, "child-1"); err != nil {
		t.Errorf("failed to delete consumed child: %v", err)
	}

	// Replaying the same decision with the old version is rejected
	stale := *stored
	stale.Version--
	if err := store.AdvanceSaga(ctx, &SagaChange{Saga: &stale}); !errors.Is(err, ErrStaleVersion) {
		t.Errorf("expected stale version, got %v", err)
	}

	stored.Status = engine.SagaStatusCompleted
	if err := store.AdvanceSaga(ctx, &SagaChange{
		Saga:    stored,
		Parent:  &ParentUpdate{Status: engine.TaskStatusSuccessful, DeployRetryNum: 1},
		Release: []string{"dep-a", "dep-b"},
	}); err != nil {
		t.Fatalf("failed to finish saga: %v", err)
	}

	p, _ := store.GetOrder(ctx, "parent-1")
	if p.Status != engine.TaskStatusSuccessful || p.DeployRetryNum != 1 || p.CompletedAt == nil {
		t.Errorf("unexpected parent: %+v", p)
	}
	for _, id := range []string{"dep-a", "dep-b"} {
		d, _ := store.GetDeployment(ctx, id)
		if d.ActiveOrderID != "" {
			t.Errorf("deployment %s still held by %s", id, d.ActiveOrderID)
		}
	}

	sagas, err := store.ListSagas(ctx, SagaFilter{Status: engine.SagaStatusCompleted})
	if err != nil {
		t.Fatalf("failed to list sagas: %v", err)
	}
	if len(sagas) != 1 {
		t.Errorf("expected 1 completed saga, got %d", len(sagas))
	}
}

func TestAdvanceSagaRestoresCompositeState(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	deployTestOrder(t, store, "order-0", "dep-a")
	if _, err := store.CompleteOrder(ctx, &Completion{OrderID: "order-0", Success: true}); err != nil {
		t.Fatalf("failed to complete deploy: %v", err)
	}

	parent := newOrder("parent-1", "dep-a", engine.TaskTypeRecreate)
	parent.Handler = engine.HandlerSaga
	saga := &engine.SagaInstance{
		ID: "saga-1", ParentOrderID: "parent-1", Kind: engine.TaskTypeRecreate,
		Status: engine.SagaStatusRunning, UserID: "user-1",
		OriginalDeploymentID: "dep-a", NewDeploymentID: "dep-a",
		PriorState: engine.StateDeploySuccess, MaxRetries: 1,
	}
	if _, err := store.AdmitOrder(ctx, &Admission{
		Order: parent, NextState: engine.StateRecreating, Slot: "parent-1", Saga: saga,
	}); err != nil {
		t.Fatalf("failed to admit saga: %v", err)
	}

	saga.Status = engine.SagaStatusClosed
	if err := store.AdvanceSaga(ctx, &SagaChange{
		Saga:    saga,
		Release: []string{"dep-a"},
		Restore: map[string]engine.DeploymentState{"dep-a": engine.StateDeploySuccess},
	}); err != nil {
		t.Fatalf("failed to close saga: %v", err)
	}

	d, _ := store.GetDeployment(ctx, "dep-a")
	if d.State != engine.StateDeploySuccess || d.ActiveOrderID != "" {
		t.Errorf("expected restored idle deployment, got %+v", d)
	}
}

// TestAuditOperations tests audit log operations
func TestAuditOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	target := "saga-1"
	entries := []*AuditEntry{
		{Action: "saga.retry", Actor: "admin", TargetID: &target},
		{Action: "saga.close", Actor: "operator", TargetID: &target},
		{Action: "saga.retry", Actor: "operator", TargetID: &target},
	}
	for _, entry := range entries {
		if err := store.CreateAuditEntry(ctx, entry); err != nil {
			t.Fatalf("failed to create audit entry: %v", err)
		}
		if entry.ID == 0 {
			t.Error("expected audit entry ID to be set")
		}
	}

	action := "saga.retry"
	filtered, err := store.ListAuditEntries(ctx, &action, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list filtered audit entries: %v", err)
	}
	if len(filtered) != 2 {
		t.Errorf("expected 2 saga.retry entries, got %d", len(filtered))
	}

	actor := "admin"
	actorFiltered, err := store.ListAuditEntries(ctx, nil, &actor, 10, 0)
	if err != nil {
		t.Fatalf("failed to list actor filtered audit entries: %v", err)
	}
	if len(actorFiltered) != 1 {
		t.Errorf("expected 1 admin entry, got %d", len(actorFiltered))
	}
}
