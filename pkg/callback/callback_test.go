package callback

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/orderbroker/pkg/dispatcher"
	"github.com/openfroyo/orderbroker/pkg/engine"
	"github.com/openfroyo/orderbroker/pkg/stores"
)

// fakePlugin serves results from an in-memory executor store.
type fakePlugin struct {
	mu      sync.Mutex
	results map[string]*engine.CallbackResult
}

func (p *fakePlugin) Csp() engine.Csp { return engine.CspHuawei }

func (p *fakePlugin) Submit(context.Context, *engine.DeployTask) error { return nil }

func (p *fakePlugin) FetchResult(_ context.Context, orderID string) (*engine.CallbackResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.results[orderID]
	if !ok {
		return nil, engine.NewNotFoundError("result", orderID)
	}
	return res, nil
}

func (p *fakePlugin) store(res *engine.CallbackResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[res.OrderID] = res
}

type fakeTemplates struct{}

func (fakeTemplates) Validate(_ context.Context, name, version string, csp engine.Csp, _ string) (*engine.TemplateMetadata, error) {
	return &engine.TemplateMetadata{ID: "tpl-" + name, Name: name, Version: version, Csp: csp, Available: true}, nil
}

type harness struct {
	ctx        context.Context
	store      *stores.SQLiteStore
	plugin     *fakePlugin
	correlator *Correlator
	orders     *dispatcher.Dispatcher
}

func setupCorrelator(t *testing.T) *harness {
	t.Helper()

	ctx := engine.WithUser(context.Background(), "alice", false)
	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(t.TempDir(), "broker.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	plugin := &fakePlugin{results: make(map[string]*engine.CallbackResult)}
	registry, err := dispatcher.NewRegistry(plugin)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	correlator := NewCorrelator(store, registry, nil)
	orders, err := dispatcher.New(dispatcher.Deps{
		Store:     store,
		Plugins:   registry,
		Templates: fakeTemplates{},
		Identity:  engine.ContextIdentity{},
		Results:   correlator,
	}, dispatcher.Config{})
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}
	return &harness{ctx: ctx, store: store, plugin: plugin, correlator: correlator, orders: orders}
}

func (h *harness) create(t *testing.T, taskType engine.TaskType, payload string) *engine.OrderRef {
	t.Helper()
	ref, err := h.orders.CreateOrder(h.ctx, &engine.OrderRequest{Type: taskType, Payload: json.RawMessage(payload)})
	if err != nil {
		t.Fatalf("failed to create %s order: %v", taskType, err)
	}
	return ref
}

func (h *harness) deploy(t *testing.T) *engine.OrderRef {
	t.Helper()
	return h.create(t, engine.TaskTypeDeploy, `{"csp":"HUAWEI","name":"kafka","version":"1.0.0"}`)
}

func (h *harness) deployment(t *testing.T, id string) *engine.Deployment {
	t.Helper()
	dep, err := h.store.GetDeployment(h.ctx, id)
	if err != nil {
		t.Fatalf("failed to get deployment: %v", err)
	}
	return dep
}

func TestApplySuccess(t *testing.T) {
	h := setupCorrelator(t)
	ref := h.deploy(t)

	out, err := h.correlator.ReportResult(h.ctx, &engine.CallbackResult{
		OrderID: ref.OrderID,
		Success: true,
		Outputs: map[string]string{"endpoint": "kafka.internal:9092"},
		Resources: []engine.DeployedResource{
			{ID: "ecs-1", Name: "broker-0", Kind: "ecs"},
		},
	})
	if err != nil {
		t.Fatalf("ReportResult failed: %v", err)
	}
	if out.Outcome != engine.OutcomeApplied {
		t.Fatalf("outcome = %s, want applied", out.Outcome)
	}
	if out.PreviousState != engine.StateDeploying {
		t.Errorf("previous state = %s", out.PreviousState)
	}

	order := out.Order
	if order.Status != engine.TaskStatusSuccessful || order.Result == nil || order.Result.Outputs["endpoint"] == "" {
		t.Errorf("unexpected order: status=%s result=%+v", order.Status, order.Result)
	}

	dep := h.deployment(t, ref.DeploymentID)
	if dep.State != engine.StateDeploySuccess || dep.ActiveOrderID != "" {
		t.Errorf("deployment state=%s active=%q", dep.State, dep.ActiveOrderID)
	}
	if dep.Snapshot.Outputs["endpoint"] != "kafka.internal:9092" || len(dep.Snapshot.Resources) != 1 {
		t.Errorf("snapshot not stored: %+v", dep.Snapshot)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	h := setupCorrelator(t)
	ref := h.deploy(t)

	res := &engine.CallbackResult{OrderID: ref.OrderID, Success: true}
	if _, err := h.correlator.ReportResult(h.ctx, res); err != nil {
		t.Fatalf("first result failed: %v", err)
	}

	// A late contradicting result must not flip the outcome.
	out, err := h.correlator.ReportResult(h.ctx, &engine.CallbackResult{OrderID: ref.OrderID, Success: false})
	if err != nil {
		t.Fatalf("second result failed: %v", err)
	}
	if out.Outcome != engine.OutcomeNoop {
		t.Errorf("outcome = %s, want noop", out.Outcome)
	}
	if out.Order.Status != engine.TaskStatusSuccessful {
		t.Errorf("stored status changed to %s", out.Order.Status)
	}
	if dep := h.deployment(t, ref.DeploymentID); dep.State != engine.StateDeploySuccess {
		t.Errorf("deployment state changed to %s", dep.State)
	}

	observations, err := h.store.ListCallbackObservations(h.ctx, ref.OrderID)
	if err != nil {
		t.Fatalf("ListCallbackObservations failed: %v", err)
	}
	if len(observations) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(observations))
	}
	if observations[0].Outcome != engine.OutcomeApplied || observations[1].Outcome != engine.OutcomeNoop {
		t.Errorf("observation outcomes = %s, %s", observations[0].Outcome, observations[1].Outcome)
	}
	if observations[0].Source != SourceCallback {
		t.Errorf("source = %s", observations[0].Source)
	}
}

func TestConcurrentDuplicateResults(t *testing.T) {
	h := setupCorrelator(t)
	ref := h.deploy(t)

	const callers = 16
	outcomes := make([]engine.ApplyOutcome, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := &engine.CallbackResult{OrderID: ref.OrderID, Success: i%2 == 0}
			out, err := h.correlator.ReportResult(h.ctx, res)
			if err != nil {
				t.Errorf("result %d failed: %v", i, err)
				return
			}
			outcomes[i] = out.Outcome
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, o := range outcomes {
		if o == engine.OutcomeApplied {
			applied++
		}
	}
	if applied != 1 {
		t.Fatalf("expected exactly one applied result, got %d", applied)
	}

	dep := h.deployment(t, ref.DeploymentID)
	if dep.ActiveOrderID != "" {
		t.Errorf("slot still held by %s", dep.ActiveOrderID)
	}
	if dep.State != engine.StateDeploySuccess && dep.State != engine.StateDeployFailed {
		t.Errorf("unexpected deployment state %s", dep.State)
	}
	observations, err := h.store.ListCallbackObservations(h.ctx, ref.OrderID)
	if err != nil {
		t.Fatalf("ListCallbackObservations failed: %v", err)
	}
	if len(observations) != callers {
		t.Errorf("expected %d observations, got %d", callers, len(observations))
	}
}

func TestApplyFailure(t *testing.T) {
	h := setupCorrelator(t)
	ref := h.deploy(t)

	out, err := h.correlator.Apply(h.ctx, &engine.CallbackResult{OrderID: ref.OrderID}, SourceCallback)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if out.Order.Status != engine.TaskStatusFailed {
		t.Errorf("status = %s", out.Order.Status)
	}
	if out.Order.ErrorMessage != "deployer reported failure" {
		t.Errorf("error message = %q", out.Order.ErrorMessage)
	}
	if dep := h.deployment(t, ref.DeploymentID); dep.State != engine.StateDeployFailed {
		t.Errorf("deployment state = %s", dep.State)
	}
}

func TestApplyRejects(t *testing.T) {
	h := setupCorrelator(t)

	if _, err := h.correlator.Apply(h.ctx, nil, SourceCallback); !engine.IsValidation(err) {
		t.Errorf("nil result: expected validation error, got %v", err)
	}
	if _, err := h.correlator.Apply(h.ctx, &engine.CallbackResult{Success: true}, SourceCallback); !engine.IsValidation(err) {
		t.Errorf("missing order id: expected validation error, got %v", err)
	}
	if _, err := h.correlator.Apply(h.ctx, &engine.CallbackResult{OrderID: "nope", Success: true}, SourceCallback); !engine.IsNotFound(err) {
		t.Errorf("unknown order: expected not found, got %v", err)
	}
}

func TestDestroyClearsSnapshot(t *testing.T) {
	h := setupCorrelator(t)
	ref := h.deploy(t)
	if _, err := h.correlator.ReportResult(h.ctx, &engine.CallbackResult{
		OrderID: ref.OrderID,
		Success: true,
		Outputs: map[string]string{"endpoint": "kafka.internal:9092"},
	}); err != nil {
		t.Fatalf("deploy result failed: %v", err)
	}

	destroy := h.create(t, engine.TaskTypeDestroy, `{"deploymentId":"`+ref.DeploymentID+`"}`)
	if _, err := h.correlator.ReportResult(h.ctx, &engine.CallbackResult{OrderID: destroy.OrderID, Success: true}); err != nil {
		t.Fatalf("destroy result failed: %v", err)
	}

	dep := h.deployment(t, ref.DeploymentID)
	if dep.State != engine.StateDestroySuccess {
		t.Errorf("state = %s", dep.State)
	}
	if !dep.Snapshot.IsEmpty() {
		t.Errorf("snapshot should be cleared, got %+v", dep.Snapshot)
	}
}

func TestFetchStoredResult(t *testing.T) {
	h := setupCorrelator(t)
	ref := h.deploy(t)

	if _, err := h.correlator.FetchStoredResult(h.ctx, ref.OrderID); !engine.IsNotFound(err) {
		t.Fatalf("expected not found before the executor stored a result, got %v", err)
	}

	h.plugin.store(&engine.CallbackResult{OrderID: ref.OrderID, Success: true})
	out, err := h.correlator.FetchStoredResult(h.ctx, ref.OrderID)
	if err != nil {
		t.Fatalf("FetchStoredResult failed: %v", err)
	}
	if out.Outcome != engine.OutcomeApplied {
		t.Errorf("outcome = %s", out.Outcome)
	}

	observations, err := h.store.ListCallbackObservations(h.ctx, ref.OrderID)
	if err != nil || len(observations) != 1 || observations[0].Source != SourceRefetch {
		t.Errorf("expected one refetch observation, got %+v (%v)", observations, err)
	}

	out, err = h.correlator.FetchStoredResult(h.ctx, ref.OrderID)
	if err != nil || out.Outcome != engine.OutcomeNoop {
		t.Errorf("terminal order should be a no-op, got %+v (%v)", out, err)
	}
}

func TestFetchStoredResultMismatch(t *testing.T) {
	h := setupCorrelator(t)
	ref := h.deploy(t)

	h.plugin.mu.Lock()
	h.plugin.results[ref.OrderID] = &engine.CallbackResult{OrderID: "someone-else", Success: true}
	h.plugin.mu.Unlock()

	if _, err := h.correlator.FetchStoredResult(h.ctx, ref.OrderID); !engine.IsValidation(err) {
		t.Errorf("expected validation error for mismatched result, got %v", err)
	}
}

func TestReconcileBatch(t *testing.T) {
	h := setupCorrelator(t)
	done := h.deploy(t)
	pending := h.deploy(t)
	h.plugin.store(&engine.CallbackResult{OrderID: done.OrderID, Success: true})

	r := NewReconciler(h.correlator, ReconcilerConfig{Concurrency: 2})
	report, err := r.ReconcileBatch(h.ctx, []string{done.OrderID, pending.OrderID, "missing"})
	if err != nil {
		t.Fatalf("ReconcileBatch failed: %v", err)
	}

	want := Report{Checked: 3, Applied: 1, Pending: 2}
	if report != want {
		t.Errorf("report = %+v, want %+v", report, want)
	}
	if dep := h.deployment(t, done.DeploymentID); dep.State != engine.StateDeploySuccess {
		t.Errorf("reconciled deployment state = %s", dep.State)
	}
	if dep := h.deployment(t, pending.DeploymentID); dep.State != engine.StateDeploying {
		t.Errorf("pending deployment state = %s", dep.State)
	}
}

func TestReconcileOnce(t *testing.T) {
	h := setupCorrelator(t)
	ref := h.deploy(t)
	h.plugin.store(&engine.CallbackResult{OrderID: ref.OrderID, Success: false, ErrorMessage: "quota exceeded"})

	r := NewReconciler(h.correlator, ReconcilerConfig{MaxProcessingDuration: time.Millisecond})
	time.Sleep(20 * time.Millisecond)

	report, err := r.ReconcileOnce(h.ctx)
	if err != nil {
		t.Fatalf("ReconcileOnce failed: %v", err)
	}
	if report.Checked != 1 || report.Applied != 1 {
		t.Errorf("report = %+v", report)
	}

	order, err := h.store.GetOrder(h.ctx, ref.OrderID)
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if order.Status != engine.TaskStatusFailed || order.ErrorMessage != "quota exceeded" {
		t.Errorf("order status=%s error=%q", order.Status, order.ErrorMessage)
	}

	// Nothing is stale any more.
	report, err = r.ReconcileOnce(h.ctx)
	if err != nil || report.Checked != 0 {
		t.Errorf("second pass report = %+v (%v)", report, err)
	}
}

func TestReconcilerRunStopsOnCancel(t *testing.T) {
	h := setupCorrelator(t)
	r := NewReconciler(h.correlator, ReconcilerConfig{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(h.ctx, 30*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
