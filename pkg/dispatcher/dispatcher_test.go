package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/openfroyo/orderbroker/pkg/callback"
	"github.com/openfroyo/orderbroker/pkg/engine"
	"github.com/openfroyo/orderbroker/pkg/stores"
	"github.com/openfroyo/orderbroker/pkg/telemetry"
	"github.com/openfroyo/orderbroker/pkg/templates"
)

type fakePlugin struct {
	csp        engine.Csp
	mu         sync.Mutex
	tasks      []*engine.DeployTask
	failSubmit error
}

func (p *fakePlugin) Csp() engine.Csp { return p.csp }

func (p *fakePlugin) Submit(_ context.Context, task *engine.DeployTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, task)
	return p.failSubmit
}

func (p *fakePlugin) FetchResult(_ context.Context, orderID string) (*engine.CallbackResult, error) {
	return nil, engine.NewNotFoundError("result", orderID)
}

func (p *fakePlugin) submitted() []*engine.DeployTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*engine.DeployTask(nil), p.tasks...)
}

type denyPolicy struct{ op engine.TaskType }

func (d denyPolicy) Admit(_ context.Context, in *engine.AdmissionInput) error {
	if in.Operation == d.op {
		return engine.NewValidationError(engine.ErrCodePolicyDenied, "denied by policy")
	}
	return nil
}

type harness struct {
	store   *stores.SQLiteStore
	plugin  *fakePlugin
	results *callback.Correlator
	d       *Dispatcher
}

func setupDispatcher(t *testing.T, policy engine.AdmissionPolicy) *harness {
	t.Helper()
	return setupDispatcherWithTelemetry(t, policy, nil)
}

func setupDispatcherWithTelemetry(t *testing.T, policy engine.AdmissionPolicy, tel *telemetry.Telemetry) *harness {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(t.TempDir(), "broker.db")})
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

	catalog := templates.NewStaticRegistry(
		templates.CatalogEntry{Name: "kafka", Version: "1.0.0", Csp: engine.CspHuawei},
		templates.CatalogEntry{Name: "kafka", Version: "0.9.0", Csp: engine.CspHuawei, Unavailable: true},
		templates.CatalogEntry{Name: "postgres", Version: "15", Csp: engine.CspHuawei,
			BillingModes: []string{"Fixed"}, Eula: "vendor terms"},
		templates.CatalogEntry{Name: "kafka", Version: "1.0.0", Csp: engine.CspAws},
	)

	plugin := &fakePlugin{csp: engine.CspHuawei}
	registry, err := NewRegistry(plugin)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	results := callback.NewCorrelator(store, registry, nil)

	d, err := New(Deps{
		Store:     store,
		Plugins:   registry,
		Templates: catalog,
		Identity:  engine.ContextIdentity{},
		Results:   results,
		Policy:    policy,
		Telemetry: tel,
	}, Config{})
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}
	return &harness{store: store, plugin: plugin, results: results, d: d}
}

func userCtx(user string) context.Context {
	return engine.WithUser(context.Background(), user, false)
}

func request(t engine.TaskType, payload string) *engine.OrderRequest {
	return &engine.OrderRequest{Type: t, Payload: json.RawMessage(payload)}
}

// deploy creates a deployment owned by user and completes its deploy.
func (h *harness) deploy(t *testing.T, user string) string {
	t.Helper()
	ref, err := h.d.CreateOrder(userCtx(user), request(engine.TaskTypeDeploy,
		`{"csp":"HUAWEI","name":"kafka","version":"1.0.0"}`))
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if _, err := h.results.Apply(context.Background(), &engine.CallbackResult{OrderID: ref.OrderID, Success: true}, "test"); err != nil {
		t.Fatalf("failed to complete deploy: %v", err)
	}
	return ref.DeploymentID
}

func TestNewRequiresDeps(t *testing.T) {
	if _, err := New(Deps{}, Config{}); err == nil {
		t.Fatal("expected error for missing store")
	}
}

func TestRegistry(t *testing.T) {
	huawei := &fakePlugin{csp: engine.CspHuawei}
	aws := &fakePlugin{csp: engine.CspAws}

	if _, err := NewRegistry(huawei, &fakePlugin{csp: engine.CspHuawei}); err == nil {
		t.Error("expected error for duplicate csp")
	}
	if _, err := NewRegistry(&fakePlugin{}); err == nil {
		t.Error("expected error for plugin without csp")
	}

	r, err := NewRegistry(huawei, aws)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	if got := r.Csps(); len(got) != 2 || got[0] != engine.CspAws || got[1] != engine.CspHuawei {
		t.Errorf("Csps() = %v, want sorted [AWS HUAWEI]", got)
	}
	if err := r.Require(engine.CspHuawei, engine.CspAzure); err == nil {
		t.Error("expected error naming AZURE")
	}

	_, err = r.Get(engine.CspGcp)
	if !engine.IsValidation(err) || engine.CodeOf(err) != engine.ErrCodePluginNotFound {
		t.Errorf("expected PLUGIN_NOT_FOUND validation error, got %v", err)
	}
}

func TestCreateOrderDeploy(t *testing.T) {
	h := setupDispatcher(t, nil)
	ctx := userCtx("alice")

	ref, err := h.d.CreateOrder(ctx, request(engine.TaskTypeDeploy,
		`{"csp":"HUAWEI","name":"kafka","version":"1.0.0","properties":{"partitions":"3"}}`))
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if ref.OrderID == "" || ref.DeploymentID == "" {
		t.Fatalf("incomplete reference: %+v", ref)
	}

	tasks := h.plugin.submitted()
	if len(tasks) != 1 {
		t.Fatalf("expected 1 submitted task, got %d", len(tasks))
	}
	task := tasks[0]
	if task.OrderID != ref.OrderID || task.TaskType != engine.TaskTypeDeploy || task.UserID != "alice" {
		t.Errorf("unexpected task: %+v", task)
	}
	if task.Template.TemplateID != "HUAWEI-kafka-1.0.0" {
		t.Errorf("template id = %q", task.Template.TemplateID)
	}
	if task.Snapshot != nil {
		t.Error("deploy tasks carry no snapshot")
	}

	order, err := h.d.GetOrder(ctx, ref.OrderID)
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if order.Status != engine.TaskStatusInProgress || order.Handler != engine.HandlerDirect {
		t.Errorf("order status=%s handler=%s", order.Status, order.Handler)
	}

	dep, err := h.d.GetDeployment(ctx, ref.DeploymentID)
	if err != nil {
		t.Fatalf("GetDeployment failed: %v", err)
	}
	if dep.State != engine.StateDeploying || dep.ActiveOrderID != ref.OrderID {
		t.Errorf("deployment state=%s active=%s", dep.State, dep.ActiveOrderID)
	}
}

func TestCreateOrderRejectsSagaTypes(t *testing.T) {
	h := setupDispatcher(t, nil)
	for _, tt := range []engine.TaskType{engine.TaskTypeRecreate, engine.TaskTypeMigrate, engine.TaskTypePort} {
		_, err := h.d.CreateOrder(userCtx("alice"), request(tt, `{"deploymentId":"d1"}`))
		if !engine.IsValidation(err) {
			t.Errorf("%s: expected validation error, got %v", tt, err)
		}
	}
	if len(h.plugin.submitted()) != 0 {
		t.Error("nothing should be submitted")
	}
}

func TestPrepareRejections(t *testing.T) {
	h := setupDispatcher(t, denyPolicy{op: engine.TaskTypeAction})
	existing := h.deploy(t, "alice")

	tests := []struct {
		name  string
		ctx   context.Context
		req   *engine.OrderRequest
		class func(error) bool
		code  string
	}{
		{
			name:  "nil request",
			ctx:   userCtx("alice"),
			req:   nil,
			class: engine.IsValidation,
		},
		{
			name:  "missing required field",
			ctx:   userCtx("alice"),
			req:   request(engine.TaskTypeDeploy, `{"csp":"HUAWEI","name":"kafka"}`),
			class: engine.IsValidation,
			code:  engine.ErrCodeValidation,
		},
		{
			name:  "unknown template",
			ctx:   userCtx("alice"),
			req:   request(engine.TaskTypeDeploy, `{"csp":"HUAWEI","name":"redis","version":"7"}`),
			class: engine.IsValidation,
			code:  engine.ErrCodeTemplateNotFound,
		},
		{
			name:  "unavailable template",
			ctx:   userCtx("alice"),
			req:   request(engine.TaskTypeDeploy, `{"csp":"HUAWEI","name":"kafka","version":"0.9.0"}`),
			class: engine.IsValidation,
			code:  engine.ErrCodeTemplateUnavailable,
		},
		{
			name:  "unsupported billing mode",
			ctx:   userCtx("alice"),
			req:   request(engine.TaskTypeDeploy, `{"csp":"HUAWEI","name":"postgres","version":"15","billingMode":"PayPerUse","eulaAccepted":true}`),
			class: engine.IsValidation,
			code:  engine.ErrCodeBillingModeUnsupported,
		},
		{
			name:  "eula not accepted",
			ctx:   userCtx("alice"),
			req:   request(engine.TaskTypeDeploy, `{"csp":"HUAWEI","name":"postgres","version":"15","billingMode":"Fixed"}`),
			class: engine.IsValidation,
			code:  engine.ErrCodeEulaNotAccepted,
		},
		{
			name:  "no plugin for csp",
			ctx:   userCtx("alice"),
			req:   request(engine.TaskTypeDeploy, `{"csp":"AWS","name":"kafka","version":"1.0.0"}`),
			class: engine.IsValidation,
			code:  engine.ErrCodePluginNotFound,
		},
		{
			name:  "unknown deployment",
			ctx:   userCtx("alice"),
			req:   request(engine.TaskTypeModify, `{"deploymentId":"missing","flavor":"large"}`),
			class: engine.IsNotFound,
		},
		{
			name:  "not the owner",
			ctx:   userCtx("mallory"),
			req:   request(engine.TaskTypeModify, `{"deploymentId":"`+existing+`","flavor":"large"}`),
			class: engine.IsAuthorization,
			code:  engine.ErrCodePermissionDenied,
		},
		{
			name:  "denied by policy",
			ctx:   userCtx("alice"),
			req:   request(engine.TaskTypeAction, `{"deploymentId":"`+existing+`","actionName":"restart"}`),
			class: engine.IsValidation,
			code:  engine.ErrCodePolicyDenied,
		},
		{
			name:  "anonymous caller",
			ctx:   context.Background(),
			req:   request(engine.TaskTypeDeploy, `{"csp":"HUAWEI","name":"kafka","version":"1.0.0"}`),
			class: engine.IsAuthorization,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.d.CreateOrder(tt.ctx, tt.req)
			if err == nil {
				t.Fatal("expected rejection")
			}
			if !tt.class(err) {
				t.Errorf("unexpected error class: %v", err)
			}
			if tt.code != "" && engine.CodeOf(err) != tt.code {
				t.Errorf("code = %s, want %s", engine.CodeOf(err), tt.code)
			}
		})
	}

	// Only the initial deploy reached the plugin.
	if n := len(h.plugin.submitted()); n != 1 {
		t.Errorf("expected 1 submission, got %d", n)
	}
}

func TestAdminActsOnAnyDeployment(t *testing.T) {
	h := setupDispatcher(t, nil)
	dep := h.deploy(t, "alice")

	admin := engine.WithUser(context.Background(), "ops", true)
	ref, err := h.d.CreateOrder(admin, request(engine.TaskTypeModify, `{"deploymentId":"`+dep+`","flavor":"large"}`))
	if err != nil {
		t.Fatalf("admin modify failed: %v", err)
	}
	if ref.DeploymentID != dep {
		t.Errorf("modify should target %s, got %s", dep, ref.DeploymentID)
	}

	tasks := h.plugin.submitted()
	last := tasks[len(tasks)-1]
	if last.TaskType != engine.TaskTypeModify || last.UserID != "ops" {
		t.Errorf("unexpected modify task: %+v", last)
	}
}

func TestSecondOrderConflicts(t *testing.T) {
	h := setupDispatcher(t, nil)
	ctx := userCtx("alice")

	ref, err := h.d.CreateOrder(ctx, request(engine.TaskTypeDeploy, `{"csp":"HUAWEI","name":"kafka","version":"1.0.0"}`))
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	_, err = h.d.CreateOrder(ctx, request(engine.TaskTypeDestroy, `{"deploymentId":"`+ref.DeploymentID+`"}`))
	if !errors.Is(err, engine.ErrOrderAlreadyInProgress) {
		t.Fatalf("expected ORDER_ALREADY_IN_PROGRESS, got %v", err)
	}
}

func TestSubmissionFailureCompletesOrder(t *testing.T) {
	h := setupDispatcher(t, nil)
	h.plugin.failSubmit = errors.New("executor unreachable")
	ctx := userCtx("alice")

	ref, err := h.d.CreateOrder(ctx, request(engine.TaskTypeDeploy, `{"csp":"HUAWEI","name":"kafka","version":"1.0.0"}`))
	if err != nil {
		t.Fatalf("submission failures must not surface from CreateOrder: %v", err)
	}

	order, err := h.d.GetOrder(ctx, ref.OrderID)
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if order.Status != engine.TaskStatusFailed || order.ErrorMessage == "" {
		t.Errorf("order status=%s error=%q", order.Status, order.ErrorMessage)
	}

	dep, err := h.d.GetDeployment(ctx, ref.DeploymentID)
	if err != nil {
		t.Fatalf("GetDeployment failed: %v", err)
	}
	if dep.State != engine.StateDeployFailed || dep.ActiveOrderID != "" {
		t.Errorf("deployment state=%s active=%q", dep.State, dep.ActiveOrderID)
	}
}

func TestLockChangeCompletesInline(t *testing.T) {
	h := setupDispatcher(t, nil)
	dep := h.deploy(t, "alice")
	ctx := userCtx("alice")
	before := len(h.plugin.submitted())

	ref, err := h.d.CreateOrder(ctx, request(engine.TaskTypeLockChange,
		`{"deploymentId":"`+dep+`","lockConfig":{"destroyLocked":true}}`))
	if err != nil {
		t.Fatalf("lock change failed: %v", err)
	}
	if len(h.plugin.submitted()) != before {
		t.Error("lock changes are not submitted to a plugin")
	}

	order, err := h.d.GetOrder(ctx, ref.OrderID)
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if order.Status != engine.TaskStatusSuccessful || order.Handler != engine.HandlerInline {
		t.Errorf("order status=%s handler=%s", order.Status, order.Handler)
	}

	d, err := h.d.GetDeployment(ctx, dep)
	if err != nil {
		t.Fatalf("GetDeployment failed: %v", err)
	}
	if !d.Lock.DestroyLocked || d.State != engine.StateDeploySuccess {
		t.Errorf("lock=%+v state=%s", d.Lock, d.State)
	}

	_, err = h.d.CreateOrder(ctx, request(engine.TaskTypeDestroy, `{"deploymentId":"`+dep+`"}`))
	if !errors.Is(err, engine.ErrServiceLocked) {
		t.Errorf("expected SERVICE_LOCKED, got %v", err)
	}
}

func TestModifyCarriesSnapshot(t *testing.T) {
	h := setupDispatcher(t, nil)
	ctx := userCtx("alice")

	ref, err := h.d.CreateOrder(ctx, request(engine.TaskTypeDeploy, `{"csp":"HUAWEI","name":"kafka","version":"1.0.0"}`))
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if _, err := h.results.Apply(context.Background(), &engine.CallbackResult{
		OrderID: ref.OrderID,
		Success: true,
		Outputs: map[string]string{"endpoint": "kafka.internal:9092"},
	}, "test"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if _, err := h.d.CreateOrder(ctx, request(engine.TaskTypeModify,
		`{"deploymentId":"`+ref.DeploymentID+`","flavor":"large"}`)); err != nil {
		t.Fatalf("modify failed: %v", err)
	}

	tasks := h.plugin.submitted()
	last := tasks[len(tasks)-1]
	if last.Snapshot == nil || last.Snapshot.Outputs["endpoint"] != "kafka.internal:9092" {
		t.Errorf("modify task should carry the deploy snapshot, got %+v", last.Snapshot)
	}
}

func TestOrderHistory(t *testing.T) {
	h := setupDispatcher(t, nil)
	aliceDep := h.deploy(t, "alice")
	h.deploy(t, "bob")

	alice := userCtx("alice")
	orders, err := h.d.ListOrders(alice, stores.OrderFilter{})
	if err != nil {
		t.Fatalf("ListOrders failed: %v", err)
	}
	if len(orders) != 1 || orders[0].UserID != "alice" {
		t.Fatalf("alice should only see her order, got %d", len(orders))
	}

	if _, err := h.d.ListOrders(userCtx("bob"), stores.OrderFilter{DeploymentID: aliceDep}); !engine.IsAuthorization(err) {
		t.Errorf("expected authorization error listing another user's deployment, got %v", err)
	}

	admin := engine.WithUser(context.Background(), "ops", true)
	all, err := h.d.ListOrders(admin, stores.OrderFilter{})
	if err != nil || len(all) != 2 {
		t.Fatalf("admin should see 2 orders, got %d (%v)", len(all), err)
	}

	if _, err := h.d.GetOrder(userCtx("bob"), orders[0].ID); !engine.IsAuthorization(err) {
		t.Errorf("expected authorization error, got %v", err)
	}

	if err := h.d.DeleteOrder(alice, orders[0].ID); err != nil {
		t.Fatalf("DeleteOrder failed: %v", err)
	}
	if _, err := h.d.GetOrder(alice, orders[0].ID); !engine.IsNotFound(err) {
		t.Errorf("expected not found after delete, got %v", err)
	}

	dep, err := h.d.GetDeployment(alice, aliceDep)
	if err != nil || dep.State != engine.StateDeploySuccess {
		t.Errorf("deleting history must not touch the deployment: %v %v", dep, err)
	}
}

func TestDeleteOrderInProgress(t *testing.T) {
	h := setupDispatcher(t, nil)
	ctx := userCtx("alice")

	ref, err := h.d.CreateOrder(ctx, request(engine.TaskTypeDeploy, `{"csp":"HUAWEI","name":"kafka","version":"1.0.0"}`))
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if err := h.d.DeleteOrder(ctx, ref.OrderID); !engine.IsConflict(err) {
		t.Errorf("expected conflict deleting an active order, got %v", err)
	}
}

func TestStoredDeployRequest(t *testing.T) {
	dep := &engine.Deployment{
		ID:       "d1",
		Template: engine.TemplateRef{Name: "kafka", Version: "1.0.0", Csp: engine.CspHuawei, Region: "eu-de"},
	}
	base, err := StoredDeployRequest(dep)
	if err != nil {
		t.Fatalf("StoredDeployRequest failed: %v", err)
	}
	if base.Name != "kafka" || base.Region != "eu-de" {
		t.Errorf("fallback to template failed: %+v", base)
	}

	dep.Request = json.RawMessage(`{"csp":"HUAWEI","name":"kafka","version":"1.0.0","flavor":"small"}`)
	base, err = StoredDeployRequest(dep)
	if err != nil || base.Flavor != "small" {
		t.Errorf("stored request not decoded: %+v %v", base, err)
	}

	dep.Request = json.RawMessage(`{`)
	if _, err := StoredDeployRequest(dep); err == nil {
		t.Error("expected decode error")
	}
}

func TestOrderSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tel := telemetry.Nop()
	tel.Tracer = telemetry.NewTracerFromProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)), "test")
	h := setupDispatcherWithTelemetry(t, nil, tel)

	ref, err := h.d.CreateOrder(userCtx("alice"), request(engine.TaskTypeDeploy,
		`{"csp":"HUAWEI","name":"kafka","version":"1.0.0"}`))
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	spans := map[string]sdktrace.ReadOnlySpan{}
	for _, span := range rec.Ended() {
		spans[span.Name()] = span
	}
	for _, name := range []string{"order.admit", "order.submit", "deployer.submit"} {
		if _, ok := spans[name]; !ok {
			t.Errorf("expected span %s, got %d spans", name, len(spans))
		}
	}

	admit, ok := spans["order.admit"]
	if !ok {
		return
	}
	var orderID string
	for _, kv := range admit.Attributes() {
		if kv.Key == telemetry.AttrOrderID {
			orderID = kv.Value.AsString()
		}
	}
	if orderID != ref.OrderID {
		t.Errorf("expected admit span for %s, got %q", ref.OrderID, orderID)
	}
	if len(admit.Events()) == 0 || admit.Events()[0].Name != "order.admitted" {
		t.Errorf("expected order.admitted event, got %+v", admit.Events())
	}
	submit, call := spans["order.submit"], spans["deployer.submit"]
	if submit != nil && call != nil && call.Parent().SpanID() != submit.SpanContext().SpanID() {
		t.Error("expected deployer span to be a child of the submit span")
	}
}
