// Package dispatcher admits orders and hands them to deployer plugins.
//
// CreateOrder runs the synchronous pre-admission pipeline (payload validation,
// template validation, ownership, admission policy), admits the order through
// the lock guard in a single store transaction and then submits a DeployTask
// to the plugin of the deployment's CSP without waiting for execution.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/openfroyo/orderbroker/pkg/engine"
	"github.com/openfroyo/orderbroker/pkg/lockguard"
	"github.com/openfroyo/orderbroker/pkg/stores"
	"github.com/openfroyo/orderbroker/pkg/telemetry"
)

// ResultSink applies a terminal result to an order. The callback correlator
// implements it; the dispatcher uses it to record submission failures.
type ResultSink interface {
	Apply(ctx context.Context, res *engine.CallbackResult, source string) (*stores.CompletionOutcome, error)
}

// Config holds dispatcher settings.
type Config struct {
	// SubmitTimeout bounds a single plugin submission.
	SubmitTimeout time.Duration
}

// Deps are the collaborators of the dispatcher. Policy and Telemetry are optional.
type Deps struct {
	Store     stores.Store
	Plugins   *Registry
	Templates engine.TemplateRegistry
	Identity  engine.Identity
	Results   ResultSink
	Policy    engine.AdmissionPolicy
	Telemetry *telemetry.Telemetry
}

// Dispatcher is the order admission entry point.
type Dispatcher struct {
	store     stores.Store
	plugins   *Registry
	templates engine.TemplateRegistry
	identity  engine.Identity
	results   ResultSink
	policy    engine.AdmissionPolicy
	guard     *lockguard.Guard
	validate  *validator.Validate
	tel       *telemetry.Telemetry
	logger    *telemetry.Logger
	cfg       Config
}

// Prepared is a request that passed every check that does not need the
// admission transaction.
type Prepared struct {
	Request *engine.OrderRequest
	Payload engine.Payload
	UserID  string

	// Deployment is the target deployment, nil when the order creates it.
	Deployment *engine.Deployment

	// Template is the template the order executes against.
	Template engine.TemplateRef

	// Deploy is the effective deploy payload of DEPLOY, MIGRATE and PORT orders.
	Deploy *engine.DeployPayload

	// Plugin is the deployer serving Template.Csp. Nil for lock changes.
	Plugin engine.DeployerPlugin
}

// New creates a dispatcher.
func New(deps Deps, cfg Config) (*Dispatcher, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Plugins == nil {
		return nil, fmt.Errorf("plugin registry is required")
	}
	if deps.Templates == nil {
		return nil, fmt.Errorf("template registry is required")
	}
	if deps.Identity == nil {
		return nil, fmt.Errorf("identity is required")
	}
	if deps.Results == nil {
		return nil, fmt.Errorf("result sink is required")
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}

	tel := deps.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}

	return &Dispatcher{
		store:     deps.Store,
		plugins:   deps.Plugins,
		templates: deps.Templates,
		identity:  deps.Identity,
		results:   deps.Results,
		policy:    deps.Policy,
		guard:     lockguard.New(),
		validate:  validator.New(),
		tel:       tel,
		logger:    tel.Logger.NewComponentLogger("dispatcher"),
		cfg:       cfg,
	}, nil
}

// CreateOrder validates, admits and submits a direct or inline order.
// Submission failures do not surface here: they are recorded on the order as
// an execution failure and the caller still receives the order reference.
func (d *Dispatcher) CreateOrder(ctx context.Context, req *engine.OrderRequest) (*engine.OrderRef, error) {
	if req != nil && req.Type.IsSaga() {
		return nil, engine.NewValidationError("",
			fmt.Sprintf("%s orders are started by the saga coordinator", req.Type))
	}

	p, err := d.Prepare(ctx, req)
	if err != nil {
		d.reject(req, err)
		return nil, err
	}

	order, dep, err := d.admit(ctx, p)
	if err != nil {
		d.reject(req, err)
		return nil, err
	}

	ref := &engine.OrderRef{OrderID: order.ID, DeploymentID: order.DeploymentID}
	if order.Handler == engine.HandlerInline {
		d.tel.Metrics.RecordOrderCompleted(string(order.TaskType), string(order.Status), 0)
		_ = d.tel.Events.PublishOrderCompleted(order.ID, order.DeploymentID, "", string(order.Status))
		return ref, nil
	}

	d.submit(ctx, p, order, dep)
	return ref, nil
}

// Prepare runs the pre-admission checks of req. It never writes.
func (d *Dispatcher) Prepare(ctx context.Context, req *engine.OrderRequest) (*Prepared, error) {
	if req == nil {
		return nil, engine.NewValidationError("", "order request is required")
	}
	if err := d.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}

	payload, err := engine.DecodePayload(req.Type, req.Payload)
	if err != nil {
		return nil, engine.NewValidationError("", err.Error()).WithOperation(string(req.Type))
	}
	if err := d.validatePayload(payload); err != nil {
		return nil, err
	}

	userID, err := d.resolveUser(ctx, req)
	if err != nil {
		return nil, err
	}

	p := &Prepared{Request: req, Payload: payload, UserID: userID}

	target := req.TargetDeploymentID
	if target == "" {
		target = payload.TargetDeployment()
	}
	if target != "" {
		dep, err := d.store.GetDeployment(ctx, target)
		switch {
		case err == nil:
			p.Deployment = dep
		case engine.IsNotFound(err) && req.Type.CreatesDeployment():
		default:
			return nil, err
		}
	}

	if p.Deployment != nil && !req.IsChild() {
		if err := d.authorize(ctx, userID, p.Deployment); err != nil {
			return nil, err
		}
	}

	if err := d.resolveTemplate(ctx, p); err != nil {
		return nil, err
	}

	if req.Type != engine.TaskTypeLockChange {
		plugin, err := d.plugins.Get(p.Template.Csp)
		if err != nil {
			return nil, err
		}
		p.Plugin = plugin
	}

	if d.policy != nil {
		input := &engine.AdmissionInput{
			Operation: req.Type,
			UserID:    userID,
			Template:  p.Template,
			Saga:      req.Type.IsSaga() || req.IsChild(),
		}
		if p.Deployment != nil {
			input.DeploymentID = p.Deployment.ID
			input.DeploymentState = p.Deployment.State
		}
		if err := d.policy.Admit(ctx, input); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// Guard exposes the lock guard so saga parents are admitted under the same rules.
func (d *Dispatcher) Guard() *lockguard.Guard {
	return d.guard
}

func (d *Dispatcher) validatePayload(payload engine.Payload) error {
	var err error
	if rp, ok := payload.(*engine.RelocatePayload); ok {
		// Target fields are optional and inherit from the original deployment.
		err = d.validate.StructPartial(rp, "OriginalDeploymentID")
	} else {
		err = d.validate.Struct(payload)
	}
	if err != nil {
		return validationError(err)
	}
	return nil
}

func (d *Dispatcher) resolveUser(ctx context.Context, req *engine.OrderRequest) (string, error) {
	if req.IsChild() && req.UserID != "" {
		return req.UserID, nil
	}
	return d.identity.CurrentUserID(ctx)
}

func (d *Dispatcher) authorize(ctx context.Context, userID string, dep *engine.Deployment) error {
	if dep.UserID == userID || d.identity.IsAdmin(ctx) {
		return nil
	}
	return engine.NewAuthorizationError(
		fmt.Sprintf("user %s does not own deployment %s", userID, dep.ID)).WithResource(dep.ID)
}

func (d *Dispatcher) resolveTemplate(ctx context.Context, p *Prepared) error {
	switch payload := p.Payload.(type) {
	case *engine.DeployPayload:
		meta, err := d.checkTemplate(ctx, payload)
		if err != nil {
			return err
		}
		p.Deploy = payload
		p.Template = payload.TemplateRef()
		p.Template.TemplateID = meta.ID
		return nil

	case *engine.RelocatePayload:
		base, err := StoredDeployRequest(p.Deployment)
		if err != nil {
			return err
		}
		effective := base.Overlay(payload.DeployPayload)
		if err := d.validatePayload(&effective); err != nil {
			return err
		}
		p.Deploy = &effective
		p.Template = effective.TemplateRef()
		p.Template.TemplateID = p.Deployment.Template.TemplateID

		// Porting may change the template; migration keeps it.
		if p.Request.Type == engine.TaskTypePort {
			meta, err := d.checkTemplate(ctx, &effective)
			if err != nil {
				return err
			}
			p.Template.TemplateID = meta.ID
		}
		return nil

	default:
		p.Template = p.Deployment.Template
		return nil
	}
}

// checkTemplate validates a deploy payload against the template catalog.
func (d *Dispatcher) checkTemplate(ctx context.Context, dp *engine.DeployPayload) (*engine.TemplateMetadata, error) {
	meta, err := d.templates.Validate(ctx, dp.Name, dp.Version, dp.Csp, dp.HostingType)
	if err != nil {
		if engine.IsNotFound(err) {
			return nil, engine.NewValidationError(engine.ErrCodeTemplateNotFound,
				fmt.Sprintf("template %s %s for %s not found", dp.Name, dp.Version, dp.Csp))
		}
		return nil, fmt.Errorf("failed to validate template: %w", err)
	}
	if !meta.Available {
		return nil, engine.NewValidationError(engine.ErrCodeTemplateUnavailable,
			fmt.Sprintf("template %s %s is not available in the catalog", dp.Name, dp.Version))
	}
	if !meta.SupportsBillingMode(dp.BillingMode) {
		return nil, engine.NewValidationError(engine.ErrCodeBillingModeUnsupported,
			fmt.Sprintf("billing mode %q is not supported by template %s", dp.BillingMode, dp.Name)).
			WithDetail("billingModes", meta.BillingModes)
	}
	if meta.Eula != "" && !dp.EulaAccepted {
		return nil, engine.NewValidationError(engine.ErrCodeEulaNotAccepted,
			fmt.Sprintf("template %s requires the EULA to be accepted", dp.Name))
	}
	return meta, nil
}

// admit writes the order and moves the deployment in one transaction.
func (d *Dispatcher) admit(ctx context.Context, p *Prepared) (_ *engine.Order, _ *engine.Deployment, err error) {
	req := p.Request

	deploymentID := req.TargetDeploymentID
	if deploymentID == "" {
		deploymentID = p.Payload.TargetDeployment()
	}
	if deploymentID == "" {
		deploymentID = uuid.NewString()
	}

	order := &engine.Order{
		ID:                   uuid.NewString(),
		DeploymentID:         deploymentID,
		ParentOrderID:        req.ParentOrderID,
		TaskType:             req.Type,
		Status:               engine.TaskStatusCreated,
		Handler:              engine.HandlerDirect,
		UserID:               p.UserID,
		Request:              req.Payload,
		OriginalDeploymentID: req.OriginalDeploymentID,
	}

	ctx = telemetry.WithOrderContext(d.tel.WithContext(ctx), "admit", order.ID, string(req.Type))
	defer func() { telemetry.EndOrderContext(ctx, err) }()

	adm := &stores.Admission{
		Order: order,
		Guard: d.guard.Func(lockguard.Request{
			DeploymentID:  deploymentID,
			TaskType:      req.Type,
			ParentOrderID: req.ParentOrderID,
		}),
		NextState:  engine.TransientFor(req.Type),
		Slot:       order.ID,
		BindStepID: req.SagaStepID,
	}
	if req.IsChild() {
		adm.Slot = req.ParentOrderID
	}

	switch payload := p.Payload.(type) {
	case *engine.DeployPayload:
		adm.NewDeployment = &engine.Deployment{
			UserID:   p.UserID,
			Template: p.Template,
			Request:  req.Payload,
		}
	case *engine.LockChangePayload:
		now := time.Now().UTC()
		lock := payload.LockConfig
		adm.Lock = &lock
		adm.Slot = ""
		order.Handler = engine.HandlerInline
		order.Status = engine.TaskStatusSuccessful
		order.StartedAt = &now
		order.CompletedAt = &now
	}

	dep, err := d.store.AdmitOrder(ctx, adm)
	if err != nil {
		return nil, nil, err
	}

	telemetry.AddOrderEvent(telemetry.SpanFromContext(ctx), order.ID, "order.admitted",
		fmt.Sprintf("deployment %s moved to %s", dep.ID, dep.State))
	d.tel.Metrics.RecordOrderAdmitted(string(order.TaskType))
	_ = d.tel.Events.PublishOrderAdmitted(order.ID, order.DeploymentID, string(order.TaskType))
	d.logger.WithOrderID(order.ID).
		WithDeploymentID(order.DeploymentID).
		WithTaskType(string(order.TaskType)).
		WithField("parent_order_id", order.ParentOrderID).
		Info("order admitted")

	return order, dep, nil
}

// submit hands the admitted order to its plugin. Reaching the plugin is the
// only thing awaited; a failure to do so completes the order as failed.
func (d *Dispatcher) submit(ctx context.Context, p *Prepared, order *engine.Order, dep *engine.Deployment) {
	task := &engine.DeployTask{
		OrderID:              order.ID,
		DeploymentID:         order.DeploymentID,
		OriginalDeploymentID: order.OriginalDeploymentID,
		TaskType:             order.TaskType,
		UserID:               order.UserID,
		Template:             dep.Template,
		Request:              order.Request,
	}
	if order.TaskType != engine.TaskTypeDeploy && !dep.Snapshot.IsEmpty() {
		snapshot := dep.Snapshot
		task.Snapshot = &snapshot
	}

	logger := d.logger.WithOrderID(order.ID).WithDeploymentID(order.DeploymentID)
	csp := string(p.Plugin.Csp())

	ctx = telemetry.WithOrderContext(d.tel.WithContext(ctx), "submit", order.ID, string(order.TaskType))
	err := telemetry.RecordDeployerOperation(ctx, csp, "submit", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, d.cfg.SubmitTimeout)
		defer cancel()
		return p.Plugin.Submit(ctx, task)
	})
	if err != nil {
		logger.WithError(err).Warn("deployer submission failed")
		failure := &engine.CallbackResult{
			OrderID:      order.ID,
			Success:      false,
			ErrorMessage: engine.NewExecutionFailure(engine.ErrCodeSubmissionFailed, "submission failed", err).Error(),
		}
		if _, err := d.results.Apply(context.WithoutCancel(ctx), failure, "submission"); err != nil {
			logger.WithError(err).Error("failed to record submission failure")
		}
		telemetry.EndOrderContext(ctx, err)
		return
	}

	_, err = d.store.StartOrderProgress(ctx, order.ID)
	if err != nil {
		logger.WithError(err).Error("failed to mark order in progress")
	}
	telemetry.EndOrderContext(ctx, err)
}

func (d *Dispatcher) reject(req *engine.OrderRequest, err error) {
	taskType := "unknown"
	if req != nil && req.Type != "" {
		taskType = string(req.Type)
	}
	code := engine.CodeOf(err)
	d.tel.Metrics.RecordOrderRejected(taskType, code)

	logger := d.logger.WithError(err).WithTaskType(taskType).WithField("code", code)
	if engine.IsPreAdmission(err) {
		logger.Info("order rejected")
		return
	}
	logger.Error("order admission failed")
}

// StoredDeployRequest decodes the deploy payload a deployment was created from,
// including the changes of every successful MODIFY since.
func StoredDeployRequest(dep *engine.Deployment) (engine.DeployPayload, error) {
	return dep.DeployRequest()
}

// validationError flattens validator errors into one ValidationError.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return engine.NewValidationError("", err.Error())
	}
	msgs := make([]string, 0, len(verrs))
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed '%s'", fe.Field(), fe.Tag()))
		fields = append(fields, fe.Field())
	}
	return engine.NewValidationError("", strings.Join(msgs, "; ")).WithDetail("fields", fields)
}
