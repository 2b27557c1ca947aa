// Package saga runs RECREATE, MIGRATE and PORT orders as a sequence of child
// orders.
//
// A saga owns a parent order with handler SAGA. Each step creates one child
// DEPLOY or DESTROY order through the dispatcher and waits for it to reach a
// terminal status. Step failures are retried until the parent's counter for
// that step kind reaches the configured bound, after which the saga waits for
// an operator to retry or close it. Every decision is persisted with
// stores.Store.AdvanceSaga, so a restarted coordinator resumes from the
// stored step table.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/orderbroker/pkg/dispatcher"
	"github.com/openfroyo/orderbroker/pkg/engine"
	"github.com/openfroyo/orderbroker/pkg/lockguard"
	"github.com/openfroyo/orderbroker/pkg/stores"
	"github.com/openfroyo/orderbroker/pkg/telemetry"
)

// Config holds coordinator settings.
type Config struct {
	// MaxRetries bounds the failures of one step kind before the saga awaits a decision.
	MaxRetries int `yaml:"maxRetries" validate:"min=1"`

	// PollInterval is how often running sagas are re-examined.
	PollInterval time.Duration `yaml:"pollInterval"`

	// BatchSize limits the sagas examined per tick.
	BatchSize int `yaml:"batchSize" validate:"min=0"`
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		PollInterval: 5 * time.Second,
		BatchSize:    100,
	}
}

// Orders is the part of the dispatcher the coordinator drives.
type Orders interface {
	Prepare(ctx context.Context, req *engine.OrderRequest) (*dispatcher.Prepared, error)
	CreateOrder(ctx context.Context, req *engine.OrderRequest) (*engine.OrderRef, error)
	Guard() *lockguard.Guard
}

// Coordinator starts and advances sagas.
type Coordinator struct {
	store    stores.Store
	orders   Orders
	identity engine.Identity
	cfg      Config
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	wake     chan string
}

// Detail is a saga together with its steps and parent order.
type Detail struct {
	Saga   *engine.SagaInstance `json:"saga"`
	Steps  []*engine.SagaStep   `json:"steps"`
	Parent *engine.Order        `json:"parentOrder"`
}

// New creates a coordinator. tel may be nil.
func New(store stores.Store, orders Orders, identity engine.Identity, cfg Config, tel *telemetry.Telemetry) *Coordinator {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Coordinator{
		store:    store,
		orders:   orders,
		identity: identity,
		cfg:      cfg,
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("saga"),
		wake:     make(chan string, 256),
	}
}

// Start admits a saga parent order and launches its first step.
// The deployment is moved to the composite state of the saga kind and its
// in-flight slot is held by the parent until the saga completes or is closed.
func (c *Coordinator) Start(ctx context.Context, req *engine.OrderRequest) (*engine.OrderRef, error) {
	if req == nil || !req.Type.IsSaga() {
		return nil, engine.NewValidationError("", "saga orders must be RECREATE, MIGRATE or PORT")
	}

	ref, err := c.start(ctx, req)
	if err != nil {
		code := engine.CodeOf(err)
		c.tel.Metrics.RecordOrderRejected(string(req.Type), code)
		c.logger.WithError(err).
			WithTaskType(string(req.Type)).
			WithField("code", code).
			Info("saga rejected")
		return nil, err
	}
	return ref, nil
}

func (c *Coordinator) start(ctx context.Context, req *engine.OrderRequest) (*engine.OrderRef, error) {
	p, err := c.orders.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	orig := p.Deployment

	sg := &engine.SagaInstance{
		ID:                   uuid.NewString(),
		ParentOrderID:        uuid.NewString(),
		Kind:                 req.Type,
		Status:               engine.SagaStatusRunning,
		UserID:               p.UserID,
		OriginalDeploymentID: orig.ID,
		PriorState:           orig.State,
		MaxRetries:           c.cfg.MaxRetries,
	}

	switch req.Type {
	case engine.TaskTypeRecreate:
		sg.NewDeploymentID = orig.ID
		if len(orig.Request) > 0 {
			sg.Request = orig.Request
		} else {
			base, err := dispatcher.StoredDeployRequest(orig)
			if err != nil {
				return nil, err
			}
			if sg.Request, err = json.Marshal(base); err != nil {
				return nil, fmt.Errorf("failed to encode recreate request: %w", err)
			}
		}
	default:
		sg.NewDeploymentID = uuid.NewString()
		if sg.Request, err = json.Marshal(p.Deploy); err != nil {
			return nil, fmt.Errorf("failed to encode relocation request: %w", err)
		}
	}

	steps, err := planSteps(sg)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	parent := &engine.Order{
		ID:                   sg.ParentOrderID,
		DeploymentID:         orig.ID,
		TaskType:             req.Type,
		Status:               engine.TaskStatusInProgress,
		Handler:              engine.HandlerSaga,
		UserID:               p.UserID,
		Request:              req.Payload,
		SagaID:               sg.ID,
		OriginalDeploymentID: orig.ID,
		NewDeploymentID:      sg.NewDeploymentID,
		StartedAt:            &now,
	}

	adm := &stores.Admission{
		Order: parent,
		Guard: c.orders.Guard().Func(lockguard.Request{
			DeploymentID: orig.ID,
			TaskType:     req.Type,
		}),
		NextState: engine.TransientFor(req.Type),
		Slot:      parent.ID,
		Saga:      sg,
		Steps:     steps,
	}
	if _, err := c.store.AdmitOrder(ctx, adm); err != nil {
		return nil, err
	}

	c.tel.Metrics.RecordOrderAdmitted(string(req.Type))
	_ = c.tel.Events.PublishOrderAdmitted(parent.ID, orig.ID, string(req.Type))
	c.logger.WithSagaID(sg.ID).
		WithOrderID(parent.ID).
		WithDeploymentID(orig.ID).
		WithField("kind", sg.Kind).
		WithField("new_deployment_id", sg.NewDeploymentID).
		Info("saga started")

	if err := c.startStep(ctx, sg, steps[0]); err != nil {
		c.logger.WithSagaID(sg.ID).WithError(err).Error("failed to start first saga step")
	}

	return &engine.OrderRef{OrderID: parent.ID, DeploymentID: orig.ID}, nil
}

// childRequest builds the child order of step.
func childRequest(sg *engine.SagaInstance, step *engine.SagaStep) (*engine.OrderRequest, error) {
	req := &engine.OrderRequest{
		Type:               step.Kind.TaskType(),
		ParentOrderID:      sg.ParentOrderID,
		UserID:             sg.UserID,
		SagaStepID:         step.ID,
		TargetDeploymentID: step.DeploymentID,
	}

	if step.Kind == engine.StepKindDeploy {
		req.Payload = sg.Request
		if step.DeploymentID != sg.OriginalDeploymentID {
			req.OriginalDeploymentID = sg.OriginalDeploymentID
		}
		return req, nil
	}

	payload, err := json.Marshal(engine.DeploymentPayload{DeploymentID: step.DeploymentID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode destroy payload: %w", err)
	}
	req.Payload = payload
	return req, nil
}

// startStep creates the child order of step. A conflict on the in-flight
// slot means another caller already started it. Any other rejection is
// charged to the step like an execution failure.
func (c *Coordinator) startStep(ctx context.Context, sg *engine.SagaInstance, step *engine.SagaStep) error {
	req, err := childRequest(sg, step)
	if err != nil {
		return err
	}

	logger := c.logger.WithSagaID(sg.ID).WithField("step", step.Seq).WithField("step_kind", step.Kind)

	ref, err := c.orders.CreateOrder(ctx, req)
	if err == nil {
		logger.WithOrderID(ref.OrderID).Info("saga step submitted")
		return nil
	}
	if errors.Is(err, engine.ErrOrderAlreadyInProgress) {
		logger.WithError(err).Debug("saga step already started")
		return nil
	}

	logger.WithError(err).Warn("saga step could not be admitted")
	current, gerr := c.store.GetSaga(ctx, sg.ID)
	if gerr != nil {
		return gerr
	}
	steps, gerr := c.store.ListSagaSteps(ctx, sg.ID)
	if gerr != nil {
		return gerr
	}
	if step.Seq >= len(steps) {
		return fmt.Errorf("saga %s has no step %d", sg.ID, step.Seq)
	}
	return c.stepFailed(ctx, current, steps[step.Seq], err.Error())
}

// Complete advances the saga a child order belongs to, once that child is
// terminal. It is safe to call repeatedly and concurrently: only the first
// caller for a given step attempt changes anything.
func (c *Coordinator) Complete(ctx context.Context, childOrderID string) error {
	step, err := c.store.GetStepByChildOrder(ctx, childOrderID)
	if err != nil {
		if engine.IsNotFound(err) {
			return nil
		}
		return err
	}
	sg, err := c.store.GetSaga(ctx, step.SagaID)
	if err != nil {
		return err
	}
	if sg.Status != engine.SagaStatusRunning ||
		step.Status != engine.StepStatusRunning ||
		step.Seq != sg.CurrentStep {
		return nil
	}

	child, err := c.store.GetOrder(ctx, childOrderID)
	if err != nil {
		return err
	}
	if !child.Status.IsTerminal() {
		return nil
	}

	if child.Status == engine.TaskStatusSuccessful {
		return c.stepSucceeded(ctx, sg, step, child)
	}
	msg := child.ErrorMessage
	if msg == "" {
		msg = fmt.Sprintf("%s step failed", step.Kind)
	}
	return c.stepFailed(ctx, sg, step, msg)
}

// stepSpan opens the saga.step span of one step outcome.
func (c *Coordinator) stepSpan(ctx context.Context, sg *engine.SagaInstance, step *engine.SagaStep, outcome string) (context.Context, func(error)) {
	ctx, span := c.tel.Tracer.StartSagaSpan(c.tel.WithContext(ctx), sg.ID, string(sg.Kind), string(step.Kind))
	telemetry.SetAttributes(span,
		telemetry.AttrOrderID.String(step.ChildOrderID),
		attribute.Int("saga.step.seq", step.Seq),
		attribute.String("saga.step.outcome", outcome),
	)
	return ctx, func(err error) {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}
}

func (c *Coordinator) stepSucceeded(ctx context.Context, sg *engine.SagaInstance, step *engine.SagaStep, child *engine.Order) (err error) {
	ctx, end := c.stepSpan(ctx, sg, step, "succeeded")
	defer func() { end(err) }()

	parent, err := c.store.GetOrder(ctx, sg.ParentOrderID)
	if err != nil {
		return err
	}
	steps, err := c.store.ListSagaSteps(ctx, sg.ID)
	if err != nil {
		return err
	}

	next := *sg
	next.LastError = ""
	done := *step
	done.Status = engine.StepStatusSucceeded

	upd := &stores.ParentUpdate{
		Status:          engine.TaskStatusInProgress,
		DeployRetryNum:  parent.DeployRetryNum,
		DestroyRetryNum: parent.DestroyRetryNum,
	}
	if step.Kind == engine.StepKindDeploy {
		upd.Result = child.Result
	}

	change := &stores.SagaChange{
		Saga:             &next,
		Step:             &done,
		ExpectStepStatus: engine.StepStatusRunning,
		Parent:           upd,
	}

	last := step.Seq == len(steps)-1
	if last {
		next.Status = engine.SagaStatusCompleted
		upd.Status = engine.TaskStatusSuccessful
		change.Release = involvedDeployments(sg)
	} else {
		next.CurrentStep = step.Seq + 1
	}

	if err := c.store.AdvanceSaga(ctx, change); err != nil {
		if errors.Is(err, stores.ErrStaleVersion) {
			return nil
		}
		return err
	}

	logger := c.logger.WithSagaID(sg.ID).WithField("step", step.Seq).WithField("step_kind", step.Kind)
	c.tel.Metrics.RecordSagaStep(string(sg.Kind), string(step.Kind), "succeeded")
	_ = c.tel.Events.PublishSagaStepCompleted(sg.ID, sg.ParentOrderID, string(step.Kind), "succeeded")

	if last {
		c.finishParent(parent, engine.TaskStatusSuccessful)
		_ = c.tel.Events.PublishSagaCompleted(sg.ID, sg.ParentOrderID, string(engine.SagaStatusCompleted))
		logger.Info("saga completed")
		return nil
	}

	logger.Info("saga step succeeded")
	return c.startStep(ctx, &next, steps[next.CurrentStep])
}

func (c *Coordinator) stepFailed(ctx context.Context, sg *engine.SagaInstance, step *engine.SagaStep, msg string) (err error) {
	if sg.Status != engine.SagaStatusRunning {
		return nil
	}
	ctx, end := c.stepSpan(ctx, sg, step, "failed")
	defer func() { end(err) }()

	parent, err := c.store.GetOrder(ctx, sg.ParentOrderID)
	if err != nil {
		return err
	}

	deploy, destroy := withRetry(parent, step.Kind)
	attempts := deploy
	if step.Kind == engine.StepKindDestroy {
		attempts = destroy
	}

	next := *sg
	next.LastError = msg
	failed := *step
	failed.Status = engine.StepStatusFailed

	upd := &stores.ParentUpdate{
		Status:          engine.TaskStatusInProgress,
		DeployRetryNum:  deploy,
		DestroyRetryNum: destroy,
	}
	exhausted := attempts >= sg.MaxRetries
	if exhausted {
		next.Status = engine.SagaStatusAwaitingDecision
		upd.Status = engine.TaskStatusFailed
		upd.ErrorMessage = engine.NewSagaFailure(engine.ErrCodeSagaRetriesExhausted,
			fmt.Sprintf("%s step failed %d times: %s", step.Kind, attempts, msg)).Error()
	}

	change := &stores.SagaChange{
		Saga:             &next,
		Step:             &failed,
		ExpectStepStatus: step.Status,
		Parent:           upd,
	}
	if err := c.store.AdvanceSaga(ctx, change); err != nil {
		if errors.Is(err, stores.ErrStaleVersion) {
			return nil
		}
		return err
	}

	logger := c.logger.WithSagaID(sg.ID).
		WithField("step", step.Seq).
		WithField("step_kind", step.Kind).
		WithField("attempts", attempts)
	c.tel.Metrics.RecordSagaStep(string(sg.Kind), string(step.Kind), "failed")
	_ = c.tel.Events.PublishSagaStepCompleted(sg.ID, sg.ParentOrderID, string(step.Kind), "failed")

	if exhausted {
		c.finishParent(parent, engine.TaskStatusFailed)
		_ = c.tel.Events.PublishSagaAwaitingDecision(sg.ID, sg.ParentOrderID, msg)
		c.refreshFailedGauge(ctx)
		logger.Warn("saga retries exhausted, awaiting decision")
		return nil
	}

	logger.WithField("error", msg).Info("retrying saga step")
	return c.startStep(ctx, &next, &failed)
}

func (c *Coordinator) finishParent(parent *engine.Order, status engine.TaskStatus) {
	var elapsed time.Duration
	if parent.StartedAt != nil {
		elapsed = time.Since(*parent.StartedAt)
	}
	c.tel.Metrics.RecordOrderCompleted(string(parent.TaskType), string(status), elapsed)
	_ = c.tel.Events.PublishOrderCompleted(parent.ID, parent.DeploymentID, "", string(status))
}

// Retry resumes a saga awaiting a decision from its current step. The retry
// counters are kept, so the next failure of the same kind stops it again.
func (c *Coordinator) Retry(ctx context.Context, sagaID string) (*engine.SagaInstance, error) {
	sg, parent, err := c.decidable(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	steps, err := c.store.ListSagaSteps(ctx, sg.ID)
	if err != nil {
		return nil, err
	}
	if sg.CurrentStep >= len(steps) {
		return nil, fmt.Errorf("saga %s has no step %d", sg.ID, sg.CurrentStep)
	}

	next := *sg
	next.Status = engine.SagaStatusRunning
	next.LastError = ""
	change := &stores.SagaChange{
		Saga: &next,
		Parent: &stores.ParentUpdate{
			Status:          engine.TaskStatusInProgress,
			DeployRetryNum:  parent.DeployRetryNum,
			DestroyRetryNum: parent.DestroyRetryNum,
		},
	}
	if err := c.store.AdvanceSaga(ctx, change); err != nil {
		if errors.Is(err, stores.ErrStaleVersion) {
			return nil, engine.NewSagaFailure(engine.ErrCodeSagaNotAwaiting,
				"saga was changed concurrently").WithResource(sg.ID)
		}
		return nil, err
	}

	c.audit(ctx, "saga.retry", sg.ID)
	c.refreshFailedGauge(ctx)
	c.logger.WithSagaID(sg.ID).WithField("step", next.CurrentStep).Info("saga retried by operator")

	if err := c.startStep(ctx, &next, steps[next.CurrentStep]); err != nil {
		c.logger.WithSagaID(sg.ID).WithError(err).Error("failed to restart saga step")
	}
	return c.store.GetSaga(ctx, sg.ID)
}

// Close abandons a saga awaiting a decision. Both deployments are released
// and the original deployment leaves its composite state.
func (c *Coordinator) Close(ctx context.Context, sagaID string) (*engine.SagaInstance, error) {
	sg, parent, err := c.decidable(ctx, sagaID)
	if err != nil {
		return nil, err
	}

	next := *sg
	next.Status = engine.SagaStatusClosed
	change := &stores.SagaChange{
		Saga: &next,
		Parent: &stores.ParentUpdate{
			Status:          engine.TaskStatusFailed,
			ErrorMessage:    parent.ErrorMessage,
			DeployRetryNum:  parent.DeployRetryNum,
			DestroyRetryNum: parent.DestroyRetryNum,
		},
		Release: involvedDeployments(sg),
		Restore: map[string]engine.DeploymentState{sg.OriginalDeploymentID: sg.PriorState},
	}
	if err := c.store.AdvanceSaga(ctx, change); err != nil {
		if errors.Is(err, stores.ErrStaleVersion) {
			return nil, engine.NewSagaFailure(engine.ErrCodeSagaNotAwaiting,
				"saga was changed concurrently").WithResource(sg.ID)
		}
		return nil, err
	}

	c.audit(ctx, "saga.close", sg.ID)
	c.refreshFailedGauge(ctx)
	_ = c.tel.Events.PublishSagaCompleted(sg.ID, sg.ParentOrderID, string(engine.SagaStatusClosed))
	c.logger.WithSagaID(sg.ID).Info("saga closed by operator")
	return &next, nil
}

// decidable loads a saga that is waiting for an operator decision.
func (c *Coordinator) decidable(ctx context.Context, sagaID string) (*engine.SagaInstance, *engine.Order, error) {
	sg, err := c.store.GetSaga(ctx, sagaID)
	if err != nil {
		return nil, nil, err
	}
	if err := c.authorize(ctx, sg); err != nil {
		return nil, nil, err
	}
	if sg.Status != engine.SagaStatusAwaitingDecision {
		return nil, nil, engine.NewSagaFailure(engine.ErrCodeSagaNotAwaiting,
			fmt.Sprintf("saga is %s", sg.Status)).WithResource(sg.ID)
	}
	parent, err := c.store.GetOrder(ctx, sg.ParentOrderID)
	if err != nil {
		return nil, nil, err
	}
	return sg, parent, nil
}

// Get returns a saga with its steps and parent order.
func (c *Coordinator) Get(ctx context.Context, sagaID string) (*Detail, error) {
	sg, err := c.store.GetSaga(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(ctx, sg); err != nil {
		return nil, err
	}
	steps, err := c.store.ListSagaSteps(ctx, sg.ID)
	if err != nil {
		return nil, err
	}
	parent, err := c.store.GetOrder(ctx, sg.ParentOrderID)
	if err != nil {
		return nil, err
	}
	return &Detail{Saga: sg, Steps: steps, Parent: parent}, nil
}

// Query lists sagas. Operators use it to find sagas awaiting a decision.
func (c *Coordinator) Query(ctx context.Context, filter stores.SagaFilter) ([]*engine.SagaInstance, error) {
	if !c.identity.IsAdmin(ctx) {
		return nil, engine.NewAuthorizationError("listing sagas requires an administrator")
	}
	return c.store.ListSagas(ctx, filter)
}

func (c *Coordinator) authorize(ctx context.Context, sg *engine.SagaInstance) error {
	if c.identity.IsAdmin(ctx) {
		return nil
	}
	userID, err := c.identity.CurrentUserID(ctx)
	if err != nil {
		return err
	}
	if userID != sg.UserID {
		return engine.NewAuthorizationError(
			fmt.Sprintf("user %s does not own saga %s", userID, sg.ID)).WithResource(sg.ID)
	}
	return nil
}

func (c *Coordinator) audit(ctx context.Context, action, sagaID string) {
	actor := "system"
	if id, err := c.identity.CurrentUserID(ctx); err == nil {
		actor = id
	}
	entry := &stores.AuditEntry{Action: action, Actor: actor, TargetID: &sagaID}
	if err := c.store.CreateAuditEntry(ctx, entry); err != nil {
		c.logger.WithSagaID(sagaID).WithError(err).Warn("failed to write audit entry")
	}
}

func (c *Coordinator) refreshFailedGauge(ctx context.Context) {
	waiting, err := c.store.ListSagas(ctx, stores.SagaFilter{
		Status: engine.SagaStatusAwaitingDecision,
		Limit:  maxGaugeScan,
	})
	if err != nil {
		c.logger.WithError(err).Debug("failed to count sagas awaiting a decision")
		return
	}
	c.tel.Metrics.SetSagaFailedTasks(float64(len(waiting)))
}

const maxGaugeScan = 10000
