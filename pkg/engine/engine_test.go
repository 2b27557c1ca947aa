package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    DeploymentState
		to      DeploymentState
		wantErr bool
	}{
		{"deploy succeeds", StateDeploying, StateDeploySuccess, false},
		{"deploy fails", StateDeploying, StateDeployFailed, false},
		{"modify after deploy", StateDeploySuccess, StateModifying, false},
		{"redeploy after failure", StateDeployFailed, StateDeploying, false},
		{"purge completes", StateDestroying, StatePurged, false},
		{"closed migrate falls back", StateMigrating, StateDeploySuccess, false},
		{"saga destroys original", StateRecreating, StateDestroying, false},
		{"no exit from purged", StatePurged, StateDeploying, true},
		{"no modify while deploying", StateDeploying, StateModifying, true},
		{"no migrate after failed deploy", StateDeployFailed, StateMigrating, true},
		{"unknown source", DeploymentState("BROKEN"), StateDeploying, true},
		{"unknown target", StateDeploySuccess, DeploymentState("BROKEN"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTransition(%s, %s) error = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestTransientAndTerminalStates(t *testing.T) {
	for _, tt := range []TaskType{TaskTypeDeploy, TaskTypeModify, TaskTypeDestroy, TaskTypePurge} {
		transient := TransientFor(tt)
		if !transient.IsTransient() {
			t.Errorf("%s: %s is not transient", tt, transient)
		}
		for _, success := range []bool{true, false} {
			terminal := TerminalFor(tt, success)
			if terminal == "" {
				t.Fatalf("%s success=%v: no terminal state", tt, success)
			}
			if !CanTransition(transient, terminal) {
				t.Errorf("%s success=%v: %s -> %s is not an edge", tt, success, transient, terminal)
			}
		}
	}

	for _, tt := range []TaskType{TaskTypeRecreate, TaskTypeMigrate, TaskTypePort} {
		if !TransientFor(tt).IsComposite() {
			t.Errorf("%s should enter a composite state", tt)
		}
		if TerminalFor(tt, true) != "" {
			t.Errorf("%s completion should not be mapped directly", tt)
		}
	}

	if TransientFor(TaskTypeLockChange) != "" || TransientFor(TaskTypeAction) != "" {
		t.Error("lock changes and actions should leave the state unchanged on admission")
	}
	if TerminalFor(TaskTypePurge, true) != StatePurged {
		t.Errorf("successful purge should end PURGED, got %s", TerminalFor(TaskTypePurge, true))
	}
	if !StatePurged.IsTerminal() || StateDestroySuccess.IsTerminal() {
		t.Error("only PURGED is terminal")
	}
}

func TestActionAndPurgeStates(t *testing.T) {
	if !ActionAllowed(StateDeploySuccess) || !ActionAllowed(StateDestroyFailed) {
		t.Error("actions should be allowed on settled deployments")
	}
	if ActionAllowed(StateDeploying) || ActionAllowed(StateDestroySuccess) {
		t.Error("actions should be rejected while in flight or destroyed")
	}
	if !PurgeAllowed(StateDestroySuccess) || !PurgeAllowed(StateDeployFailed) {
		t.Error("purge should be allowed after destroy or failed deploy")
	}
	if PurgeAllowed(StateDeploySuccess) {
		t.Error("purge should be rejected on a running deployment")
	}
}

func TestTaskTypeLocks(t *testing.T) {
	tests := []struct {
		taskType     TaskType
		destroyGated bool
		modifyGated  bool
		saga         bool
	}{
		{TaskTypeDeploy, false, false, false},
		{TaskTypeModify, false, true, false},
		{TaskTypeAction, false, true, false},
		{TaskTypeDestroy, true, false, false},
		{TaskTypePurge, true, false, false},
		{TaskTypeRecreate, true, true, true},
		{TaskTypeMigrate, true, true, true},
		{TaskTypePort, true, true, true},
		{TaskTypeLockChange, false, false, false},
	}

	for _, tt := range tests {
		if got := tt.taskType.GatedByDestroyLock(); got != tt.destroyGated {
			t.Errorf("%s.GatedByDestroyLock() = %v, want %v", tt.taskType, got, tt.destroyGated)
		}
		if got := tt.taskType.GatedByModifyLock(); got != tt.modifyGated {
			t.Errorf("%s.GatedByModifyLock() = %v, want %v", tt.taskType, got, tt.modifyGated)
		}
		if got := tt.taskType.IsSaga(); got != tt.saga {
			t.Errorf("%s.IsSaga() = %v, want %v", tt.taskType, got, tt.saga)
		}
	}
}

func TestEnumJSONValidation(t *testing.T) {
	var req OrderRequest
	if err := json.Unmarshal([]byte(`{"type":"DEPLOY","payload":{}}`), &req); err != nil {
		t.Fatalf("failed to decode valid request: %v", err)
	}
	if req.Type != TaskTypeDeploy {
		t.Errorf("Type = %s, want DEPLOY", req.Type)
	}

	if err := json.Unmarshal([]byte(`{"type":"UPGRADE","payload":{}}`), &req); err == nil {
		t.Error("expected error for unknown task type")
	}

	var state DeploymentState
	if err := json.Unmarshal([]byte(`"NOT_A_STATE"`), &state); err == nil {
		t.Error("expected error for unknown deployment state")
	}

	var status TaskStatus
	if err := json.Unmarshal([]byte(`"IN_PROGRESS"`), &status); err != nil || !status.IsActive() {
		t.Errorf("IN_PROGRESS should decode as active, got %s (%v)", status, err)
	}
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name       string
		taskType   TaskType
		raw        string
		wantTarget string
		wantErr    bool
	}{
		{"deploy", TaskTypeDeploy, `{"csp":"HUAWEI","name":"kafka","version":"1.0.0"}`, "", false},
		{"modify", TaskTypeModify, `{"deploymentId":"d1","flavor":"large"}`, "d1", false},
		{"destroy", TaskTypeDestroy, `{"deploymentId":"d2"}`, "d2", false},
		{"recreate", TaskTypeRecreate, `{"deploymentId":"d3"}`, "d3", false},
		{"action", TaskTypeAction, `{"deploymentId":"d4","actionName":"restart"}`, "d4", false},
		{"lock change", TaskTypeLockChange, `{"deploymentId":"d5","lockConfig":{"destroyLocked":true}}`, "d5", false},
		{"migrate", TaskTypeMigrate, `{"originalDeploymentId":"d6","csp":"AWS"}`, "d6", false},
		{"empty payload", TaskTypeDeploy, ``, "", true},
		{"malformed json", TaskTypeModify, `{"deploymentId":`, "", true},
		{"unknown type", TaskType("SCALE"), `{}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := DecodePayload(tt.taskType, json.RawMessage(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodePayload() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got := p.TargetDeployment(); got != tt.wantTarget {
				t.Errorf("TargetDeployment() = %q, want %q", got, tt.wantTarget)
			}
		})
	}
}

func TestRelocatePayloadEmbedsDeploy(t *testing.T) {
	p, err := DecodePayload(TaskTypePort, json.RawMessage(`{"originalDeploymentId":"d1","csp":"AZURE","region":"westeurope"}`))
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	rp := p.(*RelocatePayload)
	if rp.Csp != CspAzure || rp.Region != "westeurope" {
		t.Errorf("embedded deploy fields not decoded: %+v", rp.DeployPayload)
	}
}

func TestDeployPayloadOverlay(t *testing.T) {
	base := DeployPayload{
		Csp:        CspHuawei,
		Name:       "kafka",
		Version:    "1.0.0",
		Flavor:     "small",
		Properties: map[string]string{"retention": "7d", "partitions": "3"},
	}
	got := base.Overlay(DeployPayload{
		Csp:        CspAws,
		Region:     "eu-central-1",
		Properties: map[string]string{"partitions": "6"},
	})

	if got.Csp != CspAws || got.Region != "eu-central-1" {
		t.Errorf("overlay fields not applied: %+v", got)
	}
	if got.Name != "kafka" || got.Flavor != "small" {
		t.Errorf("unset overlay fields should keep the base: %+v", got)
	}
	if got.Properties["retention"] != "7d" || got.Properties["partitions"] != "6" {
		t.Errorf("properties not merged: %v", got.Properties)
	}
	if base.Properties["partitions"] != "3" {
		t.Error("overlay must not mutate the base properties")
	}
}

func TestBrokerErrorClassification(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"validation", NewValidationError("", "bad payload"), IsValidation},
		{"authorization", NewAuthorizationError("not yours"), IsAuthorization},
		{"conflict", NewConflictError(ErrCodeServiceLocked, "locked"), IsConflict},
		{"not found", NewNotFoundError("deployment", "d1"), IsNotFound},
		{"execution", NewExecutionFailure("", "submit failed", cause), IsExecutionFailure},
		{"saga", NewSagaFailure(ErrCodeSagaRetriesExhausted, "gave up"), IsSagaFailure},
		{"wrapped", fmt.Errorf("admit: %w", NewConflictError(ErrCodeOrderInProgress, "busy")), IsConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(tt.err) {
				t.Errorf("classification failed for %v", tt.err)
			}
		})
	}

	if IsPreAdmission(NewExecutionFailure("", "x", nil)) {
		t.Error("execution failures are not pre-admission")
	}
	if !IsPreAdmission(NewNotFoundError("order", "o1")) {
		t.Error("not found is pre-admission")
	}
	if IsValidation(cause) {
		t.Error("plain errors have no class")
	}
}

func TestBrokerErrorIs(t *testing.T) {
	err := fmt.Errorf("admission: %w", NewConflictError(ErrCodeServiceLocked, "destroy locked").WithResource("d1"))

	if !errors.Is(err, ErrServiceLocked) {
		t.Error("expected ErrServiceLocked to match")
	}
	if errors.Is(err, ErrOrderAlreadyInProgress) {
		t.Error("different code must not match")
	}
	if !errors.Is(NewNotFoundError("saga", "s1"), ErrNotFound) {
		t.Error("code-less target should match on class")
	}
	if CodeOf(err) != ErrCodeServiceLocked {
		t.Errorf("CodeOf = %s", CodeOf(err))
	}
	if CodeOf(errors.New("boom")) != ErrCodeInternal {
		t.Error("plain errors should map to INTERNAL_ERROR")
	}

	wrapped := NewExecutionFailure("", "submit failed", context.DeadlineExceeded)
	if !errors.Is(wrapped, context.DeadlineExceeded) {
		t.Error("cause should be reachable through Unwrap")
	}
}

func TestContextIdentity(t *testing.T) {
	id := ContextIdentity{}

	if _, err := id.CurrentUserID(context.Background()); !IsAuthorization(err) {
		t.Errorf("expected authorization error without a user, got %v", err)
	}

	ctx := WithUser(context.Background(), "alice", false)
	user, err := id.CurrentUserID(ctx)
	if err != nil || user != "alice" {
		t.Errorf("CurrentUserID = %q, %v", user, err)
	}
	if id.IsAdmin(ctx) {
		t.Error("alice is not an admin")
	}
	if !id.IsAdmin(WithUser(ctx, "ops", true)) {
		t.Error("ops should be an admin")
	}
}
