// Package executor implements the deployer plugin for external IaC executor
// services.
//
// The terraform-boot, terra-boot and tofu-maker services share one HTTP
// contract, so a single Plugin serves all of them and only the configured
// Identity changes the URL prefix. Submit returns once the executor accepted
// the request; the executor later posts a ResultPayload to
// {CallbackBaseURL}/webhook/{identity}/{orderId}.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openfroyo/orderbroker/pkg/engine"
	"github.com/openfroyo/orderbroker/pkg/telemetry"
)

// Config configures one executor plugin.
type Config struct {
	// Csp is the cloud provider this executor deploys to.
	Csp engine.Csp `yaml:"csp" validate:"required"`

	// Identity selects the executor service family.
	Identity Identity `yaml:"identity" validate:"required,oneof=terraform-boot terra-boot tofu-maker"`

	// BaseURL is the executor's root URL.
	BaseURL string `yaml:"baseURL" validate:"required,url"`

	// CallbackBaseURL is the broker's externally reachable root URL.
	CallbackBaseURL string `yaml:"callbackBaseURL" validate:"required,url"`

	// Timeout bounds a single HTTP exchange with the executor.
	Timeout time.Duration `yaml:"timeout"`

	// Token is sent as a bearer token when set.
	Token string `yaml:"token"`
}

// Plugin submits orders to an executor over HTTP.
type Plugin struct {
	cfg    Config
	client *http.Client
	logger *telemetry.Logger
}

// Option customizes a Plugin.
type Option func(*Plugin)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Plugin) { p.client = c }
}

// WithLogger sets the plugin logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(p *Plugin) { p.logger = l }
}

// New creates an executor plugin.
func New(cfg Config, opts ...Option) (*Plugin, error) {
	if cfg.Csp == "" {
		return nil, fmt.Errorf("csp is required")
	}
	if err := cfg.Identity.Validate(); err != nil {
		return nil, err
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("invalid executor base url %q", cfg.BaseURL)
	}
	if cfg.CallbackBaseURL == "" {
		return nil, fmt.Errorf("callback base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.CallbackBaseURL = strings.TrimRight(cfg.CallbackBaseURL, "/")

	p := &Plugin{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: telemetry.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithDeployer(string(cfg.Csp)).WithField("identity", cfg.Identity)
	return p, nil
}

// Csp implements engine.DeployerPlugin.
func (p *Plugin) Csp() engine.Csp {
	return p.cfg.Csp
}

// Identity returns the executor identity.
func (p *Plugin) Identity() Identity {
	return p.cfg.Identity
}

// CallbackURL returns the webhook the executor reports orderID to.
func (p *Plugin) CallbackURL(orderID string) string {
	return fmt.Sprintf("%s/webhook/%s/%s", p.cfg.CallbackBaseURL, p.cfg.Identity, url.PathEscape(orderID))
}

// Submit implements engine.DeployerPlugin.
func (p *Plugin) Submit(ctx context.Context, task *engine.DeployTask) error {
	op, err := OperationFor(task.TaskType)
	if err != nil {
		return err
	}
	vars, err := variablesOf(task.Request)
	if err != nil {
		return err
	}

	req := &SubmitRequest{
		RequestID:      task.OrderID,
		DeploymentID:   task.DeploymentID,
		TaskType:       string(task.TaskType),
		Template:       task.Template.Name + "@" + task.Template.Version,
		Region:         task.Template.Region,
		Variables:      vars,
		TerraformState: stateOf(task.Snapshot),
		CallbackURL:    p.CallbackURL(task.OrderID),
	}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid executor request: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal executor request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/%s", p.cfg.BaseURL, p.cfg.Identity, op)
	resp, err := p.do(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("executor rejected %s: %s", op, describe(resp))
	}

	p.logger.WithOrderID(task.OrderID).
		WithDeploymentID(task.DeploymentID).
		WithField("operation", op).
		Debug("executor accepted request")
	return nil
}

// FetchResult implements engine.DeployerPlugin.
func (p *Plugin) FetchResult(ctx context.Context, orderID string) (*engine.CallbackResult, error) {
	endpoint := fmt.Sprintf("%s/%s/task/result/%s", p.cfg.BaseURL, p.cfg.Identity, url.PathEscape(orderID))
	resp, err := p.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, engine.NewNotFoundError("executor result", orderID)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("failed to fetch result of %s: %s", orderID, describe(resp))
	}

	var payload ResultPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode executor result: %w", err)
	}
	return payload.ToResult(orderID)
}

func (p *Plugin) do(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build executor request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach executor %s: %w", p.cfg.Identity, err)
	}
	return resp, nil
}

// describe renders a failed response for error messages.
func describe(resp *http.Response) string {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(snippet))
	if msg == "" {
		return resp.Status
	}
	return resp.Status + ": " + msg
}
