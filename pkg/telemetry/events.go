package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a lifecycle event in the order broker.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies the component that emitted the event.
	Source string `json:"source"`

	OrderID      string `json:"order_id,omitempty"`
	DeploymentID string `json:"deployment_id,omitempty"`
	SagaID       string `json:"saga_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for broker events.
const (
	EventTypeOrderAdmitted          = "order.admitted"
	EventTypeOrderCompleted         = "order.completed"
	EventTypeCallbackIgnored        = "order.callback_ignored"
	EventTypeDeploymentStateChanged = "deployment.state_changed"
	EventTypeSagaStepCompleted      = "saga.step_completed"
	EventTypeSagaAwaitingDecision   = "saga.awaiting_decision"
	EventTypeSagaCompleted          = "saga.completed"
	EventTypePolicyViolation        = "policy.violation"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishOrderAdmitted publishes an order admission event.
func (ep *EventPublisher) PublishOrderAdmitted(orderID, deploymentID, taskType string) error {
	return ep.Publish(Event{
		Type:         EventTypeOrderAdmitted,
		Source:       "dispatcher",
		OrderID:      orderID,
		DeploymentID: deploymentID,
		Message:      fmt.Sprintf("Order %s admitted: %s on deployment %s", orderID, taskType, deploymentID),
		Level:        EventLevelInfo,
		Data: map[string]interface{}{
			"task_type": taskType,
		},
	})
}

// PublishOrderCompleted publishes an order reaching a terminal status.
// Saga children carry their parent order in Data["parent_order_id"].
func (ep *EventPublisher) PublishOrderCompleted(orderID, deploymentID, parentOrderID, status string) error {
	level := EventLevelInfo
	if status != "SUCCESSFUL" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:         EventTypeOrderCompleted,
		Source:       "callback",
		OrderID:      orderID,
		DeploymentID: deploymentID,
		Message:      fmt.Sprintf("Order %s completed with status: %s", orderID, status),
		Level:        level,
		Data: map[string]interface{}{
			"status":          status,
			"parent_order_id": parentOrderID,
		},
	})
}

// PublishCallbackIgnored publishes a late or duplicate result that changed nothing.
func (ep *EventPublisher) PublishCallbackIgnored(orderID, source, status string) error {
	return ep.Publish(Event{
		Type:    EventTypeCallbackIgnored,
		Source:  "callback",
		OrderID: orderID,
		Message: fmt.Sprintf("Result for order %s ignored, order already %s", orderID, status),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"result_source": source,
			"status":        status,
		},
	})
}

// PublishDeploymentStateChanged publishes a deployment state change event.
func (ep *EventPublisher) PublishDeploymentStateChanged(deploymentID, orderID, oldState, newState string) error {
	return ep.Publish(Event{
		Type:         EventTypeDeploymentStateChanged,
		Source:       "callback",
		OrderID:      orderID,
		DeploymentID: deploymentID,
		Message:      fmt.Sprintf("Deployment %s state changed from %s to %s", deploymentID, oldState, newState),
		Level:        EventLevelInfo,
		Data: map[string]interface{}{
			"old_state": oldState,
			"new_state": newState,
		},
	})
}

// PublishSagaStepCompleted publishes the outcome of one saga step.
func (ep *EventPublisher) PublishSagaStepCompleted(sagaID, parentOrderID, step, outcome string) error {
	return ep.Publish(Event{
		Type:    EventTypeSagaStepCompleted,
		Source:  "saga",
		SagaID:  sagaID,
		OrderID: parentOrderID,
		Message: fmt.Sprintf("Saga %s step %s finished: %s", sagaID, step, outcome),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"step":    step,
			"outcome": outcome,
		},
	})
}

// PublishSagaAwaitingDecision publishes a saga that exhausted its retries.
func (ep *EventPublisher) PublishSagaAwaitingDecision(sagaID, parentOrderID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeSagaAwaitingDecision,
		Source:  "saga",
		SagaID:  sagaID,
		OrderID: parentOrderID,
		Message: fmt.Sprintf("Saga %s needs an operator decision: %s", sagaID, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishSagaCompleted publishes a saga reaching a final status.
func (ep *EventPublisher) PublishSagaCompleted(sagaID, parentOrderID, status string) error {
	return ep.Publish(Event{
		Type:    EventTypeSagaCompleted,
		Source:  "saga",
		SagaID:  sagaID,
		OrderID: parentOrderID,
		Message: fmt.Sprintf("Saga %s finished with status: %s", sagaID, status),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"status": status,
		},
	})
}

// PublishPolicyViolation publishes an admission policy denial.
func (ep *EventPublisher) PublishPolicyViolation(deploymentID, operation, reason string) error {
	return ep.Publish(Event{
		Type:         EventTypePolicyViolation,
		Source:       "policy",
		DeploymentID: deploymentID,
		Message:      fmt.Sprintf("Policy denied %s: %s", operation, reason),
		Level:        EventLevelWarning,
		Data: map[string]interface{}{
			"operation": operation,
			"reason":    reason,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents drains the buffer, flushing when a batch fills or the
// flush interval elapses.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
		drain:
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				ep.flushBatch(batch)
			}
			return
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers. Async publishers call
// subscribers on their own goroutines; synchronous ones call them inline.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		if ep.config.EnableAsync {
			go entry.subscriber(event)
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByOrderID creates a filter that only allows events for one order.
func FilterByOrderID(orderID string) EventFilter {
	return func(event Event) bool {
		return event.OrderID == orderID
	}
}

// FilterByDeploymentID creates a filter that only allows events for one deployment.
func FilterByDeploymentID(deploymentID string) EventFilter {
	return func(event Event) bool {
		return event.DeploymentID == deploymentID
	}
}
