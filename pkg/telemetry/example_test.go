package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/orderbroker/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	logger := telemetry.FromContext(ctx)
	logger.Info("Broker started")

	// Output varies, no output specified
}

// Example_orderInstrumentation demonstrates instrumenting an order admission.
func Example_orderInstrumentation() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Output = "stderr"
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	ctx = telemetry.WithOrderContext(ctx, "admit", "order-1", "DEPLOY")

	telemetry.FromContext(ctx).Debug("Admitting order")

	elapsed := telemetry.EndOrderContext(ctx, nil)
	fmt.Println(elapsed >= 0)
	// Output: true
}

// Example_deployerInstrumentation demonstrates wrapping a plugin call.
func Example_deployerInstrumentation() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Output = "stderr"
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	err := telemetry.RecordDeployerOperation(ctx, "HUAWEI", "submit", func(context.Context) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	})

	if err == nil {
		fmt.Println("Deployer call completed")
	}
	// Output: Deployer call completed
}

// Example_eventPublishing demonstrates synchronous publishing with a filter.
func Example_eventPublishing() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Output = "stderr"
	cfg.Events.EnableAsync = false

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("%s %s\n", event.Type, event.OrderID)
	}, telemetry.FilterByType(telemetry.EventTypeOrderCompleted))

	_ = tel.Events.PublishOrderAdmitted("order-1", "dep-1", "DEPLOY")
	_ = tel.Events.PublishOrderCompleted("order-1", "dep-1", "", "SUCCESSFUL")
	// Output: order.completed order-1
}

// Example_instrumentedOperation demonstrates using the InstrumentedContext helper.
func Example_instrumentedOperation() {
	cfg := telemetry.DevelopmentConfig()
	cfg.Tracing.Exporter = "none"
	cfg.Logging.Output = "stderr"
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	ic := telemetry.StartOperation(ctx, "reconcile_stale",
		attribute.Int("batch.size", 50),
	)
	defer ic.End(nil)

	ic.Logger.Info("Reconciling stale orders")

	fmt.Println("Operation instrumentation complete")
	// Output: Operation instrumentation complete
}

// Example_productionConfiguration demonstrates production-ready configuration.
func Example_productionConfiguration() {
	cfg := telemetry.ProductionConfig()
	cfg.ServiceVersion = "1.2.3"
	cfg.Tracing.Endpoint = "otel-collector.monitoring.svc.cluster.local:4317"
	cfg.Metrics.Namespace = "broker"
	cfg.Events.BufferSize = 10000

	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	fmt.Println("Production configuration validated")
	// Output: Production configuration validated
}
