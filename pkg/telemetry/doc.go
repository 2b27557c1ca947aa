// Package telemetry provides observability instrumentation for the order broker.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and an in-process event publisher.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("dispatcher")
//	logger.WithOrderID(orderID).WithDeploymentID(deploymentID).Info("order admitted")
//
// # Metrics
//
// Metrics live in a private registry and are served by the API router at
// MetricsConfig.Path. Key series:
//
//   - broker_orders_admitted_total{task_type}
//   - broker_orders_rejected_total{task_type,code}
//   - broker_orders_completed_total{task_type,status}
//   - broker_callbacks_total{outcome}
//   - broker_saga_steps_total{kind,step,outcome}
//   - broker_saga_failed_tasks
//   - broker_longpoll_waits_total{kind,outcome}
//
// # Events
//
// The publisher fans lifecycle events out to in-process subscribers. The
// saga worker subscribes to order.completed so a finished child order
// advances its saga without waiting for the next poll:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    wake(e.Data["parent_order_id"])
//	}, telemetry.FilterByType(telemetry.EventTypeOrderCompleted))
//
// Async publishers buffer events and flush them when a batch fills or every
// FlushInterval, whichever comes first.
//
// # Tracing
//
// Supported exporters are "otlp", "stdout" and "none". Tracing is disabled
// by default; DevelopmentConfig and ProductionConfig enable it.
package telemetry
