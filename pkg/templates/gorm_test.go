package templates

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/openfroyo/orderbroker/pkg/engine"
)

func setupGormRegistry(t *testing.T) *GormRegistry {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	// Ryuk needs a bridge network that rootless runtimes lack.
	t.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()
	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("catalog_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Skipf("container runtime unavailable: %v", err)
	}

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	r, err := OpenGorm(GormConfig{DSN: dsn, MaxOpenConns: 4, AutoMigrate: true})
	if err != nil {
		t.Fatalf("OpenGorm failed: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestGormRegistry(t *testing.T) {
	r := setupGormRegistry(t)
	ctx := context.Background()

	kafka, err := r.Register(ctx, CatalogEntry{
		Name:         "kafka",
		Version:      "3.7.0",
		Csp:          engine.CspHuawei,
		Category:     "middleware",
		BillingModes: []string{"Fixed", "PayPerUse"},
	}, map[string]any{"ocl": "kafka.yaml"})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if kafka.ID == "" || !kafka.Available {
		t.Errorf("unexpected registered template: %+v", kafka)
	}

	if _, err := r.Register(ctx, CatalogEntry{
		Name: "kafka", Version: "3.7.0", Csp: engine.CspHuawei, HostingType: "managed",
	}, nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	t.Run("exact hosting wins", func(t *testing.T) {
		meta, err := r.Validate(ctx, "kafka", "3.7.0", engine.CspHuawei, "managed")
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if meta.HostingType != "managed" {
			t.Errorf("expected managed template, got %+v", meta)
		}
	})

	t.Run("undeclared hosting is a fallback", func(t *testing.T) {
		meta, err := r.Validate(ctx, "kafka", "3.7.0", engine.CspHuawei, "self")
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if meta.ID != kafka.ID || !meta.SupportsBillingMode("PayPerUse") {
			t.Errorf("unexpected metadata: %+v", meta)
		}
	})

	t.Run("unknown template", func(t *testing.T) {
		if _, err := r.Validate(ctx, "kafka", "9.9.9", engine.CspHuawei, ""); !engine.IsNotFound(err) {
			t.Errorf("expected NotFound, got %v", err)
		}
	})

	t.Run("withdraw and re-register", func(t *testing.T) {
		if err := r.SetAvailable(ctx, kafka.ID, false); err != nil {
			t.Fatalf("SetAvailable failed: %v", err)
		}
		meta, err := r.Validate(ctx, "kafka", "3.7.0", engine.CspHuawei, "self")
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if meta.Available {
			t.Error("expected template to be withdrawn")
		}

		again, err := r.Register(ctx, CatalogEntry{Name: "kafka", Version: "3.7.0", Csp: engine.CspHuawei}, nil)
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if again.ID != kafka.ID || !again.Available {
			t.Errorf("expected the existing row to be republished, got %+v", again)
		}
	})

	t.Run("remove", func(t *testing.T) {
		if err := r.Remove(ctx, kafka.ID); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
		if _, err := r.Validate(ctx, "kafka", "3.7.0", engine.CspHuawei, "self"); !engine.IsNotFound(err) {
			t.Errorf("expected removed template to be gone, got %v", err)
		}
		if err := r.Remove(ctx, kafka.ID); !engine.IsNotFound(err) {
			t.Errorf("expected NotFound on second remove, got %v", err)
		}
		if err := r.SetAvailable(ctx, "missing", true); !engine.IsNotFound(err) {
			t.Errorf("expected NotFound, got %v", err)
		}
	})
}
