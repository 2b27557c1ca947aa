package stores_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/openfroyo/orderbroker/pkg/engine"
	"github.com/openfroyo/orderbroker/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	dir, err := os.MkdirTemp("", "broker-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            filepath.Join(dir, "broker.db"),
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_CompleteOrder demonstrates that only the first result of an order is applied.
func ExampleSQLiteStore_CompleteOrder() {
	dir, _ := os.MkdirTemp("", "broker-example")
	defer os.RemoveAll(dir)

	store, _ := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(dir, "broker.db")})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	_, err := store.AdmitOrder(ctx, &stores.Admission{
		Order: &engine.Order{
			ID:           "order-1",
			DeploymentID: "dep-1",
			TaskType:     engine.TaskTypeDeploy,
			Status:       engine.TaskStatusCreated,
			Handler:      engine.HandlerDirect,
			UserID:       "user-1",
		},
		NewDeployment: &engine.Deployment{
			UserID:   "user-1",
			Template: engine.TemplateRef{Name: "kafka", Version: "1.0.0", Csp: engine.CspHuawei},
		},
		NextState: engine.StateDeploying,
		Slot:      "order-1",
	})
	if err != nil {
		log.Fatal(err)
	}

	first, _ := store.CompleteOrder(ctx, &stores.Completion{OrderID: "order-1", Success: true})
	second, _ := store.CompleteOrder(ctx, &stores.Completion{OrderID: "order-1", Success: false})

	fmt.Println(first.Outcome, first.Deployment.State)
	fmt.Println(second.Outcome, second.Order.Status)
	// Output:
	// applied DEPLOY_SUCCESS
	// noop SUCCESSFUL
}
