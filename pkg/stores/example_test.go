package stores_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/careflow/careflow/pkg/engine"
	"github.com/careflow/careflow/pkg/stores"
)

// ExampleSQLiteStore_CreateTask demonstrates persisting a task with its
// creation record and reading the audit trail back.
func ExampleSQLiteStore_CreateTask() {
	dir, err := os.MkdirTemp("", "careflow-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(dir, "careflow.db")})
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

	now := time.Now().UTC()
	task := &engine.Task{
		ID:                    "task-001",
		Status:                engine.TaskStatusInProgress,
		Rank:                  engine.TaskRankRoot,
		Name:                  "patient-intake",
		InstantiatesCanonical: "https://careflow.local/plans/patient-intake",
		AuthoredOn:            now,
		LastModified:          now,
	}
	record := &engine.Provenance{Target: task.ID, Activity: "basic-workflow-start", Recorded: now}

	if err := store.CreateTask(ctx, task, record); err != nil {
		log.Fatal(err)
	}

	history, err := store.ListProvenance(ctx, engine.ProvenanceQuery{Targets: []string{task.ID}})
	if err != nil {
		log.Fatal(err)
	}
	for _, r := range history {
		fmt.Println(r.Activity)
	}
	// Output: basic-workflow-start
}
