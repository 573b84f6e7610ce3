package service

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/dbtune/backend/internal/lifecycle"
	"github.com/dbtune/backend/internal/model"
	"github.com/dbtune/backend/internal/security"
	"github.com/dbtune/backend/internal/store"
	"github.com/dbtune/backend/internal/targetdb"
)

func initTestDB(t *testing.T) {
	t.Helper()
	if err := store.InitDB(filepath.Join(t.TempDir(), "dbtune.db")); err != nil {
		t.Fatalf("InitDB() error = %v", err)
	}
	t.Cleanup(func() {
		if err := store.CloseDB(); err != nil {
			t.Fatalf("CloseDB() error = %v", err)
		}
	})
}

// testEnv wires the full service stack over a temp control-plane database.
// The target-database pool opens an embedded sqlite file per profile instead
// of a real MySQL server.
type testEnv struct {
	connStore *store.ConnectionStore
	ksStore   *store.KillSwitchStore
	recStore  *store.RecommendationStore
	execStore *store.ExecutionStore

	cipher *security.CredentialCipher
	pool   *targetdb.Pool
	drain  *lifecycle.DrainManager

	killSwitch   *KillSwitchService
	conns        *ConnectionService
	recs         *RecommendationService
	executor     *ExecutorService
	orchestrator *OrchestratorService

	connID string
}

func newTestEnv(t *testing.T, interItemDelay time.Duration) *testEnv {
	t.Helper()
	initTestDB(t)
	t.Setenv(security.CredentialKeyEnv, "0123456789abcdef0123456789abcdef")

	cipher, err := security.NewCredentialCipherFromEnv()
	if err != nil {
		t.Fatalf("NewCredentialCipherFromEnv() error = %v", err)
	}

	env := &testEnv{
		connStore: store.NewConnectionStore(),
		ksStore:   store.NewKillSwitchStore(),
		recStore:  store.NewRecommendationStore(),
		execStore: store.NewExecutionStore(),
		cipher:    cipher,
		drain:     lifecycle.NewDrainManager(),
	}

	env.pool = targetdb.NewPool(env.connStore, cipher, 2)
	targetDir := t.TempDir()
	env.pool.SetOpenFunc(func(rec *store.ConnectionRecord, password string) (*sql.DB, error) {
		return sql.Open("sqlite3", filepath.Join(targetDir, "target-"+rec.ID+".db"))
	})
	t.Cleanup(env.pool.Close)

	ctx := context.Background()
	env.killSwitch, err = NewKillSwitchService(ctx, env.ksStore, env.connStore)
	if err != nil {
		t.Fatalf("NewKillSwitchService() error = %v", err)
	}
	env.conns = NewConnectionService(env.connStore, cipher, env.pool)
	env.recs = NewRecommendationService(env.recStore, env.connStore)
	env.executor = NewExecutorService(env.pool, env.recStore, 30*time.Second)
	env.orchestrator = NewOrchestratorService(env.killSwitch, env.recs, env.executor, env.execStore, env.drain, interItemDelay)

	conn, err := env.conns.Create(ctx, &model.CreateConnectionRequest{
		Name:     "prod-orders",
		Host:     "db.internal",
		Database: "orders",
		Username: "dbtune",
		Password: "hunter2",
	})
	if err != nil {
		t.Fatalf("Create connection error = %v", err)
	}
	env.connID = conn.ID
	return env
}

// targetDB returns the sqlite handle standing in for the target MySQL server.
func (env *testEnv) targetDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := env.pool.DB(context.Background(), env.connID)
	if err != nil {
		t.Fatalf("pool.DB() error = %v", err)
	}
	return db
}

func (env *testEnv) seedTargetTable(t *testing.T) {
	t.Helper()
	db := env.targetDB(t)
	if _, err := db.Exec("CREATE TABLE IF NOT EXISTS orders (id INTEGER PRIMARY KEY, customer_id INTEGER)"); err != nil {
		t.Fatalf("seed target table error = %v", err)
	}
}

// singleFixPack creates an approved pack whose recommendations each carry one
// single-statement fix.
func (env *testEnv) singleFixPack(t *testing.T, sqls ...string) *model.RecommendationPack {
	t.Helper()
	recs := make([]model.RawRecommendation, len(sqls))
	for i, stmt := range sqls {
		recs[i] = model.RawRecommendation{
			Type:        model.IssueMissingIndex,
			Description: "finding",
			Severity:    model.SeverityHigh,
			Table:       "orders",
			FixOptions:  []model.FixOption{{Title: "fix", SQL: stmt}},
		}
	}
	ctx := context.Background()
	pack, err := env.recs.CreatePack(ctx, &model.CreatePackRequest{
		ConnectionID:    env.connID,
		ScanRunID:       "scan-001",
		Recommendations: recs,
	})
	if err != nil {
		t.Fatalf("CreatePack() error = %v", err)
	}
	if _, err := env.recs.Approve(ctx, pack.ID); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	return pack
}

// waitRun polls until the run leaves the running state.
func (env *testEnv) waitRun(t *testing.T, runID string) *model.RunProgress {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		progress, err := env.orchestrator.Run(context.Background(), runID)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if progress.Status != model.RunStatusRunning {
			return progress
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish in time", runID)
	return nil
}

// waitPersisted polls until the execution record is written back with its
// final status, which happens after the in-memory run already reports done.
func (env *testEnv) waitPersisted(t *testing.T, runID string) *model.ExecutionRecord {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := env.execStore.Get(context.Background(), runID)
		if err != nil {
			t.Fatalf("execStore.Get() error = %v", err)
		}
		if rec != nil && rec.Status != model.RunStatusRunning {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s was not persisted in time", runID)
	return nil
}

// waitPackStatus polls until the pack bookkeeping after a batch lands.
func (env *testEnv) waitPackStatus(t *testing.T, packID string, want model.PackStatus) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		pack, err := env.recs.Get(context.Background(), packID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if pack.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	pack, _ := env.recs.Get(context.Background(), packID)
	t.Fatalf("pack %s status = %s, want %s", packID, pack.Status, want)
}
