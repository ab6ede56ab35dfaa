package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/pullmend/pullmend/registry"
)

func setupTestStore(t *testing.T, ctx context.Context) (*Store, func()) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(4)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("ping db: %v", err)
	}

	store := NewStore(db)
	if err := store.ApplyMigrations(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("apply migrations: %v", err)
	}
	if err := resetDatabase(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("reset database: %v", err)
	}

	cleanup := func() {
		_ = resetDatabase(ctx, db)
		_ = db.Close()
	}
	return store, cleanup
}

func resetDatabase(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `
SELECT tablename
FROM pg_tables
WHERE schemaname = 'public'
  AND tablename <> 'schema_migrations'
`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(tables) == 0 {
		return nil
	}

	_, err = db.ExecContext(ctx, fmt.Sprintf("TRUNCATE %s", strings.Join(tables, ", ")))
	return err
}

func TestEnsureSessionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	first, err := store.EnsureSession(ctx, "sess_1", "acme/widgets", 7)
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if first.State != SessionStateOpen {
		t.Fatalf("new session should open in OPEN, got %s", first.State)
	}

	second, err := store.EnsureSession(ctx, "sess_2", "acme/widgets", 7)
	if err != nil {
		t.Fatalf("ensure session again: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("second ensure must return the existing session, got %s and %s", first.ID, second.ID)
	}
}

func TestTransitionSessionEnforcesStateMachine(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	if _, err := store.EnsureSession(ctx, "sess_1", "acme/widgets", 7); err != nil {
		t.Fatalf("ensure session: %v", err)
	}

	if err := store.TransitionSession(ctx, "acme/widgets", 7, SessionStateTriaged); err != nil {
		t.Fatalf("OPEN -> TRIAGED should be legal: %v", err)
	}

	err := store.TransitionSession(ctx, "acme/widgets", 7, SessionStateMerged)
	if !IsTransitionError(err) {
		t.Fatalf("TRIAGED -> MERGED should be rejected, got %v", err)
	}

	session, err := store.GetSession(ctx, "acme/widgets", 7)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.State != SessionStateTriaged {
		t.Fatalf("rejected transition must not persist, got %s", session.State)
	}

	if err := store.TransitionSession(ctx, "acme/widgets", 99, SessionStateTriaged); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown session should return ErrNotFound, got %v", err)
	}
}

func TestAttemptHistoryCounts(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	session, err := store.EnsureSession(ctx, "sess_1", "acme/widgets", 7)
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}

	for i, job := range []string{"unit-tests", "unit-tests", "lint"} {
		_, err := store.RecordJobAttempt(ctx, JobAttempt{
			ID:            fmt.Sprintf("att_%d", i),
			SessionID:     session.ID,
			RepoID:        "acme/widgets",
			PRNumber:      7,
			JobID:         int64(100 + i),
			JobName:       job,
			CorrelationID: "corr_1",
		})
		if err != nil {
			t.Fatalf("record attempt %d: %v", i, err)
		}
	}

	counts, err := store.CountAttempts(ctx, "acme/widgets", 7)
	if err != nil {
		t.Fatalf("count attempts: %v", err)
	}
	if counts.TotalAttempts != 3 {
		t.Fatalf("expected 3 total attempts, got %d", counts.TotalAttempts)
	}
	if counts.JobAttempts["unit-tests"] != 2 || counts.JobAttempts["lint"] != 1 {
		t.Fatalf("unexpected per-job counts: %+v", counts.JobAttempts)
	}
	if counts.MaxJobAttempts() != 2 {
		t.Fatalf("expected max per-job count 2, got %d", counts.MaxJobAttempts())
	}

	other, err := store.CountAttempts(ctx, "acme/widgets", 8)
	if err != nil {
		t.Fatalf("count attempts for untouched pr: %v", err)
	}
	if other.TotalAttempts != 0 {
		t.Fatalf("untouched pr should have zero attempts, got %d", other.TotalAttempts)
	}
}

func TestFailureSignalHistory(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	for i, fp := range []string{"fp-a", "fp-a", "fp-b"} {
		_, err := store.RecordFailureSignal(ctx, FailureSignal{
			ID:          fmt.Sprintf("sig_%d", i),
			RepoID:      "acme/widgets",
			PRNumber:    7,
			HeadSHA:     "abc123",
			CheckName:   "unit-tests",
			Fingerprint: fp,
		})
		if err != nil {
			t.Fatalf("record signal %d: %v", i, err)
		}
	}

	signals, err := store.RecentFailureSignals(ctx, "acme/widgets", 7, 10)
	if err != nil {
		t.Fatalf("recent signals: %v", err)
	}
	if len(signals) != 3 {
		t.Fatalf("expected 3 signals, got %d", len(signals))
	}

	first, err := store.FirstSignalAt(ctx, "acme/widgets", 7, "fp-a")
	if err != nil {
		t.Fatalf("first signal at: %v", err)
	}
	if first.IsZero() {
		t.Fatal("first observation must have a timestamp")
	}

	if _, err := store.FirstSignalAt(ctx, "acme/widgets", 7, "fp-unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown fingerprint should return ErrNotFound, got %v", err)
	}
}

func TestInsertTriggerDeduplicates(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	trigger := Trigger{
		ID:        "trg_1",
		EventKey:  "evt-key-1",
		EventType: "check_suite",
		RepoID:    "acme/widgets",
		PRNumber:  7,
		HeadSHA:   "abc123",
	}
	created, err := store.InsertTrigger(ctx, trigger)
	if err != nil {
		t.Fatalf("insert trigger: %v", err)
	}
	if !created {
		t.Fatal("first insert should create the trigger")
	}

	trigger.ID = "trg_2"
	created, err = store.InsertTrigger(ctx, trigger)
	if err != nil {
		t.Fatalf("redelivery insert: %v", err)
	}
	if created {
		t.Fatal("redelivery with the same event key must not create a second trigger")
	}
}

func TestRegistryUpsertAndLookup(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	reg := NewActionRegistry(store)

	_, err := reg.Lookup(ctx, "acme/widgets", registry.ActionRerunFailedJobs)
	if !registry.IsNoRegistry(err) {
		t.Fatalf("missing entry should return ErrNoRegistry, got %v", err)
	}

	maxRetries := 4
	entry := registry.Entry{
		RegistryID: "reg_1",
		Version:    2,
		Enabled:    true,
		MaxRetries: &maxRetries,
	}
	if err := store.UpsertRegistryEntry(ctx, "acme/widgets", registry.ActionRerunFailedJobs, entry); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := reg.Lookup(ctx, "acme/widgets", registry.ActionRerunFailedJobs)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !got.Enabled || got.Version != 2 || got.MaxRetries == nil || *got.MaxRetries != 4 {
		t.Fatalf("unexpected entry: %+v", got)
	}

	entry.Enabled = false
	if err := store.UpsertRegistryEntry(ctx, "acme/widgets", registry.ActionRerunFailedJobs, entry); err != nil {
		t.Fatalf("upsert disable: %v", err)
	}
	got, err = reg.Lookup(ctx, "acme/widgets", registry.ActionRerunFailedJobs)
	if err != nil {
		t.Fatalf("lookup after disable: %v", err)
	}
	if got.Enabled {
		t.Fatal("disable must persist")
	}
}
