package task

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "ARGOS/internal/errors"
	"ARGOS/internal/storage/sqlstore"
	"ARGOS/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Discard()
	os.Exit(m.Run())
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type storeFactory func(t *testing.T, clock *fakeClock) Store

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(_ *testing.T, clock *fakeClock) Store {
			s := NewMemoryStore()
			s.now = clock.now
			return s
		},
		"sqlite": func(t *testing.T, clock *fakeClock) Store {
			db, err := sqlstore.Open(context.Background(), sqlstore.Config{
				Driver: sqlstore.DriverSQLite,
				DSN:    filepath.Join(t.TempDir(), "tasks.db"),
			})
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			s := NewSQLStore(db)
			s.now = clock.now
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func newTask(tic int64) *Task {
	return &Task{ID: IDForTIC(tic), TICID: tic, Status: StatusPending, MaxRetries: 2}
}

func TestStoreLifecycle(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
			store := factory(t, clock)
			ctx := context.Background()

			task := newTask(261155555)
			task.Metadata = map[string]any{"source": "cli"}
			if err := store.Create(ctx, task); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := store.Create(ctx, newTask(261155555)); !errors.Is(err, ErrTaskConflict) {
				t.Fatalf("expected conflict on duplicate create, got %v", err)
			}

			claimed, err := store.Claim(ctx, task.ID)
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if claimed.Status != StatusRunning || claimed.Attempts != 1 {
				t.Fatalf("unexpected claimed task: %+v", claimed)
			}
			if claimed.Metadata["source"] != "cli" {
				t.Fatalf("metadata lost: %+v", claimed.Metadata)
			}
			if _, err := store.Claim(ctx, task.ID); !errors.Is(err, ErrTaskConflict) {
				t.Fatalf("expected conflict while running, got %v", err)
			}

			// 非终态失败回到 pending，可再次领取。
			if err := store.MarkFailed(ctx, task.ID, apperrors.CodeUpstreamUnavailable, "503", false); err != nil {
				t.Fatalf("mark failed: %v", err)
			}
			pending, err := store.Get(ctx, task.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if pending.Status != StatusPending || pending.ErrorCode != string(apperrors.CodeUpstreamUnavailable) || pending.LastError != "503" {
				t.Fatalf("unexpected pending task: %+v", pending)
			}

			if _, err := store.Claim(ctx, task.ID); err != nil {
				t.Fatalf("second claim: %v", err)
			}
			if err := store.MarkFailed(ctx, task.ID, apperrors.CodeUpstreamUnavailable, "503", true); err != nil {
				t.Fatalf("terminal failure: %v", err)
			}
			if _, err := store.Claim(ctx, task.ID); !errors.Is(err, ErrTaskExhausted) {
				t.Fatalf("expected exhausted, got %v", err)
			}

			requeued, err := store.Requeue(ctx, task.ID, 3)
			if err != nil {
				t.Fatalf("requeue: %v", err)
			}
			if requeued.Status != StatusPending || requeued.Attempts != 0 || requeued.MaxRetries != 3 || requeued.LastError != "" {
				t.Fatalf("unexpected requeued task: %+v", requeued)
			}

			if _, err := store.Claim(ctx, task.ID); err != nil {
				t.Fatalf("claim after requeue: %v", err)
			}
			result := ExecutionResult{RunID: "run-1", Confidence: "HIGH", Period: 3.5, SDE: 18.2, Summary: "TIC 261155555 | HIGH"}
			if err := store.MarkSucceeded(ctx, task.ID, result); err != nil {
				t.Fatalf("mark succeeded: %v", err)
			}
			done, err := store.Get(ctx, task.ID)
			if err != nil {
				t.Fatalf("get done: %v", err)
			}
			if done.Status != StatusSucceeded || done.Result == nil || *done.Result != result {
				t.Fatalf("unexpected done task: %+v result=%+v", done, done.Result)
			}
			if _, err := store.Claim(ctx, task.ID); !errors.Is(err, ErrTaskCompleted) {
				t.Fatalf("expected completed, got %v", err)
			}
			if _, err := store.Get(ctx, "tic-1"); !errors.Is(err, ErrTaskNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
			if err := store.MarkSucceeded(ctx, "tic-1", result); !errors.Is(err, ErrTaskNotFound) {
				t.Fatalf("expected not found on mark, got %v", err)
			}
		})
	}
}

func TestStoreListAndStats(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
			store := factory(t, clock)
			ctx := context.Background()
			base := clock.t

			for _, tic := range []int64{1, 2, 3} {
				if err := store.Create(ctx, newTask(tic)); err != nil {
					t.Fatalf("create %d: %v", tic, err)
				}
				clock.advance(30 * time.Second)
			}
			if err := store.MarkFailed(ctx, IDForTIC(2), CodeTaskProcessing, "boom", true); err != nil {
				t.Fatalf("mark failed: %v", err)
			}
			clock.advance(30 * time.Second)
			skipped := ExecutionResult{Summary: "TIC 3 skipped: no light curve available", Skipped: true}
			if err := store.MarkSucceeded(ctx, IDForTIC(3), skipped); err != nil {
				t.Fatalf("mark succeeded: %v", err)
			}

			all, err := store.List(ctx, BuildListOptions())
			if err != nil {
				t.Fatalf("list all: %v", err)
			}
			if len(all) != 3 || all[0].ID != "tic-3" || all[2].ID != "tic-1" {
				t.Fatalf("unexpected order: %v", ids(all))
			}
			if !all[0].Result.Skipped {
				t.Fatalf("skipped flag lost: %+v", all[0].Result)
			}

			asc, err := store.List(ctx, BuildListOptions(WithSortOrder(SortByUpdatedAsc), WithLimit(2), WithOffset(1)))
			if err != nil {
				t.Fatalf("list asc: %v", err)
			}
			if got := ids(asc); len(got) != 2 || got[0] != "tic-2" || got[1] != "tic-3" {
				t.Fatalf("unexpected paged list: %v", got)
			}

			failed, err := store.List(ctx, BuildListOptions(WithStatuses(StatusFailed)))
			if err != nil {
				t.Fatalf("list failed: %v", err)
			}
			if len(failed) != 1 || failed[0].ID != "tic-2" {
				t.Fatalf("unexpected failed list: %v", ids(failed))
			}

			withResult, err := store.List(ctx, BuildListOptions(WithResultPresence(true)))
			if err != nil {
				t.Fatalf("list with result: %v", err)
			}
			if len(withResult) != 1 || withResult[0].ID != "tic-3" {
				t.Fatalf("unexpected result list: %v", ids(withResult))
			}

			recent, err := store.List(ctx, BuildListOptions(WithUpdatedSince(base.Add(45*time.Second))))
			if err != nil {
				t.Fatalf("list recent: %v", err)
			}
			if len(recent) != 2 {
				t.Fatalf("expected two recent tasks, got %v", ids(recent))
			}

			byTIC, err := store.List(ctx, BuildListOptions(WithTICs(1, 3)))
			if err != nil {
				t.Fatalf("list by tic: %v", err)
			}
			if len(byTIC) != 2 {
				t.Fatalf("expected two tasks by tic, got %v", ids(byTIC))
			}

			query, err := store.List(ctx, BuildListOptions(WithQuery("BOOM")))
			if err != nil {
				t.Fatalf("list query: %v", err)
			}
			if len(query) != 1 || query[0].ID != "tic-2" {
				t.Fatalf("unexpected query result: %v", ids(query))
			}

			stats, err := store.Stats(ctx, BuildListOptions())
			if err != nil {
				t.Fatalf("stats: %v", err)
			}
			want := TaskStats{
				Total:           3,
				Pending:         1,
				Succeeded:       1,
				Failed:          1,
				OldestUpdatedAt: base.Unix(),
				NewestUpdatedAt: base.Add(2 * time.Minute).Unix(),
			}
			if stats != want {
				t.Fatalf("unexpected stats: %+v, want %+v", stats, want)
			}

			failedOnly, err := store.Stats(ctx, BuildListOptions(WithStatuses(StatusFailed)))
			if err != nil {
				t.Fatalf("stats failed: %v", err)
			}
			if failedOnly.Total != 1 || failedOnly.Failed != 1 {
				t.Fatalf("unexpected failed stats: %+v", failedOnly)
			}
		})
	}
}

func TestTaskIDRoundTrip(t *testing.T) {
	id := IDForTIC(261155555)
	if id != "tic-261155555" {
		t.Fatalf("unexpected id: %s", id)
	}
	tic, err := TICFromID(id)
	if err != nil || tic != 261155555 {
		t.Fatalf("TICFromID(%q) = %d, %v", id, tic, err)
	}
	for _, bad := range []string{"261155555", "tic-", "tic-abc", "tic--5"} {
		if _, err := TICFromID(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func ids(tasks []*Task) []string {
	out := make([]string, len(tasks))
	for i, task := range tasks {
		out[i] = task.ID
	}
	return out
}
