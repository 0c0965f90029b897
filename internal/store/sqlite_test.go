package store

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"kiln/pkg/model"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestMigrateIsIdempotent(t *testing.T) {
	st := testStore(t)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestInsertQueuedMarkStartedComplete(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	b := &model.BuildRecord{Name: "build-foo", Number: 1, GUID: "g-1", QueuedAt: 100, Reason: "triggered"}
	if err := st.InsertQueued(ctx, b); err != nil {
		t.Fatalf("insert queued: %v", err)
	}

	if err := st.MarkStarted(ctx, "build-foo", 1, "default", 110); err != nil {
		t.Fatalf("mark started: %v", err)
	}

	got, err := st.GetBuild(ctx, "build-foo", 1)
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if got == nil || got.StartedAt != 110 {
		t.Fatalf("expected started_at=110, got %+v", got)
	}

	b.StartedAt = 110
	b.CompletedAt = 130
	b.Result = string(model.ResultSuccess)
	b.Output = []byte("log output")
	b.OutputLen = int64(len(b.Output))

	artifacts := []model.Artifact{
		{Name: "build-foo", Build: 1, Filename: "out.tar.gz", FileSize: 42},
	}
	if err := st.Complete(ctx, b, artifacts); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err = st.GetBuild(ctx, "build-foo", 1)
	if err != nil {
		t.Fatalf("get build after complete: %v", err)
	}
	if got.Result != string(model.ResultSuccess) {
		t.Fatalf("expected result SUCCESS, got %q", got.Result)
	}
	if got.CompletedAt != 130 {
		t.Fatalf("expected completed_at=130, got %d", got.CompletedAt)
	}

	gotArtifacts, err := st.Artifacts(ctx, "build-foo", 1)
	if err != nil {
		t.Fatalf("artifacts: %v", err)
	}
	if len(gotArtifacts) != 1 || gotArtifacts[0].Filename != "out.tar.gz" {
		t.Fatalf("expected one artifact out.tar.gz, got %+v", gotArtifacts)
	}

	result, err := st.LastResult(ctx, "build-foo")
	if err != nil {
		t.Fatalf("last result: %v", err)
	}
	if result != model.ResultSuccess {
		t.Fatalf("expected ResultSuccess, got %v", result)
	}

	maxNum, err := st.MaxBuildNumber(ctx, "build-foo")
	if err != nil {
		t.Fatalf("max build number: %v", err)
	}
	if maxNum != 1 {
		t.Fatalf("expected max build number 1, got %d", maxNum)
	}
}

func TestLastResultUnknownForUnseenJob(t *testing.T) {
	st := testStore(t)
	result, err := st.LastResult(context.Background(), "no-such-job")
	if err != nil {
		t.Fatalf("last result: %v", err)
	}
	if result != model.ResultUnknown {
		t.Fatalf("expected ResultUnknown, got %v", result)
	}
}

func completeBuild(t *testing.T, st *SQLiteStore, name string, number int, queuedAt, startedAt, completedAt int64, result model.Result) {
	t.Helper()
	ctx := context.Background()
	b := &model.BuildRecord{Name: name, Number: number, GUID: "g", QueuedAt: queuedAt}
	if err := st.InsertQueued(ctx, b); err != nil {
		t.Fatalf("insert queued: %v", err)
	}
	if err := st.MarkStarted(ctx, name, number, "default", startedAt); err != nil {
		t.Fatalf("mark started: %v", err)
	}
	b.StartedAt = startedAt
	b.CompletedAt = completedAt
	b.Result = string(result)
	if err := st.Complete(ctx, b, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestViewsRefreshOnCompletion(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	completeBuild(t, st, "build-foo", 1, 0, 0, 10, model.ResultSuccess)
	completeBuild(t, st, "build-foo", 2, 20, 20, 25, model.ResultFailed)

	snap, err := st.Views(ctx)
	if err != nil {
		t.Fatalf("views: %v", err)
	}

	found := false
	for _, rc := range snap.ResultChanged {
		if rc.Name == "build-foo" {
			found = true
			if rc.LastSuccessNumber != 1 || rc.LastFailedNumber != 2 {
				t.Fatalf("unexpected result change row: %+v", rc)
			}
		}
	}
	if !found {
		t.Fatalf("expected build-foo in view_result_changed, got %+v", snap.ResultChanged)
	}

	foundRate := false
	for _, r := range snap.LowPassRates {
		if r.Name == "build-foo" {
			foundRate = true
			if r.PassRate != 0.5 {
				t.Fatalf("expected pass rate 0.5, got %v", r.PassRate)
			}
		}
	}
	if !foundRate {
		t.Fatalf("expected build-foo in view_low_pass_rates, got %+v", snap.LowPassRates)
	}
}

func TestRecentCompletedSortsAndPaginates(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	completeBuild(t, st, "build-foo", 1, 0, 0, 10, model.ResultSuccess)
	completeBuild(t, st, "build-foo", 2, 20, 20, 35, model.ResultSuccess)
	completeBuild(t, st, "build-foo", 3, 40, 40, 45, model.ResultFailed)

	builds, err := st.RecentCompleted(ctx, "build-foo", "number", "DESC", 2, 0)
	if err != nil {
		t.Fatalf("recent completed: %v", err)
	}
	if len(builds) != 2 || builds[0].Number != 3 || builds[1].Number != 2 {
		t.Fatalf("unexpected order/page: %+v", builds)
	}

	count, err := st.CountCompleted(ctx, "build-foo")
	if err != nil {
		t.Fatalf("count completed: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 completed builds, got %d", count)
	}
}

func TestCompletedCountsGroupsAllJobs(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	completeBuild(t, st, "build-foo", 1, 0, 0, 10, model.ResultSuccess)
	completeBuild(t, st, "build-foo", 2, 20, 20, 35, model.ResultFailed)
	completeBuild(t, st, "build-bar", 1, 5, 5, 15, model.ResultSuccess)

	counts, err := st.CompletedCounts(ctx)
	if err != nil {
		t.Fatalf("completed counts: %v", err)
	}
	if counts["build-foo"] != 2 || counts["build-bar"] != 1 {
		t.Fatalf("counts = %+v, want build-foo:2 build-bar:1", counts)
	}
}

func TestLatestPerJobAndRecentGlobal(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	completeBuild(t, st, "build-foo", 1, 0, 0, 10, model.ResultSuccess)
	completeBuild(t, st, "build-bar", 1, 5, 5, 15, model.ResultFailed)

	latest, err := st.LatestPerJob(ctx)
	if err != nil {
		t.Fatalf("latest per job: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(latest))
	}

	recent, err := st.RecentGlobal(ctx, 10)
	if err != nil {
		t.Fatalf("recent global: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 recent builds, got %d", len(recent))
	}
}
