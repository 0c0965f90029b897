// Package store is the persistence gateway (§4.1): short-lived
// transactional scopes over builds/artifacts, schema/index bootstrap,
// and the materialized-view-equivalent summary tables refreshed at
// run completion.
package store

import (
	"context"

	"kiln/pkg/model"
)

// Store is the persistence contract the engine depends on. SQLiteStore
// is the only implementation; the interface exists so tests can stub
// it and so the engine package stays free of database/sql.
type Store interface {
	Migrate(ctx context.Context) error
	Close() error

	// InsertQueued writes the builds row created at queue time.
	InsertQueued(ctx context.Context, b *model.BuildRecord) error

	// MarkStarted sets node/started_at on an existing row.
	MarkStarted(ctx context.Context, name string, number int, node string, startedAt int64) error

	// Complete writes the terminal state of a build, streams artifact
	// rows, and refreshes the six view_* summary tables, all within
	// one transaction (§4.5 step 2).
	Complete(ctx context.Context, b *model.BuildRecord, artifacts []model.Artifact) error

	// LastResult returns the most recently completed result for a
	// job, or ResultUnknown if there is none.
	LastResult(ctx context.Context, name string) (model.Result, error)

	// LastRunDuration returns the duration (seconds) of the most
	// recently completed build of name, or 0 if unknown.
	LastRunDuration(ctx context.Context, name string) (float64, error)

	// MaxBuildNumber returns the highest persisted build number for
	// name, 0 if none exist — used to seed buildNums on startup.
	MaxBuildNumber(ctx context.Context, name string) (int, error)

	// GetBuild fetches one build row.
	GetBuild(ctx context.Context, name string, number int) (*model.BuildRecord, error)

	// RecentCompleted returns up to limit most-recently-completed
	// builds for name, ordered per the JOB-scope sort rule.
	RecentCompleted(ctx context.Context, name, sortField, sortOrder string, limit, offset int) ([]*model.BuildRecord, error)

	// CountCompleted returns the total completed-build count for name
	// (used to paginate JOB scope).
	CountCompleted(ctx context.Context, name string) (int, error)

	// CompletedCounts returns the total completed-build count for
	// every job that has at least one, keyed by job name (HOME scope
	// "completedCounts").
	CompletedCounts(ctx context.Context) (map[string]int, error)

	// AverageRuntime returns the mean completed-run duration in
	// seconds for name.
	AverageRuntime(ctx context.Context, name string) (float64, error)

	// LastSuccessAndFailed returns the most recent SUCCESS and FAILED
	// builds for name (either may be nil).
	LastSuccessAndFailed(ctx context.Context, name string) (*model.BuildRecord, *model.BuildRecord, error)

	// LatestPerJob returns the most recent build row for every job
	// that has at least one persisted build (ALL scope).
	LatestPerJob(ctx context.Context) ([]*model.BuildRecord, error)

	// RecentGlobal returns the limit most recently completed builds
	// across all jobs (HOME scope "recent").
	RecentGlobal(ctx context.Context, limit int) ([]*model.BuildRecord, error)

	// Artifacts returns the persisted artifact rows for one build.
	Artifacts(ctx context.Context, name string, number int) ([]model.Artifact, error)

	// Views returns the current contents of the six summary tables,
	// used to answer the HOME-scope dashboard fields.
	Views(ctx context.Context) (*ViewSnapshot, error)
}

// ViewSnapshot is the combined contents of the view_* summary tables.
type ViewSnapshot struct {
	BuildsPerDay     []DayCount
	BuildTimeChanges []NameDurationDelta
	LowPassRates     []NameRate
	TimePerJob       []NameDuration
	ResultChanged    []ResultChange
	BuildsPerJob     []NameCount
}

type DayCount struct {
	Day   string
	Count int
}

type NameDurationDelta struct {
	Name         string
	PrevDuration int64
	LastDuration int64
}

type NameRate struct {
	Name     string
	PassRate float64
}

type NameDuration struct {
	Name           string
	AverageSeconds float64
}

type NameCount struct {
	Name  string
	Count int
}

type ResultChange struct {
	Name               string
	LastSuccessNumber  int
	LastSuccessStarted int64
	LastFailedNumber   int
	LastFailedStarted  int64
}
