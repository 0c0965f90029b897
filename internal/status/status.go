// Package status is the status aggregator (§4.6): produces JSON
// snapshots for the RUN, JOB, ALL and HOME scope levels, grounded on
// laminar.cpp's Laminar::getStatus field-by-field.
package status

import (
	"context"
	"fmt"
	"time"

	"kiln/internal/store"
	"kiln/pkg/model"
)

// Scope selects which status document to produce.
type Scope struct {
	Type  ScopeType
	Job   string
	Num   int
	Page  int
	Field string // JOB scope sort field: number, result, started, duration
	Desc  bool   // JOB scope sort order; default true (descending)
}

type ScopeType string

const (
	ScopeRun  ScopeType = "RUN"
	ScopeJob  ScopeType = "JOB"
	ScopeAll  ScopeType = "ALL"
	ScopeHome ScopeType = "HOME"
)

const runsPerPage = 20

// Document is the top-level envelope every scope returns.
type Document struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Version string `json:"version"`
	Time    int64  `json:"time"`
	Data    any    `json:"data"`
}

// QueueView is the minimal view of in-memory queue/active state the
// aggregator needs; internal/engine supplies this without status
// importing the engine package back.
type QueueView interface {
	Queued() []*model.Run
	Active() []*model.Run
	BuildNum(name string) int
	ExecutorTotals() (total, busy int)
	Description(job string) string
	Groups() model.Groups
}

// Aggregator produces status documents.
type Aggregator struct {
	store   store.Store
	title   string
	version string
}

// New returns an Aggregator. title is the LAMINAR_TITLE-equivalent
// document title (Settings.Title); version is a free-form build tag.
func New(st store.Store, title, version string) *Aggregator {
	return &Aggregator{store: st, title: title, version: version}
}

func (a *Aggregator) envelope(data any) *Document {
	return &Document{Type: "status", Title: a.title, Version: a.version, Time: time.Now().Unix(), Data: data}
}

// RunData is the RUN-scope document body.
type RunData struct {
	Queued    int64               `json:"queued"`
	Started   int64               `json:"started"`
	Completed int64               `json:"completed,omitempty"`
	Result    string              `json:"result"`
	Reason    string              `json:"reason"`
	Upstream  UpstreamRef         `json:"upstream"`
	ETC       int64               `json:"etc,omitempty"`
	LatestNum int                 `json:"latestNum"`
	Artifacts []model.ArtifactView `json:"artifacts"`
}

type UpstreamRef struct {
	Name string `json:"name"`
	Num  int    `json:"num"`
}

// Run produces the RUN-scope document for (job, build). archiveArtifacts
// lists the disk-resident artifacts for a still-running build (status
// aggregator reads from disk while running, from the DB once complete,
// per §4.6).
func (a *Aggregator) Run(ctx context.Context, qv QueueView, job string, build int, archiveArtifacts func() []model.ArtifactView, artifactURL func(model.Artifact) string) (*Document, error) {
	b, err := a.store.GetBuild(ctx, job, build)
	if err != nil {
		return nil, fmt.Errorf("get build: %w", err)
	}
	if b == nil {
		return nil, nil
	}

	data := RunData{
		Queued: b.QueuedAt,
		Reason: b.Reason,
		Upstream: UpstreamRef{
			Name: b.ParentJob,
			Num:  b.ParentBuild,
		},
		LatestNum: qv.BuildNum(job),
	}

	switch {
	case b.CompletedAt != 0:
		data.Started = b.StartedAt
		data.Completed = b.CompletedAt
		data.Result = b.Result
		artifacts, err := a.store.Artifacts(ctx, job, build)
		if err != nil {
			return nil, fmt.Errorf("artifacts: %w", err)
		}
		for _, art := range artifacts {
			data.Artifacts = append(data.Artifacts, model.ArtifactView{
				URL:      artifactURL(art),
				Filename: art.Filename,
				Size:     art.FileSize,
			})
		}
	case b.StartedAt != 0:
		data.Started = b.StartedAt
		data.Result = string(model.PhaseRunning)
		if archiveArtifacts != nil {
			data.Artifacts = archiveArtifacts()
		}
		if dur, err := a.store.LastRunDuration(ctx, job); err == nil && dur > 0 {
			data.ETC = b.StartedAt + int64(dur)
		}
	default:
		data.Result = string(model.PhaseQueued)
	}

	return a.envelope(data), nil
}

// JobRunRow is one row in JOB-scope "recent"/"running"/"queued" arrays.
type JobRunRow struct {
	Number   int    `json:"number"`
	Context  string `json:"context,omitempty"`
	Started  int64  `json:"started,omitempty"`
	Completed int64 `json:"completed,omitempty"`
	Result   string `json:"result"`
	Reason   string `json:"reason,omitempty"`
}

type buildMarker struct {
	Number  int    `json:"number"`
	Started int64  `json:"started"`
}

// JobData is the JOB-scope document body.
type JobData struct {
	Recent         []JobRunRow  `json:"recent"`
	Pages          int          `json:"pages"`
	AverageRuntime float64      `json:"averageRuntime"`
	Sort           JobSort      `json:"sort"`
	Running        []JobRunRow  `json:"running"`
	Queued         []JobRunRow  `json:"queued"`
	LastSuccess    *buildMarker `json:"lastSuccess,omitempty"`
	LastFailed     *buildMarker `json:"lastFailed,omitempty"`
	Description    string       `json:"description"`
}

type JobSort struct {
	Page  int    `json:"page"`
	Field string `json:"field"`
	Order string `json:"order"`
}

var validJobSortFields = map[string]bool{"number": true, "result": true, "started": true, "duration": true}

// Job produces the JOB-scope document.
func (a *Aggregator) Job(ctx context.Context, qv QueueView, job string, scope Scope) (*Document, error) {
	field := scope.Field
	order := "DESC"
	if !scope.Desc {
		order = "ASC"
	}
	if !validJobSortFields[field] {
		field, order = "number", "DESC"
	}

	builds, err := a.store.RecentCompleted(ctx, job, field, order, runsPerPage, scope.Page*runsPerPage)
	if err != nil {
		return nil, fmt.Errorf("recent completed: %w", err)
	}
	recent := make([]JobRunRow, 0, len(builds))
	for _, b := range builds {
		recent = append(recent, JobRunRow{
			Number: b.Number, Started: b.StartedAt, Completed: b.CompletedAt,
			Result: b.Result, Reason: b.Reason,
		})
	}

	count, err := a.store.CountCompleted(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("count completed: %w", err)
	}
	pages := 1
	if count > 0 {
		pages = (count-1)/runsPerPage + 1
	}

	avg, err := a.store.AverageRuntime(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("average runtime: %w", err)
	}

	data := JobData{
		Recent:         recent,
		Pages:          pages,
		AverageRuntime: avg,
		Sort:           JobSort{Page: scope.Page, Field: field, Order: lowerOrder(order)},
		Description:    qv.Description(job),
	}

	for _, r := range qv.Active() {
		if r.Name != job {
			continue
		}
		data.Running = append(data.Running, JobRunRow{
			Number: r.Build, Context: contextName(r), Started: r.StartedAt.Unix(),
			Result: string(model.PhaseRunning), Reason: r.Reason,
		})
	}
	for _, r := range qv.Queued() {
		if r.Name != job {
			continue
		}
		data.Queued = append(data.Queued, JobRunRow{Number: r.Build, Result: string(model.PhaseQueued), Reason: r.Reason})
	}

	success, failed, err := a.store.LastSuccessAndFailed(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("last success/failed: %w", err)
	}
	if success != nil {
		data.LastSuccess = &buildMarker{Number: success.Number, Started: success.StartedAt}
	}
	if failed != nil {
		data.LastFailed = &buildMarker{Number: failed.Number, Started: failed.StartedAt}
	}

	return a.envelope(data), nil
}

func lowerOrder(order string) string {
	if order == "ASC" {
		return "asc"
	}
	return "dsc"
}

// AllJobRow is one row in ALL-scope "jobs".
type AllJobRow struct {
	Name      string `json:"name"`
	Number    int    `json:"number"`
	Result    string `json:"result"`
	Started   int64  `json:"started"`
	Completed int64  `json:"completed"`
	Reason    string `json:"reason"`
}

// AllData is the ALL-scope document body.
type AllData struct {
	Jobs    []AllJobRow `json:"jobs"`
	Running []JobRunRow `json:"running"`
	Groups  model.Groups `json:"groups"`
}

// All produces the ALL-scope document.
func (a *Aggregator) All(ctx context.Context, qv QueueView) (*Document, error) {
	latest, err := a.store.LatestPerJob(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest per job: %w", err)
	}
	jobs := make([]AllJobRow, 0, len(latest))
	for _, b := range latest {
		jobs = append(jobs, AllJobRow{
			Name: b.Name, Number: b.Number, Result: b.Result,
			Started: b.StartedAt, Completed: b.CompletedAt, Reason: b.Reason,
		})
	}

	data := AllData{Jobs: jobs, Groups: qv.Groups()}
	for _, r := range qv.Active() {
		data.Running = append(data.Running, namedRunRow(r))
	}
	return a.envelope(data), nil
}

// HomeData is the HOME-scope document body.
type HomeData struct {
	Recent           []HomeRunRow            `json:"recent"`
	Running          []HomeRunRow            `json:"running"`
	Queued           []HomeRunRow            `json:"queued"`
	ExecutorsTotal   int                     `json:"executorsTotal"`
	ExecutorsBusy    int                     `json:"executorsBusy"`
	BuildsPerDay     [7]int                  `json:"buildsPerDay"`
	BuildsPerJob     map[string]int          `json:"buildsPerJob"`
	TimePerJob       map[string]float64      `json:"timePerJob"`
	ResultChanged    []store.ResultChange    `json:"resultChanged"`
	LowPassRates     []store.NameRate        `json:"lowPassRates"`
	BuildTimeChanges []store.NameDurationDelta `json:"buildTimeChanges"`
	CompletedCounts  map[string]int          `json:"completedCounts"`
}

type HomeRunRow struct {
	Name      string `json:"name"`
	Number    int    `json:"number"`
	Context   string `json:"context,omitempty"`
	Queued    int64  `json:"queued,omitempty"`
	Started   int64  `json:"started,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Result    string `json:"result,omitempty"`
	Reason    string `json:"reason,omitempty"`
	ETC       int64  `json:"etc,omitempty"`
}

// Home produces the HOME-scope document.
func (a *Aggregator) Home(ctx context.Context, qv QueueView) (*Document, error) {
	recentBuilds, err := a.store.RecentGlobal(ctx, runsPerPage)
	if err != nil {
		return nil, fmt.Errorf("recent global: %w", err)
	}
	recent := make([]HomeRunRow, 0, len(recentBuilds))
	for _, b := range recentBuilds {
		recent = append(recent, HomeRunRow{
			Name: b.Name, Number: b.Number, Context: b.Node,
			Queued: b.QueuedAt, Started: b.StartedAt, Completed: b.CompletedAt,
			Result: b.Result, Reason: b.Reason,
		})
	}

	data := HomeData{Recent: recent, BuildsPerJob: map[string]int{}, TimePerJob: map[string]float64{}}
	data.ExecutorsTotal, data.ExecutorsBusy = qv.ExecutorTotals()

	for _, r := range qv.Active() {
		row := HomeRunRow{Name: r.Name, Number: r.Build, Context: contextName(r), Started: r.StartedAt.Unix()}
		if dur, err := a.store.LastRunDuration(ctx, r.Name); err == nil && dur > 0 {
			row.ETC = r.StartedAt.Unix() + int64(dur)
		}
		data.Running = append(data.Running, row)
	}
	for _, r := range qv.Queued() {
		data.Queued = append(data.Queued, HomeRunRow{Name: r.Name, Number: r.Build, Result: string(model.PhaseQueued)})
	}

	views, err := a.store.Views(ctx)
	if err != nil {
		return nil, fmt.Errorf("views: %w", err)
	}
	data.BuildsPerDay = buildsPerDayBuckets(views.BuildsPerDay, time.Now().UTC())
	for _, c := range views.BuildsPerJob {
		data.BuildsPerJob[c.Name] = c.Count
	}
	for _, t := range views.TimePerJob {
		data.TimePerJob[t.Name] = t.AverageSeconds
	}
	data.ResultChanged = views.ResultChanged
	data.LowPassRates = views.LowPassRates
	data.BuildTimeChanges = views.BuildTimeChanges

	counts, err := a.store.CompletedCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("completed counts: %w", err)
	}
	data.CompletedCounts = counts

	return a.envelope(data), nil
}

// buildsPerDayBuckets zero-fills store.DayCount's sparse, unordered rows
// into the fixed 7-element window laminar.cpp emits: oldest day first,
// today (now) last. day strings must match SQLite's date(...,'unixepoch')
// format ("YYYY-MM-DD"), so the lookup key is computed the same way.
func buildsPerDayBuckets(rows []store.DayCount, now time.Time) [7]int {
	byDay := make(map[string]int, len(rows))
	for _, d := range rows {
		byDay[d.Day] = d.Count
	}

	var buckets [7]int
	for i := range buckets {
		day := now.AddDate(0, 0, -(6 - i)).Format("2006-01-02")
		buckets[i] = byDay[day]
	}
	return buckets
}

func namedRunRow(r *model.Run) JobRunRow {
	return JobRunRow{Number: r.Build, Context: contextName(r), Started: r.StartedAt.Unix(), Result: string(model.PhaseRunning), Reason: r.Reason}
}

func contextName(r *model.Run) string {
	if r.Context == nil {
		return ""
	}
	return r.Context.Name
}
