package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"kiln/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

func (s *SQLiteStore) InsertQueued(ctx context.Context, b *model.BuildRecord) error {
	s.logger.Debug("sql", "op", "insert", "table", "builds", "name", b.Name, "number", b.Number)
	var parentJob, parentBuild any
	if b.ParentJob != "" {
		parentJob = b.ParentJob
		parentBuild = b.ParentBuild
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO builds (name, number, guid, queued_at, parent_job, parent_build, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.Name, b.Number, b.GUID, b.QueuedAt, parentJob, parentBuild, b.Reason,
	)
	return err
}

func (s *SQLiteStore) MarkStarted(ctx context.Context, name string, number int, node string, startedAt int64) error {
	s.logger.Debug("sql", "op", "update", "table", "builds", "name", name, "number", number)
	_, err := s.db.ExecContext(ctx,
		`UPDATE builds SET node = ?, started_at = ? WHERE name = ? AND number = ?`,
		node, startedAt, name, number,
	)
	return err
}

func (s *SQLiteStore) Complete(ctx context.Context, b *model.BuildRecord, artifacts []model.Artifact) error {
	s.logger.Debug("sql", "op", "complete", "name", b.Name, "number", b.Number)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE builds SET completed_at = ?, result = ?, output = ?, output_len = ? WHERE name = ? AND number = ?`,
		b.CompletedAt, b.Result, b.Output, b.OutputLen, b.Name, b.Number,
	); err != nil {
		return fmt.Errorf("update build: %w", err)
	}

	for _, a := range artifacts {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO artifacts (name, number, filename, filesize) VALUES (?, ?, ?, ?)`,
			a.Name, a.Build, a.Filename, a.FileSize,
		); err != nil {
			return fmt.Errorf("insert artifact %s: %w", a.Filename, err)
		}
	}

	if err := refreshViews(ctx, tx, b.Name); err != nil {
		return fmt.Errorf("refresh views: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) LastResult(ctx context.Context, name string) (model.Result, error) {
	var result sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM builds WHERE name = ? AND completed_at IS NOT NULL ORDER BY number DESC LIMIT 1`,
		name,
	).Scan(&result)
	if err == sql.ErrNoRows {
		return model.ResultUnknown, nil
	}
	if err != nil {
		return model.ResultUnknown, err
	}
	if !result.Valid || result.String == "" {
		return model.ResultUnknown, nil
	}
	return model.Result(result.String), nil
}

func (s *SQLiteStore) LastRunDuration(ctx context.Context, name string) (float64, error) {
	var started, completed sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT started_at, completed_at FROM builds WHERE name = ? AND completed_at IS NOT NULL ORDER BY number DESC LIMIT 1`,
		name,
	).Scan(&started, &completed)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !started.Valid || !completed.Valid {
		return 0, nil
	}
	return float64(completed.Int64 - started.Int64), nil
}

func (s *SQLiteStore) MaxBuildNumber(ctx context.Context, name string) (int, error) {
	var n sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(number) FROM builds WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return 0, err
	}
	return int(n.Int64), nil
}

func (s *SQLiteStore) GetBuild(ctx context.Context, name string, number int) (*model.BuildRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, number, guid, queued_at, started_at, completed_at, result,
		        COALESCE(parent_job,''), COALESCE(parent_build,0), COALESCE(node,''), reason,
		        output, output_len
		 FROM builds WHERE name = ? AND number = ?`,
		name, number,
	)
	b, err := scanBuild(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

func scanBuild(row *sql.Row) (*model.BuildRecord, error) {
	var b model.BuildRecord
	var started, completed sql.NullInt64
	var result sql.NullString
	if err := row.Scan(
		&b.Name, &b.Number, &b.GUID, &b.QueuedAt, &started, &completed, &result,
		&b.ParentJob, &b.ParentBuild, &b.Node, &b.Reason, &b.Output, &b.OutputLen,
	); err != nil {
		return nil, err
	}
	b.StartedAt = started.Int64
	b.CompletedAt = completed.Int64
	b.Result = result.String
	return &b, nil
}

var validSortFields = map[string]string{
	"number":   "number",
	"result":   "result",
	"started":  "started_at",
	"duration": "(completed_at - started_at)",
}

func (s *SQLiteStore) RecentCompleted(ctx context.Context, name, sortField, sortOrder string, limit, offset int) ([]*model.BuildRecord, error) {
	col, ok := validSortFields[sortField]
	if !ok {
		col, sortOrder = "number", "DESC"
	}
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}
	query := fmt.Sprintf(
		`SELECT name, number, guid, queued_at, started_at, completed_at, result,
		        COALESCE(parent_job,''), COALESCE(parent_build,0), COALESCE(node,''), reason,
		        output, output_len
		 FROM builds WHERE name = ? AND completed_at IS NOT NULL
		 ORDER BY %s %s, number DESC LIMIT ? OFFSET ?`, col, sortOrder)

	rows, err := s.db.QueryContext(ctx, query, name, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBuildRows(rows)
}

func scanBuildRows(rows *sql.Rows) ([]*model.BuildRecord, error) {
	var out []*model.BuildRecord
	for rows.Next() {
		var b model.BuildRecord
		var started, completed sql.NullInt64
		var result sql.NullString
		if err := rows.Scan(
			&b.Name, &b.Number, &b.GUID, &b.QueuedAt, &started, &completed, &result,
			&b.ParentJob, &b.ParentBuild, &b.Node, &b.Reason, &b.Output, &b.OutputLen,
		); err != nil {
			return nil, err
		}
		b.StartedAt = started.Int64
		b.CompletedAt = completed.Int64
		b.Result = result.String
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountCompleted(ctx context.Context, name string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM builds WHERE name = ? AND completed_at IS NOT NULL`, name,
	).Scan(&n)
	return n, err
}

func (s *SQLiteStore) CompletedCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, COUNT(*) FROM builds WHERE result IS NOT NULL GROUP BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		counts[name] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) AverageRuntime(ctx context.Context, name string) (float64, error) {
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT AVG(completed_at - started_at) FROM builds
		 WHERE name = ? AND completed_at IS NOT NULL AND started_at IS NOT NULL`, name,
	).Scan(&avg)
	if err != nil {
		return 0, err
	}
	return avg.Float64, nil
}

func (s *SQLiteStore) LastSuccessAndFailed(ctx context.Context, name string) (*model.BuildRecord, *model.BuildRecord, error) {
	success, err := s.lastWithResult(ctx, name, string(model.ResultSuccess))
	if err != nil {
		return nil, nil, err
	}
	failed, err := s.lastWithResult(ctx, name, string(model.ResultFailed))
	if err != nil {
		return nil, nil, err
	}
	return success, failed, nil
}

func (s *SQLiteStore) lastWithResult(ctx context.Context, name, result string) (*model.BuildRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, number, guid, queued_at, started_at, completed_at, result,
		        COALESCE(parent_job,''), COALESCE(parent_build,0), COALESCE(node,''), reason,
		        output, output_len
		 FROM builds WHERE name = ? AND result = ? ORDER BY number DESC LIMIT 1`,
		name, result,
	)
	b, err := scanBuild(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

func (s *SQLiteStore) LatestPerJob(ctx context.Context) ([]*model.BuildRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT b.name, b.number, b.guid, b.queued_at, b.started_at, b.completed_at, b.result,
		        COALESCE(b.parent_job,''), COALESCE(b.parent_build,0), COALESCE(b.node,''), b.reason,
		        b.output, b.output_len
		 FROM builds b
		 JOIN (SELECT name, MAX(number) AS number FROM builds GROUP BY name) latest
		   ON b.name = latest.name AND b.number = latest.number`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBuildRows(rows)
}

func (s *SQLiteStore) RecentGlobal(ctx context.Context, limit int) ([]*model.BuildRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, number, guid, queued_at, started_at, completed_at, result,
		        COALESCE(parent_job,''), COALESCE(parent_build,0), COALESCE(node,''), reason,
		        output, output_len
		 FROM builds WHERE completed_at IS NOT NULL ORDER BY completed_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBuildRows(rows)
}

func (s *SQLiteStore) Artifacts(ctx context.Context, name string, number int) ([]model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, number, filename, filesize FROM artifacts WHERE name = ? AND number = ? ORDER BY filename`,
		name, number,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Artifact
	for rows.Next() {
		var a model.Artifact
		if err := rows.Scan(&a.Name, &a.Build, &a.Filename, &a.FileSize); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Views(ctx context.Context) (*ViewSnapshot, error) {
	snap := &ViewSnapshot{}

	rows, err := s.db.QueryContext(ctx, `SELECT day, count FROM view_builds_per_day ORDER BY day`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var d DayCount
		if err := rows.Scan(&d.Day, &d.Count); err != nil {
			rows.Close()
			return nil, err
		}
		snap.BuildsPerDay = append(snap.BuildsPerDay, d)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT name, prev_duration, last_duration FROM view_build_time_changes`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var v NameDurationDelta
		var prev, last sql.NullInt64
		if err := rows.Scan(&v.Name, &prev, &last); err != nil {
			rows.Close()
			return nil, err
		}
		v.PrevDuration, v.LastDuration = prev.Int64, last.Int64
		snap.BuildTimeChanges = append(snap.BuildTimeChanges, v)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT name, pass_rate FROM view_low_pass_rates ORDER BY pass_rate ASC`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var v NameRate
		if err := rows.Scan(&v.Name, &v.PassRate); err != nil {
			rows.Close()
			return nil, err
		}
		snap.LowPassRates = append(snap.LowPassRates, v)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT name, average_seconds FROM view_time_per_job`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var v NameDuration
		if err := rows.Scan(&v.Name, &v.AverageSeconds); err != nil {
			rows.Close()
			return nil, err
		}
		snap.TimePerJob = append(snap.TimePerJob, v)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx,
		`SELECT name, COALESCE(last_success_number,0), COALESCE(last_success_started,0),
		        COALESCE(last_failed_number,0), COALESCE(last_failed_started,0)
		 FROM view_result_changed`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var v ResultChange
		if err := rows.Scan(&v.Name, &v.LastSuccessNumber, &v.LastSuccessStarted, &v.LastFailedNumber, &v.LastFailedStarted); err != nil {
			rows.Close()
			return nil, err
		}
		snap.ResultChanged = append(snap.ResultChanged, v)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT name, count_24h FROM view_builds_per_job`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var v NameCount
		if err := rows.Scan(&v.Name, &v.Count); err != nil {
			rows.Close()
			return nil, err
		}
		snap.BuildsPerJob = append(snap.BuildsPerJob, v)
	}
	rows.Close()

	return snap, nil
}
