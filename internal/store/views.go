package store

import (
	"context"
	"database/sql"
)

// refreshViews repopulates the view_* summary tables for the job
// that just finished. SQLite has no CREATE MATERIALIZED VIEW / REFRESH
// MATERIALIZED VIEW (laminar.cpp's original implementation runs those
// against Postgres); this recomputes each one inside the completion
// transaction as §4.1/§4.5 require ("refreshed exactly at run
// completion"). Full-table aggregates (builds_per_day,
// builds_per_job) are cheap enough at this scale to recompute in
// full with DELETE + INSERT ... SELECT; per-job views only upsert (or,
// for view_result_changed, delete) the row for the job that completed.
func refreshViews(ctx context.Context, tx *sql.Tx, name string) error {
	if err := refreshBuildTimeChanges(ctx, tx, name); err != nil {
		return err
	}
	if err := refreshBuildsPerDay(ctx, tx); err != nil {
		return err
	}
	if err := refreshLowPassRates(ctx, tx, name); err != nil {
		return err
	}
	if err := refreshTimePerJob(ctx, tx, name); err != nil {
		return err
	}
	if err := refreshResultChanged(ctx, tx, name); err != nil {
		return err
	}
	if err := refreshBuildsPerJob(ctx, tx); err != nil {
		return err
	}
	return nil
}

func refreshBuildTimeChanges(ctx context.Context, tx *sql.Tx, name string) error {
	var prev, last sql.NullInt64
	row := tx.QueryRowContext(ctx, `
		SELECT completed_at - started_at FROM builds
		WHERE name = ? AND completed_at IS NOT NULL AND started_at IS NOT NULL
		ORDER BY number DESC LIMIT 1 OFFSET 1`, name)
	_ = row.Scan(&prev)

	row = tx.QueryRowContext(ctx, `
		SELECT completed_at - started_at FROM builds
		WHERE name = ? AND completed_at IS NOT NULL AND started_at IS NOT NULL
		ORDER BY number DESC LIMIT 1`, name)
	_ = row.Scan(&last)

	_, err := tx.ExecContext(ctx, `
		INSERT INTO view_build_time_changes (name, prev_duration, last_duration)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET prev_duration = excluded.prev_duration, last_duration = excluded.last_duration`,
		name, nullableInt64(prev), nullableInt64(last))
	return err
}

func refreshBuildsPerDay(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM view_builds_per_day`); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO view_builds_per_day (day, count)
		SELECT date(completed_at, 'unixepoch') AS day, COUNT(*)
		FROM builds
		WHERE completed_at IS NOT NULL
		  AND completed_at >= strftime('%s', 'now', '-6 days')
		GROUP BY day`)
	return err
}

func refreshLowPassRates(ctx context.Context, tx *sql.Tx, name string) error {
	var rate sql.NullFloat64
	row := tx.QueryRowContext(ctx, `
		SELECT CAST(SUM(CASE WHEN result = 'SUCCESS' THEN 1 ELSE 0 END) AS REAL) / COUNT(*)
		FROM builds WHERE name = ? AND completed_at IS NOT NULL`, name)
	if err := row.Scan(&rate); err != nil {
		return err
	}
	if !rate.Valid {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO view_low_pass_rates (name, pass_rate) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET pass_rate = excluded.pass_rate`, name, rate.Float64)
	return err
}

func refreshTimePerJob(ctx context.Context, tx *sql.Tx, name string) error {
	var avg sql.NullFloat64
	row := tx.QueryRowContext(ctx, `
		SELECT AVG(completed_at - started_at) FROM builds
		WHERE name = ? AND completed_at IS NOT NULL AND started_at IS NOT NULL
		  AND completed_at >= strftime('%s', 'now', '-7 days')`, name)
	if err := row.Scan(&avg); err != nil {
		return err
	}
	if !avg.Valid {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO view_time_per_job (name, average_seconds) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET average_seconds = excluded.average_seconds`, name, avg.Float64)
	return err
}

func refreshResultChanged(ctx context.Context, tx *sql.Tx, name string) error {
	var successNum, failedNum sql.NullInt64
	var successStarted, failedStarted sql.NullInt64

	row := tx.QueryRowContext(ctx, `
		SELECT number, started_at FROM builds
		WHERE name = ? AND result = 'SUCCESS' ORDER BY number DESC LIMIT 1`, name)
	_ = row.Scan(&successNum, &successStarted)

	row = tx.QueryRowContext(ctx, `
		SELECT number, started_at FROM builds
		WHERE name = ? AND result <> 'SUCCESS' AND result IS NOT NULL ORDER BY number DESC LIMIT 1`, name)
	_ = row.Scan(&failedNum, &failedStarted)

	if !successNum.Valid || !failedNum.Valid {
		_, err := tx.ExecContext(ctx, `DELETE FROM view_result_changed WHERE name = ?`, name)
		return err
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO view_result_changed
			(name, last_success_number, last_success_started, last_failed_number, last_failed_started)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			last_success_number = excluded.last_success_number,
			last_success_started = excluded.last_success_started,
			last_failed_number = excluded.last_failed_number,
			last_failed_started = excluded.last_failed_started`,
		name, successNum.Int64, successStarted.Int64, failedNum.Int64, failedStarted.Int64)
	return err
}

func refreshBuildsPerJob(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM view_builds_per_job`); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO view_builds_per_job (name, count_24h)
		SELECT name, COUNT(*) FROM builds
		WHERE completed_at IS NOT NULL AND completed_at >= strftime('%s', 'now', '-1 days')
		GROUP BY name`)
	return err
}

func nullableInt64(n sql.NullInt64) any {
	if !n.Valid {
		return nil
	}
	return n.Int64
}
