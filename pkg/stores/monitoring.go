package stores

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ocloudd/ocloudd/pkg/core"
)

// CreateMonitoringJob inserts a performance monitoring job. Intervals are
// persisted as nanosecond counts so sub-second values survive a restart.
func (s *SQLiteStore) CreateMonitoringJob(ctx context.Context, job *core.MonitoringJob) error {
	objectIDs, err := encodeJSON(job.ObjectIDs)
	if err != nil {
		return err
	}
	metrics, err := encodeJSON(job.Metrics)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO pm_jobs
		(job_id, scope, object_ids, metrics, collection_interval_ns, reporting_period_ns,
		 state, callback_uri, last_report_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		job.ID, job.Scope, objectIDs, metrics,
		int64(job.CollectionInterval), int64(job.ReportingPeriod),
		job.State, job.CallbackURI, job.LastReportAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return core.NewConflictError("monitoring job already exists", err).WithEntity(job.ID)
		}
		return fmt.Errorf("failed to create monitoring job: %w", err)
	}
	return nil
}

func scanMonitoringJob(scan func(dest ...any) error) (*core.MonitoringJob, error) {
	job := &core.MonitoringJob{}
	var objectIDs, metrics string
	var callbackURI sql.NullString
	var intervalNs, periodNs int64
	err := scan(&job.ID, &job.Scope, &objectIDs, &metrics, &intervalNs, &periodNs,
		&job.State, &callbackURI, &job.LastReportAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(&objectIDs, &job.ObjectIDs); err != nil {
		return nil, err
	}
	if err := decodeJSON(&metrics, &job.Metrics); err != nil {
		return nil, err
	}
	job.CollectionInterval = time.Duration(intervalNs)
	job.ReportingPeriod = time.Duration(periodNs)
	job.CallbackURI = callbackURI.String
	return job, nil
}

// GetMonitoringJob retrieves a monitoring job by ID.
func (s *SQLiteStore) GetMonitoringJob(ctx context.Context, id string) (*core.MonitoringJob, error) {
	query := `
		SELECT job_id, scope, object_ids, metrics, collection_interval_ns, reporting_period_ns,
		       state, callback_uri, last_report_at, created_at, updated_at
		FROM pm_jobs WHERE job_id = ?
	`

	row := s.db.QueryRowContext(ctx, query, id)
	job, err := scanMonitoringJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFoundError("monitoring job not found", nil).WithEntity(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get monitoring job: %w", err)
	}
	return job, nil
}

// ListMonitoringJobs lists all monitoring jobs.
func (s *SQLiteStore) ListMonitoringJobs(ctx context.Context) ([]*core.MonitoringJob, error) {
	query := `
		SELECT job_id, scope, object_ids, metrics, collection_interval_ns, reporting_period_ns,
		       state, callback_uri, last_report_at, created_at, updated_at
		FROM pm_jobs ORDER BY created_at
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list monitoring jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*core.MonitoringJob{}
	for rows.Next() {
		job, err := scanMonitoringJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan monitoring job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating monitoring jobs: %w", err)
	}
	return jobs, nil
}

// UpdateMonitoringJobState enables or disables a monitoring job.
func (s *SQLiteStore) UpdateMonitoringJobState(ctx context.Context, id string, state core.MonitoringState) error {
	query := `UPDATE pm_jobs SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE job_id = ?`

	result, err := s.db.ExecContext(ctx, query, state, id)
	if err != nil {
		return fmt.Errorf("failed to update monitoring job state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return core.NewNotFoundError("monitoring job not found", nil).WithEntity(id)
	}
	return nil
}

// UpdateMonitoringJobLastReport records the close of a reporting window.
func (s *SQLiteStore) UpdateMonitoringJobLastReport(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE pm_jobs SET last_report_at = ?, updated_at = ? WHERE job_id = ?`

	result, err := s.db.ExecContext(ctx, query, at, at, id)
	if err != nil {
		return fmt.Errorf("failed to update monitoring job report time: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return core.NewNotFoundError("monitoring job not found", nil).WithEntity(id)
	}
	return nil
}

// DeleteMonitoringJob removes a monitoring job and, via cascade, its reports.
func (s *SQLiteStore) DeleteMonitoringJob(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM pm_jobs WHERE job_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete monitoring job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return core.NewNotFoundError("monitoring job not found", nil).WithEntity(id)
	}
	return nil
}

// CreateReport persists an immutable performance report.
func (s *SQLiteStore) CreateReport(ctx context.Context, report *core.PerformanceReport) error {
	entries, err := encodeJSON(report.Entries)
	if err != nil {
		return err
	}
	if entries == nil {
		empty := "[]"
		entries = &empty
	}

	query := `
		INSERT INTO pm_reports (report_id, job_id, window_start, window_end, entries, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		report.ID, report.JobID, report.WindowStart, report.WindowEnd, entries, report.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	return nil
}

// GetReport retrieves a performance report by ID.
func (s *SQLiteStore) GetReport(ctx context.Context, id string) (*core.PerformanceReport, error) {
	query := `
		SELECT report_id, job_id, window_start, window_end, entries, created_at
		FROM pm_reports WHERE report_id = ?
	`

	report := &core.PerformanceReport{}
	var entries string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&report.ID, &report.JobID, &report.WindowStart, &report.WindowEnd,
		&entries, &report.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFoundError("report not found", nil).WithEntity(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	if err := decodeJSON(&entries, &report.Entries); err != nil {
		return nil, err
	}
	return report, nil
}

// ListReportsByJob lists a monitoring job's reports oldest-first.
func (s *SQLiteStore) ListReportsByJob(ctx context.Context, jobID string) ([]*core.PerformanceReport, error) {
	query := `
		SELECT report_id, job_id, window_start, window_end, entries, created_at
		FROM pm_reports WHERE job_id = ? ORDER BY window_start
	`

	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	reports := []*core.PerformanceReport{}
	for rows.Next() {
		report := &core.PerformanceReport{}
		var entries string
		if err := rows.Scan(&report.ID, &report.JobID, &report.WindowStart,
			&report.WindowEnd, &entries, &report.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		if err := decodeJSON(&entries, &report.Entries); err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reports: %w", err)
	}
	return reports, nil
}
