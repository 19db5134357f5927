package stores

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ocloudd/ocloudd/pkg/core"
)

// CreateThreshold persists an alarm threshold rule.
func (s *SQLiteStore) CreateThreshold(ctx context.Context, th *core.Threshold) error {
	criteria, err := encodeJSON(th.Criteria)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO pm_thresholds (threshold_id, target_id, criteria, callback_uri, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		th.ID, th.TargetID, criteria, th.CallbackURI, th.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return core.NewConflictError("threshold already exists", err).WithEntity(th.ID)
		}
		return fmt.Errorf("failed to create threshold: %w", err)
	}
	return nil
}

func scanThreshold(scan func(dest ...any) error) (*core.Threshold, error) {
	th := &core.Threshold{}
	var criteria string
	var callbackURI sql.NullString
	err := scan(&th.ID, &th.TargetID, &criteria, &callbackURI, &th.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(&criteria, &th.Criteria); err != nil {
		return nil, err
	}
	th.CallbackURI = callbackURI.String
	return th, nil
}

// GetThreshold retrieves a threshold by ID.
func (s *SQLiteStore) GetThreshold(ctx context.Context, id string) (*core.Threshold, error) {
	query := `
		SELECT threshold_id, target_id, criteria, callback_uri, created_at
		FROM pm_thresholds WHERE threshold_id = ?
	`

	row := s.db.QueryRowContext(ctx, query, id)
	th, err := scanThreshold(row.Scan)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFoundError("threshold not found", nil).WithEntity(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get threshold: %w", err)
	}
	return th, nil
}

// ListThresholds lists all thresholds.
func (s *SQLiteStore) ListThresholds(ctx context.Context) ([]*core.Threshold, error) {
	query := `
		SELECT threshold_id, target_id, criteria, callback_uri, created_at
		FROM pm_thresholds ORDER BY created_at
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list thresholds: %w", err)
	}
	defer rows.Close()

	thresholds := []*core.Threshold{}
	for rows.Next() {
		th, err := scanThreshold(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan threshold: %w", err)
		}
		thresholds = append(thresholds, th)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating thresholds: %w", err)
	}
	return thresholds, nil
}

// DeleteThreshold removes a threshold rule. Alarms it raised are untouched.
func (s *SQLiteStore) DeleteThreshold(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM pm_thresholds WHERE threshold_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete threshold: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return core.NewNotFoundError("threshold not found", nil).WithEntity(id)
	}
	return nil
}

// CreateAlarm inserts an alarm row. The partial unique index on open alarms
// turns a duplicate raise for the same (target, source) into a conflict.
func (s *SQLiteStore) CreateAlarm(ctx context.Context, alarm *core.Alarm) error {
	correlated, err := encodeJSON(alarm.CorrelatedAlarmIDs)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO alarms
		(alarm_id, target_id, source_key, alarm_type, perceived_severity, probable_cause,
		 is_root_cause, correlated_alarm_ids, raised_at, changed_at, cleared_at,
		 acknowledged, acknowledged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		alarm.ID, alarm.TargetID, alarm.SourceKey, alarm.AlarmType,
		alarm.Severity, alarm.ProbableCause, alarm.IsRootCause, correlated,
		alarm.RaisedAt, alarm.ChangedAt, alarm.ClearedAt,
		alarm.Acknowledged, alarm.AcknowledgedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return core.NewConflictError("open alarm already exists for target", err).WithEntity(alarm.TargetID)
		}
		return fmt.Errorf("failed to create alarm: %w", err)
	}
	return nil
}

func scanAlarm(scan func(dest ...any) error) (*core.Alarm, error) {
	alarm := &core.Alarm{}
	var alarmType, correlated sql.NullString
	err := scan(&alarm.ID, &alarm.TargetID, &alarm.SourceKey, &alarmType,
		&alarm.Severity, &alarm.ProbableCause, &alarm.IsRootCause, &correlated,
		&alarm.RaisedAt, &alarm.ChangedAt, &alarm.ClearedAt,
		&alarm.Acknowledged, &alarm.AcknowledgedAt)
	if err != nil {
		return nil, err
	}
	alarm.AlarmType = alarmType.String
	if correlated.Valid {
		if err := decodeJSON(&correlated.String, &alarm.CorrelatedAlarmIDs); err != nil {
			return nil, err
		}
	}
	return alarm, nil
}

const alarmColumns = `alarm_id, target_id, source_key, alarm_type, perceived_severity,
	probable_cause, is_root_cause, correlated_alarm_ids, raised_at, changed_at,
	cleared_at, acknowledged, acknowledged_at`

// GetAlarm retrieves an alarm by ID.
func (s *SQLiteStore) GetAlarm(ctx context.Context, id string) (*core.Alarm, error) {
	query := `SELECT ` + alarmColumns + ` FROM alarms WHERE alarm_id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	alarm, err := scanAlarm(row.Scan)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFoundError("alarm not found", nil).WithEntity(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alarm: %w", err)
	}
	return alarm, nil
}

// GetOpenAlarm retrieves the uncleared alarm for a (target, source) pair.
func (s *SQLiteStore) GetOpenAlarm(ctx context.Context, targetID, sourceKey string) (*core.Alarm, error) {
	query := `SELECT ` + alarmColumns + `
		FROM alarms WHERE target_id = ? AND source_key = ? AND cleared_at IS NULL`

	row := s.db.QueryRowContext(ctx, query, targetID, sourceKey)
	alarm, err := scanAlarm(row.Scan)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFoundError("no open alarm for target", nil).WithEntity(targetID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open alarm: %w", err)
	}
	return alarm, nil
}

// ListAlarms lists alarms matching the filter, newest-first.
func (s *SQLiteStore) ListAlarms(ctx context.Context, filter AlarmFilter) ([]*core.Alarm, error) {
	query := `SELECT ` + alarmColumns + `
		FROM alarms
		WHERE (? IS NULL OR target_id = ?)
		  AND (? IS NULL OR perceived_severity = ?)
		  AND (? = 0 OR cleared_at IS NULL)
		ORDER BY raised_at DESC`

	rows, err := s.db.QueryContext(ctx, query,
		filter.TargetID, filter.TargetID,
		filter.Severity, filter.Severity,
		filter.ActiveOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list alarms: %w", err)
	}
	defer rows.Close()

	alarms := []*core.Alarm{}
	for rows.Next() {
		alarm, err := scanAlarm(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alarm: %w", err)
		}
		alarms = append(alarms, alarm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alarms: %w", err)
	}
	return alarms, nil
}

// UpdateAlarmSeverity changes an open alarm's severity and cause in place.
func (s *SQLiteStore) UpdateAlarmSeverity(ctx context.Context, id string, severity core.Severity, cause string) error {
	query := `
		UPDATE alarms SET perceived_severity = ?, probable_cause = ?, changed_at = CURRENT_TIMESTAMP
		WHERE alarm_id = ? AND cleared_at IS NULL
	`

	result, err := s.db.ExecContext(ctx, query, severity, cause, id)
	if err != nil {
		return fmt.Errorf("failed to update alarm severity: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return core.NewNotFoundError("open alarm not found", nil).WithEntity(id)
	}
	return nil
}

// ClearAlarm marks an open alarm cleared.
func (s *SQLiteStore) ClearAlarm(ctx context.Context, id string) error {
	query := `UPDATE alarms SET cleared_at = ? WHERE alarm_id = ? AND cleared_at IS NULL`

	result, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to clear alarm: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return core.NewNotFoundError("open alarm not found", nil).WithEntity(id)
	}
	return nil
}

// AcknowledgeAlarm records operator acknowledgment of an alarm.
func (s *SQLiteStore) AcknowledgeAlarm(ctx context.Context, id string) error {
	query := `UPDATE alarms SET acknowledged = 1, acknowledged_at = ? WHERE alarm_id = ?`

	result, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alarm: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return core.NewNotFoundError("alarm not found", nil).WithEntity(id)
	}
	return nil
}

// CountActiveAlarms returns the number of uncleared alarms.
func (s *SQLiteStore) CountActiveAlarms(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alarms WHERE cleared_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active alarms: %w", err)
	}
	return count, nil
}
