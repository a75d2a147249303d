package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type SQLiteCallStore struct {
	db *sql.DB
}

func NewSQLiteCallStore(db *sql.DB) *SQLiteCallStore {
	return &SQLiteCallStore{db: db}
}

func (s *SQLiteCallStore) CreateCallRecord(ctx context.Context, record CallRecord) error {
	if record.Status == "" {
		record.Status = CallInitiated
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (call_id, caller_id, target_type, target_id, call_type, status, started_at)
		VALUES (@call_id, @caller_id, @target_type, @target_id, @call_type, @status, @started_at)`,
		sql.Named("call_id", record.ID),
		sql.Named("caller_id", record.CallerID),
		sql.Named("target_type", record.TargetType),
		sql.Named("target_id", record.TargetID),
		sql.Named("call_type", record.Type),
		sql.Named("status", record.Status),
		sql.Named("started_at", record.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("ExecContext(insert call): %w", err)
	}
	return nil
}

func (s *SQLiteCallStore) UpdateCallStatus(ctx context.Context, callID string, status CallStatus, endedAt *time.Time, duration time.Duration) error {
	var res sql.Result
	var err error
	if endedAt == nil {
		res, err = s.db.ExecContext(ctx,
			// an ended call never leaves the ended state
			"UPDATE calls SET status = @status WHERE call_id = @call_id AND status != 'ended'",
			sql.Named("status", status), sql.Named("call_id", callID))
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE calls SET status = @status, ended_at = @ended_at, duration = @duration
			WHERE call_id = @call_id`,
			sql.Named("status", status),
			sql.Named("ended_at", *endedAt),
			sql.Named("duration", int64(duration.Seconds())),
			sql.Named("call_id", callID))
	}
	if err != nil {
		return fmt.Errorf("ExecContext(update call): %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("RowsAffected: %w", err)
	}
	if n == 0 {
		return ErrCallNotFound
	}
	return nil
}

func (s *SQLiteCallStore) GetCallRecord(ctx context.Context, callID string) (*CallRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT call_id, caller_id, target_type, target_id, call_type, status, started_at, ended_at, duration
		FROM calls WHERE call_id = @call_id`, sql.Named("call_id", callID))

	var r CallRecord
	var endedAt sql.NullTime
	var duration int64
	err := row.Scan(&r.ID, &r.CallerID, &r.TargetType, &r.TargetID, &r.Type, &r.Status, &r.StartedAt, &endedAt, &duration)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning call: %w", err)
	}
	if endedAt.Valid {
		r.EndedAt = &endedAt.Time
	}
	r.Duration = time.Duration(duration) * time.Second
	return &r, nil
}
