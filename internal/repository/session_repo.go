package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/runotepad/backend/internal/model"
)

// Recorder receives session lifecycle events for the history store.
type Recorder interface {
	// Create stores a new running session and sets rec.RowID.
	Create(ctx context.Context, rec *model.SessionRecord) error

	// MarkClosed stores the final state of a session created earlier.
	MarkClosed(ctx context.Context, rec *model.SessionRecord) error
}

// NopRecorder discards every event. It is used when history is disabled.
type NopRecorder struct{}

func (NopRecorder) Create(context.Context, *model.SessionRecord) error     { return nil }
func (NopRecorder) MarkClosed(context.Context, *model.SessionRecord) error { return nil }

// SessionRepository provides data access for session history.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const selectColumns = `row_id, id, pid, shell, status, close_reason, exit_code, preview_line, recording_path, created_at, closed_at`

// Create inserts a new session into the database.
func (r *SessionRepository) Create(ctx context.Context, rec *model.SessionRecord) error {
	query := `
		INSERT INTO sessions (id, pid, shell, status, recording_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.PID,
		rec.Shell,
		rec.Status,
		nullString(rec.RecordingPath),
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	rowID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get row id: %w", err)
	}
	rec.RowID = rowID
	return nil
}

// MarkClosed records how a session ended.
func (r *SessionRepository) MarkClosed(ctx context.Context, rec *model.SessionRecord) error {
	query := `
		UPDATE sessions
		SET status = ?, close_reason = ?, exit_code = ?, preview_line = ?, closed_at = ?
		WHERE row_id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		model.SessionStatusClosed,
		nullString(rec.CloseReason),
		rec.ExitCode,
		nullString(rec.PreviewLine),
		rec.ClosedAt,
		rec.RowID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}

	rec.Status = model.SessionStatusClosed
	return nil
}

// GetLatest retrieves the most recent record for a session id.
func (r *SessionRepository) GetLatest(ctx context.Context, id string) (*model.SessionRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM sessions WHERE id = ? ORDER BY row_id DESC LIMIT 1`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return rec, nil
}

// ListRecent returns up to limit records, newest first.
func (r *SessionRepository) ListRecent(ctx context.Context, limit int) ([]*model.SessionRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM sessions ORDER BY row_id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	records := []*model.SessionRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return records, nil
}

// MarkAllClosed closes out rows left running by a previous process.
func (r *SessionRepository) MarkAllClosed(ctx context.Context, reason string) (int64, error) {
	query := `
		UPDATE sessions
		SET status = ?, close_reason = ?, closed_at = CURRENT_TIMESTAMP
		WHERE status = ?
	`

	result, err := r.db.ExecContext(ctx, query, model.SessionStatusClosed, reason, model.SessionStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to close stale sessions: %w", err)
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*model.SessionRecord, error) {
	rec := &model.SessionRecord{}
	var pid sql.NullInt64
	var exitCode sql.NullInt64
	var closeReason sql.NullString
	var previewLine sql.NullString
	var recordingPath sql.NullString
	var closedAt sql.NullTime

	err := row.Scan(
		&rec.RowID,
		&rec.ID,
		&pid,
		&rec.Shell,
		&rec.Status,
		&closeReason,
		&exitCode,
		&previewLine,
		&recordingPath,
		&rec.CreatedAt,
		&closedAt,
	)
	if err != nil {
		return nil, err
	}

	if pid.Valid {
		p := int(pid.Int64)
		rec.PID = &p
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	if closedAt.Valid {
		t := closedAt.Time
		rec.ClosedAt = &t
	}
	rec.CloseReason = closeReason.String
	rec.PreviewLine = previewLine.String
	rec.RecordingPath = recordingPath.String

	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
