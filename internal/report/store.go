// Package report stores post, comment and chat reports in PostgreSQL and
// implements report submission.
package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Kind identifies a report variant.
type Kind string

const (
	KindPost    Kind = "post_report"
	KindComment Kind = "comment_report"
	KindChat    Kind = "chat_report"
)

var (
	// ErrNotFound means no unchecked report matched.
	ErrNotFound = errors.New("report: not found")
	// ErrInvalidKind is returned for a kind outside the known variants.
	ErrInvalidKind = errors.New("report: invalid kind")
)

// table describes where a kind is stored and how its target is named.
type table struct {
	name      string
	targetCol string
}

var tables = map[Kind]table{
	KindPost:    {name: "post_report", targetCol: "post_id"},
	KindComment: {name: "comment_report", targetCol: "comment_id"},
	KindChat:    {name: "chat_report", targetCol: "message_id"},
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := tables[k]
	return ok
}

// Report is a single report row. TargetID is set for post and comment
// reports, MessageID and MessageText for chat reports.
type Report struct {
	ID             int64     `json:"id"`
	Kind           Kind      `json:"kind"`
	ReporterUserID int64     `json:"reporter_user_id"`
	ReportedUserID int64     `json:"reported_user_id"`
	TargetID       int64     `json:"target_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	MessageText    string    `json:"message_text,omitempty"`
	Content        string    `json:"content"`
	IsChecked      bool      `json:"is_checked"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store manages reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts r as an unchecked report and fills in its id and
// timestamps.
func (s *Store) Create(ctx context.Context, r *Report) error {
	var row *sql.Row
	switch r.Kind {
	case KindPost, KindComment:
		t := tables[r.Kind]
		query := fmt.Sprintf(`
			INSERT INTO %s (reporter_user_id, reported_user_id, %s, content)
			VALUES ($1, $2, $3, $4)
			RETURNING id, is_checked, created_at, updated_at`, t.name, t.targetCol)
		row = s.db.QueryRowContext(ctx, query, r.ReporterUserID, r.ReportedUserID, r.TargetID, r.Content)
	case KindChat:
		const query = `
			INSERT INTO chat_report (reporter_user_id, reported_user_id, message_id, message_text, content)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, is_checked, created_at, updated_at`
		row = s.db.QueryRowContext(ctx, query, r.ReporterUserID, r.ReportedUserID, r.MessageID, r.MessageText, r.Content)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKind, r.Kind)
	}

	if err := row.Scan(&r.ID, &r.IsChecked, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return fmt.Errorf("report: insert %s: %w", r.Kind, err)
	}
	return nil
}

// ListUnchecked returns every unchecked report of kind, newest first.
func (s *Store) ListUnchecked(ctx context.Context, kind Kind) ([]Report, error) {
	t, ok := tables[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	target := t.targetCol
	if kind == KindChat {
		target = "message_id, message_text"
	}
	query := fmt.Sprintf(`
		SELECT id, reporter_user_id, reported_user_id, %s, content, created_at, updated_at
		FROM %s
		WHERE is_checked = FALSE
		ORDER BY created_at DESC, id DESC`, target, t.name)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("report: list %s: %w", kind, err)
	}
	defer rows.Close()

	out := []Report{}
	for rows.Next() {
		r := Report{Kind: kind}
		dest := []any{&r.ID, &r.ReporterUserID, &r.ReportedUserID, &r.TargetID}
		if kind == KindChat {
			dest = []any{&r.ID, &r.ReporterUserID, &r.ReportedUserID, &r.MessageID, &r.MessageText}
		}
		dest = append(dest, &r.Content, &r.CreatedAt, &r.UpdatedAt)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("report: scan %s: %w", kind, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("report: list %s: %w", kind, err)
	}
	return out, nil
}

// MarkChecked flips one unchecked report to checked. It returns ErrNotFound
// when the report does not exist or was already checked.
func (s *Store) MarkChecked(ctx context.Context, kind Kind, id int64) error {
	t, ok := tables[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET is_checked = TRUE, updated_at = NOW()
		WHERE id = $1 AND is_checked = FALSE`, t.name)

	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("report: mark %s %d: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("report: mark %s %d: %w", kind, id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAllChecked flips every unchecked report of the given kinds in a single
// transaction and returns how many rows changed. Zero rows is not an error.
func (s *Store) MarkAllChecked(ctx context.Context, kinds ...Kind) (int64, error) {
	for _, k := range kinds {
		if !k.Valid() {
			return 0, fmt.Errorf("%w: %q", ErrInvalidKind, k)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("report: begin: %w", err)
	}
	defer tx.Rollback()

	var total int64
	for _, k := range kinds {
		query := fmt.Sprintf(`
			UPDATE %s
			SET is_checked = TRUE, updated_at = NOW()
			WHERE is_checked = FALSE`, tables[k].name)
		res, err := tx.ExecContext(ctx, query)
		if err != nil {
			return 0, fmt.Errorf("report: mark all %s: %w", k, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("report: mark all %s: %w", k, err)
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("report: commit: %w", err)
	}
	return total, nil
}
