// Package user resolves identities and content owners from the community
// database. The tables are owned by the community service; this package only
// reads them.
package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/togedog/chat-app/internal/authz"
)

// ErrNotFound is returned when a user, post or comment does not exist.
var ErrNotFound = errors.New("user: not found")

// Directory reads users, posts and comments from PostgreSQL.
type Directory struct {
	db *sql.DB
}

// NewDirectory creates a Directory on db.
func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db}
}

// Resolve loads the identity of userID.
func (d *Directory) Resolve(ctx context.Context, userID int64) (authz.Identity, error) {
	const query = `
		SELECT id, nickname, status, user_type
		FROM "user"
		WHERE id = $1`

	var (
		id       authz.Identity
		status   string
		userType string
	)
	err := d.db.QueryRowContext(ctx, query, userID).Scan(&id.ID, &id.Nickname, &status, &userType)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Identity{}, ErrNotFound
	}
	if err != nil {
		return authz.Identity{}, fmt.Errorf("user: resolve %d: %w", userID, err)
	}
	id.Status = authz.Status(status)
	id.UserType = authz.UserType(userType)
	return id, nil
}

// PostOwner returns the author of a post that has not been deleted.
func (d *Directory) PostOwner(ctx context.Context, postID int64) (int64, error) {
	const query = `
		SELECT user_id
		FROM post
		WHERE id = $1 AND is_deleted = FALSE`

	return d.owner(ctx, query, postID)
}

// CommentOwner returns the author of a live comment on postID.
func (d *Directory) CommentOwner(ctx context.Context, postID, commentID int64) (int64, error) {
	const query = `
		SELECT user_id
		FROM comment
		WHERE id = $1 AND post_id = $2 AND is_deleted = FALSE`

	return d.owner(ctx, query, commentID, postID)
}

func (d *Directory) owner(ctx context.Context, query string, args ...any) (int64, error) {
	var owner int64
	err := d.db.QueryRowContext(ctx, query, args...).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("user: owner lookup: %w", err)
	}
	return owner, nil
}
