package user

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/togedog/chat-app/internal/authz"
)

// testDB opens TEST_POSTGRES_DSN on a single connection and creates the
// community tables as temporary tables so nothing leaks.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping PostgreSQL tests")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	stmts := []string{
		`CREATE TEMP TABLE "user" (id BIGINT PRIMARY KEY, nickname TEXT, status TEXT, user_type TEXT)`,
		`CREATE TEMP TABLE post (id BIGINT PRIMARY KEY, user_id BIGINT, is_deleted BOOLEAN DEFAULT FALSE)`,
		`CREATE TEMP TABLE comment (id BIGINT PRIMARY KEY, post_id BIGINT, user_id BIGINT, is_deleted BOOLEAN DEFAULT FALSE)`,
		`INSERT INTO "user" VALUES (1, 'alice', 'active', 'normal'), (7, 'mallory', 'banned', 'normal'), (99, 'root', 'active', 'admin')`,
		`INSERT INTO post VALUES (10, 1, FALSE), (11, 7, TRUE)`,
		`INSERT INTO comment VALUES (20, 10, 7, FALSE), (21, 10, 1, TRUE)`,
	}
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err, s)
	}
	return db
}

func TestDirectory_Resolve(t *testing.T) {
	d := NewDirectory(testDB(t))
	ctx := context.Background()

	id, err := d.Resolve(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, authz.Identity{ID: 7, Nickname: "mallory", Status: authz.StatusBanned, UserType: authz.UserTypeNormal}, id)

	_, err = d.Resolve(ctx, 404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDirectory_Owners(t *testing.T) {
	d := NewDirectory(testDB(t))
	ctx := context.Background()

	owner, err := d.PostOwner(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), owner)

	_, err = d.PostOwner(ctx, 11)
	assert.ErrorIs(t, err, ErrNotFound, "deleted post")

	owner, err = d.CommentOwner(ctx, 10, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(7), owner)

	_, err = d.CommentOwner(ctx, 10, 21)
	assert.ErrorIs(t, err, ErrNotFound, "deleted comment")

	_, err = d.CommentOwner(ctx, 11, 20)
	assert.ErrorIs(t, err, ErrNotFound, "comment on another post")
}
