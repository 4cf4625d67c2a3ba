package main

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/togedog/chat-app/internal/authz"
	"github.com/togedog/chat-app/internal/config"
	"github.com/togedog/chat-app/internal/report"
)

func TestConnectRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?userId=42&token=abc", nil)
	req, err := connectRequest(r)
	require.NoError(t, err)
	assert.Equal(t, int64(42), req.UserID)
	assert.Equal(t, "abc", req.Token)

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer xyz")
	req, err = connectRequest(r)
	require.NoError(t, err)
	assert.Zero(t, req.UserID)
	assert.Equal(t, "xyz", req.Token)

	r = httptest.NewRequest("GET", "/ws?userId=abc", nil)
	_, err = connectRequest(r)
	assert.ErrorIs(t, err, authz.ErrUnauthenticated)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "10.1.2.3", clientIP(r))

	r.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", clientIP(r))
}

func TestInstanceID(t *testing.T) {
	assert.Equal(t, "node-1", instanceID("node-1"))

	host, _ := os.Hostname()
	if host == "" {
		host = "chat"
	}
	a, b := instanceID(""), instanceID("")
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, host+"-"))
}

func TestBuildFilter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "words.txt")
	require.NoError(t, os.WriteFile(path, []byte("# extra\nheck\n"), 0o600))

	f, err := buildFilter(config.ModerationConfig{BannedWords: []string{"darn", "darn"}, WordsFile: path, Mask: "#"})
	require.NoError(t, err)
	assert.Equal(t, "#### it, what the ####", f.Censor("darn it, what the heck"))

	f, err = buildFilter(config.ModerationConfig{Mask: "*"})
	require.NoError(t, err)
	assert.NotEmpty(t, f.Words())

	_, err = buildFilter(config.ModerationConfig{WordsFile: filepath.Join(dir, "missing"), Mask: "*"})
	assert.Error(t, err)
}

func TestWSConfig(t *testing.T) {
	out := wsConfig(config.ServerConfig{WorkerPoolSize: 8, ReadTimeout: 3 * time.Second})
	assert.Equal(t, 8, out.WorkerPoolSize)
	assert.Equal(t, 3*time.Second, out.ReadTimeout)
	assert.Positive(t, out.MaxConnections)
}

func TestPriority(t *testing.T) {
	f, err := buildFilter(config.ModerationConfig{BannedWords: []string{"darn"}, Mask: "*"})
	require.NoError(t, err)

	assert.Equal(t, "high", priority(f, report.Report{Kind: report.KindChat, MessageText: "darn you"}))
	assert.Equal(t, "normal", priority(f, report.Report{Kind: report.KindChat, MessageText: "hello"}))
	assert.Equal(t, "normal", priority(f, report.Report{Kind: report.KindPost, MessageText: "darn"}))
}

func TestPriority_StoredCensoredText(t *testing.T) {
	f, err := buildFilter(config.ModerationConfig{BannedWords: []string{"idiot"}, Mask: "*"})
	require.NoError(t, err)

	stored := f.Censor("you idiot")
	require.Equal(t, "you *****", stored)
	assert.Equal(t, "high", priority(f, report.Report{Kind: report.KindChat, MessageText: stored}))
	assert.Equal(t, "normal", priority(f, report.Report{Kind: report.KindChat, MessageText: "rated 4*"}))
}
