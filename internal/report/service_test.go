package report

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/togedog/chat-app/internal/authz"
	"github.com/togedog/chat-app/internal/chat"
	"github.com/togedog/chat-app/internal/logging"
	"github.com/togedog/chat-app/internal/user"
)

type fakeRepo struct {
	created []Report
	err     error
}

func (f *fakeRepo) Create(_ context.Context, r *Report) error {
	if f.err != nil {
		return f.err
	}
	r.ID = int64(len(f.created) + 1)
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	f.created = append(f.created, *r)
	return nil
}

type fakeOwners struct {
	posts    map[int64]int64
	comments map[[2]int64]int64
}

func (f fakeOwners) PostOwner(_ context.Context, postID int64) (int64, error) {
	if owner, ok := f.posts[postID]; ok {
		return owner, nil
	}
	return 0, user.ErrNotFound
}

func (f fakeOwners) CommentOwner(_ context.Context, postID, commentID int64) (int64, error) {
	if owner, ok := f.comments[[2]int64{postID, commentID}]; ok {
		return owner, nil
	}
	return 0, user.ErrNotFound
}

type fakeMessages map[string]chat.Message

func (f fakeMessages) Get(_ context.Context, id string) (chat.Message, error) {
	if m, ok := f[id]; ok {
		return m, nil
	}
	return chat.Message{}, chat.ErrMessageNotFound
}

type fakeNotifier struct {
	got []Report
	err error
}

func (f *fakeNotifier) PublishReport(_ context.Context, r Report) error {
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, r)
	return nil
}

var (
	userA   = authz.Identity{ID: 1, Nickname: "A", Status: authz.StatusActive, UserType: authz.UserTypeNormal}
	userB   = authz.Identity{ID: 2, Nickname: "B", Status: authz.StatusActive, UserType: authz.UserTypeNormal}
	bannedC = authz.Identity{ID: 3, Nickname: "C", Status: authz.StatusBanned, UserType: authz.UserTypeNormal}
)

const msgM = "65f0c0ffee0000000000beef"

func newService() (*Service, *fakeRepo, *fakeNotifier) {
	repo := &fakeRepo{}
	notifier := &fakeNotifier{}
	owners := fakeOwners{
		posts:    map[int64]int64{10: 2},
		comments: map[[2]int64]int64{{10, 20}: 2, {10, 21}: 1},
	}
	messages := fakeMessages{
		msgM: {ID: msgM, RoomID: 42, SenderID: 2, SenderNickname: "B", Text: "you are dumb"},
	}
	return NewService(repo, owners, messages, notifier, time.Second), repo, notifier
}

func TestReportChatMessage_Success(t *testing.T) {
	svc, repo, notifier := newService()

	r, err := svc.ReportChatMessage(context.Background(), userA, ChatInput{
		ReportedUserID: 2,
		MessageID:      msgM,
		Content:        "rude",
	})
	require.NoError(t, err)

	require.Len(t, repo.created, 1)
	got := repo.created[0]
	assert.Equal(t, KindChat, got.Kind)
	assert.Equal(t, int64(1), got.ReporterUserID)
	assert.Equal(t, int64(2), got.ReportedUserID)
	assert.Equal(t, msgM, got.MessageID)
	assert.Equal(t, "you are dumb", got.MessageText, "message text defaults to the stored text")
	assert.False(t, got.IsChecked)
	assert.Equal(t, r.ID, got.ID)
	assert.Len(t, notifier.got, 1)
}

func TestReportChatMessage_MessageNotFound(t *testing.T) {
	svc, repo, _ := newService()

	for _, id := range []string{"65f0c0ffee0000000000dead", "garbage"} {
		_, err := svc.ReportChatMessage(context.Background(), userA, ChatInput{MessageID: id, Content: "rude"})
		assert.ErrorIs(t, err, ErrMessageNotFound)
		assert.ErrorIs(t, err, ErrTargetNotFound)
	}
	assert.Empty(t, repo.created)
}

func TestReportChatMessage_SelfReport(t *testing.T) {
	svc, repo, _ := newService()

	_, err := svc.ReportChatMessage(context.Background(), userB, ChatInput{MessageID: msgM, Content: "oops"})
	assert.ErrorIs(t, err, authz.ErrSelfReport)
	assert.Empty(t, repo.created)
}

func TestReportChatMessage_ReportedUserMismatch(t *testing.T) {
	svc, repo, _ := newService()

	_, err := svc.ReportChatMessage(context.Background(), userA, ChatInput{
		ReportedUserID: 5,
		MessageID:      msgM,
		Content:        "rude",
	})
	assert.ErrorIs(t, err, ErrReportedUserMismatch)
	assert.Empty(t, repo.created)
}

func TestReportChatMessage_TruncatesMessageText(t *testing.T) {
	svc, repo, _ := newService()

	_, err := svc.ReportChatMessage(context.Background(), userA, ChatInput{
		MessageID:   msgM,
		MessageText: strings.Repeat("가", 150),
		Content:     "rude",
	})
	require.NoError(t, err)
	assert.Equal(t, MaxMessageTextChars, len([]rune(repo.created[0].MessageText)))
}

func TestReportPost(t *testing.T) {
	svc, repo, _ := newService()
	ctx := context.Background()

	r, err := svc.ReportPost(ctx, userA, 10, "spam post")
	require.NoError(t, err)
	assert.Equal(t, KindPost, r.Kind)
	assert.Equal(t, int64(2), r.ReportedUserID)
	assert.Equal(t, int64(10), r.TargetID)

	_, err = svc.ReportPost(ctx, userA, 404, "spam post")
	assert.ErrorIs(t, err, ErrPostNotFound)

	_, err = svc.ReportPost(ctx, userB, 10, "my own post")
	assert.ErrorIs(t, err, authz.ErrSelfReport)

	assert.Len(t, repo.created, 1)
}

func TestReportComment(t *testing.T) {
	svc, repo, _ := newService()
	ctx := context.Background()

	r, err := svc.ReportComment(ctx, userA, 10, 20, "insult")
	require.NoError(t, err)
	assert.Equal(t, KindComment, r.Kind)
	assert.Equal(t, int64(20), r.TargetID)

	_, err = svc.ReportComment(ctx, userA, 11, 20, "insult")
	assert.ErrorIs(t, err, ErrCommentNotFound)

	_, err = svc.ReportComment(ctx, userA, 10, 21, "mine")
	assert.ErrorIs(t, err, authz.ErrSelfReport)

	assert.Len(t, repo.created, 1)
}

func TestReport_BannedReporter(t *testing.T) {
	svc, repo, _ := newService()

	_, err := svc.ReportPost(context.Background(), bannedC, 10, "spam")
	assert.ErrorIs(t, err, authz.ErrForbidden)
	assert.NotErrorIs(t, err, authz.ErrSelfReport)
	assert.Empty(t, repo.created)
}

func TestReport_InvalidContent(t *testing.T) {
	svc, repo, _ := newService()
	ctx := context.Background()

	for _, content := range []string{"", "   ", strings.Repeat("x", MaxContentChars+1)} {
		_, err := svc.ReportPost(ctx, userA, 10, content)
		assert.ErrorIs(t, err, ErrInvalidContent)
	}
	_, err := svc.ReportPost(ctx, userA, 10, strings.Repeat("x", MaxContentChars))
	assert.NoError(t, err)
	assert.Len(t, repo.created, 1)
}

func TestReport_RepositoryFailure(t *testing.T) {
	svc, repo, notifier := newService()
	repo.err = errors.New("connection refused")

	_, err := svc.ReportPost(context.Background(), userA, 10, "spam")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTargetNotFound)
	assert.Empty(t, notifier.got)
}

func TestReport_NotifierFailureIsLogged(t *testing.T) {
	svc, repo, notifier := newService()
	notifier.err = errors.New("nats down")

	var buf bytes.Buffer
	ctx := logging.WithLogger(context.Background(), zerolog.New(&buf))

	r, err := svc.ReportPost(ctx, userA, 10, "spam")
	require.NoError(t, err, "a failed notification does not fail the report")
	require.Len(t, repo.created, 1)
	assert.Equal(t, repo.created[0].ID, r.ID)
	assert.Contains(t, buf.String(), "report notification failed")
	assert.Contains(t, buf.String(), "nats down")
}
