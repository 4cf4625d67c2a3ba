package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/togedog/chat-app/internal/authz"
	"github.com/togedog/chat-app/internal/chat"
	"github.com/togedog/chat-app/internal/logging"
	"github.com/togedog/chat-app/internal/metrics"
	"github.com/togedog/chat-app/internal/user"
)

const (
	MaxContentChars     = 500
	MaxMessageTextChars = 100
)

var (
	ErrInvalidContent = errors.New("report: invalid content")

	ErrTargetNotFound  = errors.New("report: target not found")
	ErrPostNotFound    = fmt.Errorf("%w: post does not exist", ErrTargetNotFound)
	ErrCommentNotFound = fmt.Errorf("%w: comment does not exist", ErrTargetNotFound)
	ErrMessageNotFound = fmt.Errorf("%w: message not found", ErrTargetNotFound)

	// ErrReportedUserMismatch is returned when the caller names a reported
	// user other than the author of the reported message.
	ErrReportedUserMismatch = errors.New("report: reported user does not match message sender")
)

// Repository persists reports.
type Repository interface {
	Create(ctx context.Context, r *Report) error
}

// Owners resolves the authors of posts and comments.
type Owners interface {
	PostOwner(ctx context.Context, postID int64) (int64, error)
	CommentOwner(ctx context.Context, postID, commentID int64) (int64, error)
}

// Messages looks up chat messages.
type Messages interface {
	Get(ctx context.Context, id string) (chat.Message, error)
}

// Notifier is told about every stored report.
type Notifier interface {
	PublishReport(ctx context.Context, r Report) error
}

// ChatInput is a chat report submission.
type ChatInput struct {
	ReportedUserID int64
	MessageID      string
	MessageText    string
	Content        string
}

// Service validates and records report submissions.
type Service struct {
	repo     Repository
	owners   Owners
	messages Messages
	notifier Notifier
	timeout  time.Duration
}

// NewService creates a Service. notifier may be nil.
func NewService(repo Repository, owners Owners, messages Messages, notifier Notifier, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Service{repo: repo, owners: owners, messages: messages, notifier: notifier, timeout: timeout}
}

// ReportPost reports the author of postID.
func (s *Service) ReportPost(ctx context.Context, reporter authz.Identity, postID int64, content string) (*Report, error) {
	if err := s.precheck(reporter, content); err != nil {
		return nil, err
	}

	owner, err := s.lookup(ctx, func(ctx context.Context) (int64, error) { return s.owners.PostOwner(ctx, postID) })
	if errors.Is(err, user.ErrNotFound) {
		return nil, ErrPostNotFound
	}
	if err != nil {
		return nil, err
	}

	return s.create(ctx, reporter, &Report{
		Kind:           KindPost,
		ReporterUserID: reporter.ID,
		ReportedUserID: owner,
		TargetID:       postID,
		Content:        content,
	})
}

// ReportComment reports the author of commentID on postID.
func (s *Service) ReportComment(ctx context.Context, reporter authz.Identity, postID, commentID int64, content string) (*Report, error) {
	if err := s.precheck(reporter, content); err != nil {
		return nil, err
	}

	owner, err := s.lookup(ctx, func(ctx context.Context) (int64, error) {
		return s.owners.CommentOwner(ctx, postID, commentID)
	})
	if errors.Is(err, user.ErrNotFound) {
		return nil, ErrCommentNotFound
	}
	if err != nil {
		return nil, err
	}

	return s.create(ctx, reporter, &Report{
		Kind:           KindComment,
		ReporterUserID: reporter.ID,
		ReportedUserID: owner,
		TargetID:       commentID,
		Content:        content,
	})
}

// ReportChatMessage reports the sender of a stored chat message. The message
// must exist; the reported user is always its sender.
func (s *Service) ReportChatMessage(ctx context.Context, reporter authz.Identity, in ChatInput) (*Report, error) {
	if err := s.precheck(reporter, in.Content); err != nil {
		return nil, err
	}

	lctx, cancel := context.WithTimeout(ctx, s.timeout)
	msg, err := s.messages.Get(lctx, in.MessageID)
	cancel()
	if errors.Is(err, chat.ErrMessageNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("report: lookup message: %w", err)
	}

	if in.ReportedUserID != 0 && in.ReportedUserID != msg.SenderID {
		return nil, ErrReportedUserMismatch
	}

	text := in.MessageText
	if text == "" {
		text = msg.Text
	}

	return s.create(ctx, reporter, &Report{
		Kind:           KindChat,
		ReporterUserID: reporter.ID,
		ReportedUserID: msg.SenderID,
		MessageID:      msg.ID,
		MessageText:    truncate(text, MaxMessageTextChars),
		Content:        in.Content,
	})
}

func (s *Service) precheck(reporter authz.Identity, content string) error {
	return authz.All(
		func() error { return authz.RequireNotBanned(reporter) },
		func() error { return ValidateContent(content) },
	)
}

func (s *Service) lookup(ctx context.Context, fn func(context.Context) (int64, error)) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return fn(ctx)
}

func (s *Service) create(ctx context.Context, reporter authz.Identity, r *Report) (*Report, error) {
	if err := authz.RequireNotSelfReport(reporter, r.ReportedUserID); err != nil {
		return nil, err
	}

	wctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.repo.Create(wctx, r); err != nil {
		return nil, err
	}
	metrics.ReportsTotal.WithLabelValues(string(r.Kind)).Inc()

	if s.notifier != nil {
		if err := s.notifier.PublishReport(ctx, *r); err != nil {
			log := logging.Ctx(ctx)
			log.Warn().Err(err).Str("kind", string(r.Kind)).Int64("report_id", r.ID).
				Msg("report notification failed")
		}
	}
	return r, nil
}

// ValidateContent checks a report reason.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidContent)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("%w: content contains invalid UTF-8", ErrInvalidContent)
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return fmt.Errorf("%w: content exceeds %d characters", ErrInvalidContent, MaxContentChars)
	}
	return nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
