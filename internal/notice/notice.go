// Package notice surfaces unchecked post and comment reports to admins and
// marks them as checked.
package notice

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/togedog/chat-app/internal/authz"
	"github.com/togedog/chat-app/internal/metrics"
	"github.com/togedog/chat-app/internal/report"
)

// TypeAll selects every notice kind.
const TypeAll = "all"

// ErrInvalidTarget is returned for an unknown type or a malformed id.
var ErrInvalidTarget = errors.New("notice: invalid target")

// Kinds are the report variants that produce admin notices.
var Kinds = []report.Kind{report.KindPost, report.KindComment}

// Store is the subset of the report store the aggregator needs.
type Store interface {
	ListUnchecked(ctx context.Context, kind report.Kind) ([]report.Report, error)
	MarkChecked(ctx context.Context, kind report.Kind, id int64) error
	MarkAllChecked(ctx context.Context, kinds ...report.Kind) (int64, error)
}

// Summary lists every unchecked notice.
type Summary struct {
	Count          int             `json:"count"`
	PostReports    []report.Report `json:"post_reports"`
	CommentReports []report.Report `json:"comment_reports"`
}

// Target selects the notices to mark. With All set, every unchecked notice
// of Kinds is marked; otherwise exactly the one with ID.
type Target struct {
	Kinds []report.Kind
	ID    int64
	All   bool
}

// ParseTarget validates a (type, id) pair. typ is post_report,
// comment_report or all; id is a positive integer or "all". A type of all
// requires an id of all.
func ParseTarget(typ, id string) (Target, error) {
	var t Target
	switch typ {
	case string(report.KindPost), string(report.KindComment):
		t.Kinds = []report.Kind{report.Kind(typ)}
	case TypeAll:
		t.Kinds = Kinds
	default:
		return Target{}, fmt.Errorf("%w: type %q", ErrInvalidTarget, typ)
	}

	if id == TypeAll {
		t.All = true
		return t, nil
	}
	if typ == TypeAll {
		return Target{}, fmt.Errorf("%w: type all requires id all", ErrInvalidTarget)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return Target{}, fmt.Errorf("%w: id %q", ErrInvalidTarget, id)
	}
	t.ID = n
	return t, nil
}

// Aggregator reads and updates notices on behalf of admins.
type Aggregator struct {
	store Store
}

// NewAggregator creates an Aggregator over store.
func NewAggregator(store Store) *Aggregator {
	return &Aggregator{store: store}
}

// Summary returns all unchecked post and comment reports.
func (a *Aggregator) Summary(ctx context.Context, caller authz.Identity) (Summary, error) {
	if err := authz.RequireAdmin(caller); err != nil {
		return Summary{}, err
	}

	posts, err := a.store.ListUnchecked(ctx, report.KindPost)
	if err != nil {
		return Summary{}, err
	}
	comments, err := a.store.ListUnchecked(ctx, report.KindComment)
	if err != nil {
		return Summary{}, err
	}
	if posts == nil {
		posts = []report.Report{}
	}
	if comments == nil {
		comments = []report.Report{}
	}

	return Summary{
		Count:          len(posts) + len(comments),
		PostReports:    posts,
		CommentReports: comments,
	}, nil
}

// MarkChecked flips the targeted notices to checked. A single id that is
// unknown or already checked yields report.ErrNotFound; marking all is always
// a success, even when nothing changes.
func (a *Aggregator) MarkChecked(ctx context.Context, caller authz.Identity, t Target) error {
	if err := authz.RequireAdmin(caller); err != nil {
		return err
	}
	if len(t.Kinds) == 0 {
		return fmt.Errorf("%w: no kind", ErrInvalidTarget)
	}

	if t.All {
		n, err := a.store.MarkAllChecked(ctx, t.Kinds...)
		if err != nil {
			return err
		}
		if len(t.Kinds) == 1 {
			metrics.NoticesChecked.WithLabelValues(string(t.Kinds[0])).Add(float64(n))
		} else {
			metrics.NoticesChecked.WithLabelValues(TypeAll).Add(float64(n))
		}
		return nil
	}

	if len(t.Kinds) != 1 {
		return fmt.Errorf("%w: a single id needs a single kind", ErrInvalidTarget)
	}
	if err := a.store.MarkChecked(ctx, t.Kinds[0], t.ID); err != nil {
		return err
	}
	metrics.NoticesChecked.WithLabelValues(string(t.Kinds[0])).Inc()
	return nil
}
