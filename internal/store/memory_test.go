package store

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func seedDeliverable(t *testing.T, s *MemoryStore) Deliverable {
	t.Helper()
	s.AddProject(Project{ID: "p1", OrganizationID: "org1", Name: "Spot"})
	d, _, err := s.CreateDeliverable(context.Background(), Deliverable{
		ID:        "d1",
		ProjectID: "p1",
		Title:     "Hero cut",
		Status:    DeliverableStatusPending,
		CreatedBy: "u1",
	}, nil)
	require.NoError(t, err)
	return d
}

func TestMemoryStoreConcurrentPublishIsGapless(t *testing.T) {
	s := NewMemoryStore()
	d := seedDeliverable(t, s)

	const publishers = 20
	var g errgroup.Group
	for i := 0; i < publishers; i++ {
		g.Go(func() error {
			_, err := s.PublishVersion(context.Background(), DeliverableVersion{
				ID:            fmt.Sprintf("v%d", i),
				DeliverableID: d.ID,
				File:          FileRef{URL: "https://cdn.example.com/cut.mp4"},
				CreatedBy:     "u1",
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	versions, err := s.ListVersions(context.Background(), d.ID)
	require.NoError(t, err)
	require.Len(t, versions, publishers)

	numbers := make([]int, 0, len(versions))
	for _, v := range versions {
		numbers = append(numbers, v.VersionNumber)
	}
	sort.Ints(numbers)
	for i, n := range numbers {
		require.Equal(t, i+1, n)
	}
	require.Equal(t, publishers, versions[0].VersionNumber, "versions are listed newest first")

	got, err := s.GetDeliverable(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, DeliverableStatusInReview, got.Status)
}

func TestMemoryStoreCreateDeliverableWithInitialVersion(t *testing.T) {
	s := NewMemoryStore()
	s.AddProject(Project{ID: "p1", OrganizationID: "org1"})

	initial := &DeliverableVersion{ID: "v1", File: FileRef{URL: "https://cdn.example.com/a.mov"}, CreatedBy: "u1"}
	d, v, err := s.CreateDeliverable(context.Background(), Deliverable{
		ID: "d1", ProjectID: "p1", Title: "Teaser", Status: DeliverableStatusInReview, CreatedBy: "u1",
	}, initial)
	require.NoError(t, err)
	require.Equal(t, DeliverableStatusInReview, d.Status)
	require.NotNil(t, v)
	require.Equal(t, 1, v.VersionNumber)
	require.Equal(t, "d1", v.DeliverableID)

	next, err := s.PublishVersion(context.Background(), DeliverableVersion{ID: "v2", DeliverableID: "d1", CreatedBy: "u1"})
	require.NoError(t, err)
	require.Equal(t, 2, next.VersionNumber)
}

func TestMemoryStoreSingleUseConsumeIsExact(t *testing.T) {
	s := NewMemoryStore()
	d := seedDeliverable(t, s)
	link, err := s.InsertReviewLink(context.Background(), ReviewLink{
		ID:            "l1",
		DeliverableID: d.ID,
		TokenHash:     "hash",
		ExpiresAt:     time.Now().Add(time.Hour),
		SingleUse:     true,
		CreatedBy:     "u1",
	})
	require.NoError(t, err)

	var wins atomic.Int32
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			ok, err := s.ConsumeReviewLink(context.Background(), link.ID, true, time.Now())
			if ok {
				wins.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.EqualValues(t, 1, wins.Load())

	stored, err := s.GetReviewLinkByHash(context.Background(), "hash")
	require.NoError(t, err)
	require.Equal(t, 1, stored.UseCount)
	require.NotNil(t, stored.UsedAt)
}

func TestMemoryStoreRevokedLinkCannotBeConsumed(t *testing.T) {
	s := NewMemoryStore()
	d := seedDeliverable(t, s)
	_, err := s.InsertReviewLink(context.Background(), ReviewLink{ID: "l1", DeliverableID: d.ID, TokenHash: "hash", ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	ok, err := s.RevokeReviewLink(context.Background(), d.ID, "l1", time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.RevokeReviewLink(context.Background(), "other", "l1", time.Now())
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.ConsumeReviewLink(context.Background(), "l1", false, time.Now())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStoreExpiredLinkCannotBeConsumed(t *testing.T) {
	s := NewMemoryStore()
	d := seedDeliverable(t, s)
	expires := time.Now().Add(time.Hour)
	_, err := s.InsertReviewLink(context.Background(), ReviewLink{ID: "l1", DeliverableID: d.ID, TokenHash: "hash", ExpiresAt: expires, SingleUse: true})
	require.NoError(t, err)

	ok, err := s.ConsumeReviewLink(context.Background(), "l1", true, expires)
	require.NoError(t, err)
	require.False(t, ok)

	stored, err := s.GetReviewLinkByHash(context.Background(), "hash")
	require.NoError(t, err)
	require.Zero(t, stored.UseCount)

	ok, err = s.ConsumeReviewLink(context.Background(), "l1", true, expires.Add(-time.Second))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemoryStoreDuplicateTokenHashConflicts(t *testing.T) {
	s := NewMemoryStore()
	d := seedDeliverable(t, s)
	_, err := s.InsertReviewLink(context.Background(), ReviewLink{ID: "l1", DeliverableID: d.ID, TokenHash: "same"})
	require.NoError(t, err)
	_, err = s.InsertReviewLink(context.Background(), ReviewLink{ID: "l2", DeliverableID: d.ID, TokenHash: "same"})
	require.ErrorIs(t, err, ErrConflict)
}

func TestMemoryStoreReplyReopensResolvedThread(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	d := seedDeliverable(t, s)
	v, err := s.PublishVersion(ctx, DeliverableVersion{ID: "v1", DeliverableID: d.ID, CreatedBy: "u1"})
	require.NoError(t, err)

	author := "u2"
	thread, first, err := s.CreateThread(ctx, ReviewThread{ID: "t1", VersionID: v.ID, CreatedBy: &author}, ReviewComment{ID: "c1", Body: "too dark", CreatedBy: &author})
	require.NoError(t, err)
	require.Equal(t, ThreadStatusOpen, thread.Status)
	require.Equal(t, "t1", first.ThreadID)

	resolved, err := s.SetThreadStatus(ctx, "t1", ThreadStatusResolved, "u1")
	require.NoError(t, err)
	require.Equal(t, ThreadStatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
	require.Equal(t, "u1", *resolved.ResolvedBy)

	reopened, _, err := s.AddComment(ctx, ReviewComment{ID: "c2", ThreadID: "t1", Body: "still dark", CreatedBy: &author})
	require.NoError(t, err)
	require.Equal(t, ThreadStatusOpen, reopened.Status)
	require.Nil(t, reopened.ResolvedAt)
	require.Nil(t, reopened.ResolvedBy)

	comments, err := s.ListVersionComments(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, comments, 2)
	require.Equal(t, "c1", comments[0].ID)
	require.Equal(t, "c2", comments[1].ID)
}

func TestMemoryStoreApprovalsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	d := seedDeliverable(t, s)
	v, err := s.PublishVersion(ctx, DeliverableVersion{ID: "v1", DeliverableID: d.ID, CreatedBy: "u1"})
	require.NoError(t, err)

	_, err = s.RecordApproval(ctx, Approval{ID: "a1", DeliverableID: d.ID, VersionID: v.ID, Decision: DecisionChangesRequested, ApproverID: "c1"}, DeliverableStatusInReview)
	require.NoError(t, err)
	_, err = s.RecordApproval(ctx, Approval{ID: "a2", DeliverableID: d.ID, VersionID: v.ID, Decision: DecisionApproved, ApproverID: "c1"}, DeliverableStatusApproved)
	require.NoError(t, err)

	items, err := s.ListApprovals(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "a2", items[0].ID)
	require.Equal(t, "a1", items[1].ID)

	got, err := s.GetDeliverable(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, DeliverableStatusApproved, got.Status)
}

func TestMemoryStoreMissingRowsReportNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.GetProject(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetDeliverable(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.PublishVersion(ctx, DeliverableVersion{ID: "v", DeliverableID: "missing"})
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetReviewLinkByHash(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreApprovalOfOlderVersionKeepsStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	d := seedDeliverable(t, s)
	v1, err := s.PublishVersion(ctx, DeliverableVersion{ID: "v1", DeliverableID: d.ID, CreatedBy: "u1"})
	require.NoError(t, err)
	_, err = s.PublishVersion(ctx, DeliverableVersion{ID: "v2", DeliverableID: d.ID, CreatedBy: "u1"})
	require.NoError(t, err)

	_, err = s.RecordApproval(ctx, Approval{ID: "a1", DeliverableID: d.ID, VersionID: v1.ID, Decision: DecisionApproved, ApproverID: "c1"}, DeliverableStatusApproved)
	require.NoError(t, err)

	got, err := s.GetDeliverable(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, DeliverableStatusInReview, got.Status)

	items, err := s.ListApprovals(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
}
