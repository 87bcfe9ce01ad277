package app

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"frameline/api/internal/search"
	"frameline/api/internal/store"
)

func TestReviewScenario(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newTestStore())

	d := mustCreateDeliverable(t, svc, "Hero spot")
	require.Equal(t, store.DeliverableStatusPending, d.Status)

	detail, err := svc.GetDeliverable(ctx, editorID, d.ID)
	require.NoError(t, err)
	require.Equal(t, store.DeliverableStatusPending, detail.Deliverable.Status, "no versions keeps the deliverable pending")

	v1 := mustPublish(t, svc, d.ID)
	require.Equal(t, 1, v1.VersionNumber)
	detail, err = svc.GetDeliverable(ctx, editorID, d.ID)
	require.NoError(t, err)
	require.Equal(t, store.DeliverableStatusInReview, detail.Deliverable.Status)

	thread, err := svc.OpenThread(ctx, viewerID, v1.ID, OpenThreadInput{
		Body:   "fix color",
		Anchor: Anchor{TimecodeSeconds: ptr(12.5)},
	})
	require.NoError(t, err)
	require.Equal(t, store.ThreadStatusOpen, thread.Status)
	require.Len(t, thread.Comments, 1)
	require.Equal(t, 12.5, *thread.TimecodeSeconds)

	resolved, err := svc.SetThreadStatus(ctx, editorID, thread.ID, "resolved")
	require.NoError(t, err)
	require.Equal(t, store.ThreadStatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
	require.Equal(t, editorID.UserID, *resolved.ResolvedBy)

	reply, err := svc.AddComment(ctx, editorID, thread.ID, AddCommentInput{Body: "  one more pass  "})
	require.NoError(t, err)
	require.Equal(t, "one more pass", reply.Comment.Body)
	require.Equal(t, store.ThreadStatusOpen, reply.Thread.Status)
	require.Nil(t, reply.Thread.ResolvedAt)
	require.Nil(t, reply.Thread.ResolvedBy)

	approval, err := svc.RecordApproval(ctx, approverID, d.ID, RecordApprovalInput{VersionID: v1.ID, Decision: "approved"})
	require.NoError(t, err)
	require.Equal(t, store.DecisionApproved, approval.Decision)
	detail, err = svc.GetDeliverable(ctx, editorID, d.ID)
	require.NoError(t, err)
	require.Equal(t, store.DeliverableStatusApproved, detail.Deliverable.Status)

	v2 := mustPublish(t, svc, d.ID)
	require.Equal(t, 2, v2.VersionNumber)
	detail, err = svc.GetDeliverable(ctx, editorID, d.ID)
	require.NoError(t, err)
	require.Equal(t, store.DeliverableStatusInReview, detail.Deliverable.Status, "a new version reopens review")
	require.Equal(t, []int{2, 1}, []int{detail.Versions[0].VersionNumber, detail.Versions[1].VersionNumber})

	threads, err := svc.ListThreads(ctx, viewerID, v1.ID, false)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	require.Len(t, threads[0].Comments, 2)
	require.Equal(t, "fix color", threads[0].Comments[0].Body)
}

func TestCreateDeliverableWithInitialFile(t *testing.T) {
	svc := newTestService(t, newTestStore())

	detail, err := svc.CreateDeliverable(context.Background(), editorID, testProjectID, CreateDeliverableInput{
		Title: "Teaser",
		File:  &FileInput{URL: "https://cdn.example.test/teaser.mov", DurationSeconds: ptr(31.0)},
	})
	require.NoError(t, err)
	require.Equal(t, store.DeliverableStatusInReview, detail.Deliverable.Status)
	require.Len(t, detail.Versions, 1)
	require.Equal(t, 1, detail.Versions[0].VersionNumber)

	next := mustPublish(t, svc, detail.Deliverable.ID)
	require.Equal(t, 2, next.VersionNumber)
}

func TestCreateDeliverableValidation(t *testing.T) {
	svc := newTestService(t, newTestStore())
	ctx := context.Background()

	_, err := svc.CreateDeliverable(ctx, editorID, testProjectID, CreateDeliverableInput{Title: "   "})
	requireKind(t, err, CodeInvalidInput)

	_, err = svc.CreateDeliverable(ctx, editorID, testProjectID, CreateDeliverableInput{Title: "Cut", File: &FileInput{}})
	requireKind(t, err, CodeInvalidInput)

	_, err = svc.CreateDeliverable(ctx, editorID, "missing", CreateDeliverableInput{Title: "Cut"})
	requireKind(t, err, CodeNotFound)
}

func TestPublishVersionConcurrentNumbering(t *testing.T) {
	svc := newTestService(t, newTestStore())
	d := mustCreateDeliverable(t, svc, "Concurrent")

	const publishers = 20
	var g errgroup.Group
	numbers := make([]int, publishers)
	for i := 0; i < publishers; i++ {
		g.Go(func() error {
			v, err := svc.PublishVersion(context.Background(), editorID, d.ID, PublishVersionInput{File: FileInput{URL: "https://cdn.example.test/a.mp4"}})
			if err != nil {
				return err
			}
			numbers[i] = v.VersionNumber
			return nil
		})
	}
	require.NoError(t, g.Wait())

	sort.Ints(numbers)
	for i, n := range numbers {
		require.Equal(t, i+1, n)
	}
}

func TestPublishVersionRetriesConflictOnce(t *testing.T) {
	cs := &conflictStore{MemoryStore: newTestStore()}
	svc := newTestService(t, cs)
	d := mustCreateDeliverable(t, svc, "Retry")

	cs.remaining.Store(1)
	v := mustPublish(t, svc, d.ID)
	require.Equal(t, 1, v.VersionNumber)

	cs.remaining.Store(2)
	_, err := svc.PublishVersion(context.Background(), editorID, d.ID, PublishVersionInput{File: FileInput{URL: "https://cdn.example.test/b.mp4"}})
	requireKind(t, err, CodeConflict)
}

func TestAccessIsEnforcedPerCapability(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newTestStore())
	d := mustCreateDeliverable(t, svc, "Gated")
	v := mustPublish(t, svc, d.ID)

	_, err := svc.PublishVersion(ctx, viewerID, d.ID, PublishVersionInput{File: FileInput{URL: "x"}})
	requireKind(t, err, CodeForbidden)

	_, err = svc.ListDeliverables(ctx, outsider, testProjectID)
	requireKind(t, err, CodeForbidden)

	_, err = svc.ListDeliverables(ctx, Identity{}, testProjectID)
	requireKind(t, err, CodeForbidden)

	_, err = svc.OpenThread(ctx, outsider, v.ID, OpenThreadInput{Body: "hi"})
	requireKind(t, err, CodeForbidden)

	_, err = svc.RecordApproval(ctx, viewerID, d.ID, RecordApprovalInput{VersionID: v.ID, Decision: "approved"})
	requireKind(t, err, CodeForbidden)

	_, err = svc.RecordApproval(ctx, editorID, d.ID, RecordApprovalInput{VersionID: v.ID, Decision: "approved"})
	requireKind(t, err, CodeForbidden)

	_, err = svc.IssueReviewLink(ctx, approverID, d.ID, IssueReviewLinkInput{})
	requireKind(t, err, CodeForbidden)

	items, err := svc.ListDeliverables(ctx, viewerID, testProjectID)
	require.NoError(t, err)
	require.Len(t, items, 1)

	_, err = svc.GetDeliverable(ctx, editorID, "missing")
	requireKind(t, err, CodeNotFound)
}

func TestGetAccessReportsCapabilities(t *testing.T) {
	svc := newTestService(t, newTestStore())

	access, err := svc.GetAccess(context.Background(), approverID, testProjectID)
	require.NoError(t, err)
	require.True(t, access.CanRead)
	require.False(t, access.CanWrite)
	require.True(t, access.CanApprove)
	require.True(t, access.IsClientUser)
	require.Equal(t, "client_approver", access.ProjectMemberRole)

	_, err = svc.GetAccess(context.Background(), approverID, "nope")
	requireKind(t, err, CodeNotFound)
}

func TestSetThreadStatusAllowsAuthorOrWriter(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newTestStore())
	d := mustCreateDeliverable(t, svc, "Threads")
	v := mustPublish(t, svc, d.ID)

	thread, err := svc.OpenThread(ctx, viewerID, v.ID, OpenThreadInput{Body: "logo too small"})
	require.NoError(t, err)

	_, err = svc.SetThreadStatus(ctx, approverID, thread.ID, "resolved")
	requireKind(t, err, CodeForbidden)

	updated, err := svc.SetThreadStatus(ctx, viewerID, thread.ID, "resolved")
	require.NoError(t, err)
	require.Equal(t, store.ThreadStatusResolved, updated.Status)

	updated, err = svc.SetThreadStatus(ctx, editorID, thread.ID, "open")
	require.NoError(t, err)
	require.Equal(t, store.ThreadStatusOpen, updated.Status)
	require.Nil(t, updated.ResolvedAt)

	_, err = svc.SetThreadStatus(ctx, editorID, thread.ID, "archived")
	requireKind(t, err, CodeInvalidInput)

	_, err = svc.SetThreadStatus(ctx, editorID, "missing", "open")
	requireKind(t, err, CodeNotFound)
}

func TestOpenThreadValidatesAnchorAndBody(t *testing.T) {
	svc := newTestService(t, newTestStore())
	d := mustCreateDeliverable(t, svc, "Anchors")
	v := mustPublish(t, svc, d.ID)

	cases := []struct {
		name  string
		input OpenThreadInput
		ok    bool
	}{
		{name: "general", input: OpenThreadInput{Body: "overall fine"}, ok: true},
		{name: "timecode and point", input: OpenThreadInput{Body: "here", Anchor: Anchor{TimecodeSeconds: ptr(0.0), X: ptr(0.5), Y: ptr(1.0)}}, ok: true},
		{name: "negative timecode", input: OpenThreadInput{Body: "x", Anchor: Anchor{TimecodeSeconds: ptr(-1.0)}}},
		{name: "x without y", input: OpenThreadInput{Body: "x", Anchor: Anchor{X: ptr(0.2)}}},
		{name: "y out of range", input: OpenThreadInput{Body: "x", Anchor: Anchor{X: ptr(0.2), Y: ptr(1.2)}}},
		{name: "blank body", input: OpenThreadInput{Body: " \n "}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.OpenThread(context.Background(), editorID, v.ID, tc.input)
			if tc.ok {
				require.NoError(t, err)
				return
			}
			requireKind(t, err, CodeInvalidInput)
		})
	}
}

func TestRecordApprovalDecisionsDriveStatus(t *testing.T) {
	cases := []struct {
		decision string
		want     string
	}{
		{decision: "approved", want: store.DeliverableStatusApproved},
		{decision: "rejected", want: store.DeliverableStatusRejected},
		{decision: "changes_requested", want: store.DeliverableStatusInReview},
	}
	for _, tc := range cases {
		t.Run(tc.decision, func(t *testing.T) {
			svc := newTestService(t, newTestStore())
			d := mustCreateDeliverable(t, svc, "Decisions")
			v := mustPublish(t, svc, d.ID)

			_, err := svc.RecordApproval(context.Background(), ownerID, d.ID, RecordApprovalInput{VersionID: v.ID, Decision: tc.decision})
			require.NoError(t, err)
			detail, err := svc.GetDeliverable(context.Background(), ownerID, d.ID)
			require.NoError(t, err)
			require.Equal(t, tc.want, detail.Deliverable.Status)
		})
	}
}

func TestApprovingOlderVersionKeepsReviewOpen(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newTestStore())
	d := mustCreateDeliverable(t, svc, "Two cuts")
	v1 := mustPublish(t, svc, d.ID)
	v2 := mustPublish(t, svc, d.ID)

	_, err := svc.RecordApproval(ctx, approverID, d.ID, RecordApprovalInput{VersionID: v1.ID, Decision: "approved"})
	require.NoError(t, err)
	detail, err := svc.GetDeliverable(ctx, editorID, d.ID)
	require.NoError(t, err)
	require.Equal(t, store.DeliverableStatusInReview, detail.Deliverable.Status)

	approvals, err := svc.ListApprovals(ctx, viewerID, d.ID)
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	require.Equal(t, v1.ID, approvals[0].VersionID)

	_, err = svc.RecordApproval(ctx, approverID, d.ID, RecordApprovalInput{VersionID: v2.ID, Decision: "approved"})
	require.NoError(t, err)
	detail, err = svc.GetDeliverable(ctx, editorID, d.ID)
	require.NoError(t, err)
	require.Equal(t, store.DeliverableStatusApproved, detail.Deliverable.Status)
}

func TestRecordApprovalRejectsForeignVersion(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newTestStore())
	a := mustCreateDeliverable(t, svc, "A")
	b := mustCreateDeliverable(t, svc, "B")
	vb := mustPublish(t, svc, b.ID)

	_, err := svc.RecordApproval(ctx, ownerID, a.ID, RecordApprovalInput{VersionID: vb.ID, Decision: "approved"})
	requireKind(t, err, CodeNotFound)

	_, err = svc.RecordApproval(ctx, ownerID, b.ID, RecordApprovalInput{VersionID: vb.ID, Decision: "maybe"})
	requireKind(t, err, CodeInvalidInput)
}

func TestListApprovalsKeepsHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newTestStore())
	d := mustCreateDeliverable(t, svc, "History")
	v := mustPublish(t, svc, d.ID)

	for _, decision := range []string{"changes_requested", "rejected", "approved"} {
		_, err := svc.RecordApproval(ctx, approverID, d.ID, RecordApprovalInput{VersionID: v.ID, Decision: decision})
		require.NoError(t, err)
	}
	approvals, err := svc.ListApprovals(ctx, viewerID, d.ID)
	require.NoError(t, err)
	require.Len(t, approvals, 3)
	require.Equal(t, "approved", approvals[0].Decision)
	require.Equal(t, "changes_requested", approvals[2].Decision)
}

func TestNotificationsGoToOppositeAudienceOnly(t *testing.T) {
	ctx := context.Background()
	ms := newTestStore()
	// A client user who also holds an internal role.
	ms.AddProjectMember(testProjectID, "u-hybrid", "editor")
	ms.AddClientMember("client-1", "u-hybrid")
	svc := newTestService(t, ms)

	d := mustCreateDeliverable(t, svc, "Fan-out")
	v := mustPublish(t, svc, d.ID)

	recipients := func(typ string) []string {
		var out []string
		for _, n := range ms.Notifications() {
			if n.Type == typ {
				out = append(out, n.UserID)
			}
		}
		sort.Strings(out)
		return out
	}
	require.Equal(t, []string{approverID.UserID, viewerID.UserID}, recipients("new_file"))

	hybrid := Identity{UserID: "u-hybrid", Name: "Hal Hybrid"}
	_, err := svc.OpenThread(ctx, hybrid, v.ID, OpenThreadInput{Body: "from the client side"})
	require.NoError(t, err)
	got := recipients("new_message")
	require.Equal(t, []string{editorID.UserID, ownerID.UserID}, got)
	require.NotContains(t, got, hybrid.UserID)

	audits := ms.AuditEntries()
	require.NotEmpty(t, audits)
	require.Equal(t, "new_message", audits[len(audits)-1].Action)
}

func TestSearchCommentsRequiresReadAndQuery(t *testing.T) {
	svc := newTestService(t, newTestStore())

	_, err := svc.SearchComments(context.Background(), outsider, testProjectID, "color", 10, 0)
	requireKind(t, err, CodeForbidden)

	_, err = svc.SearchComments(context.Background(), viewerID, testProjectID, "  ", 10, 0)
	requireKind(t, err, CodeInvalidInput)

	resp, err := svc.SearchComments(context.Background(), viewerID, testProjectID, "color", 10, 0)
	require.NoError(t, err)
	require.Empty(t, resp.Results)
}

type recordingSearch struct {
	mu      sync.Mutex
	records []search.CommentRecord
}

func (r *recordingSearch) Search(_ context.Context, q search.Query) search.Response {
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (r *recordingSearch) IndexComment(rec search.CommentRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func TestIndexedAuthorMatchesStoredAuthor(t *testing.T) {
	ctx := context.Background()
	rec := &recordingSearch{}
	ms := newTestStore()
	svc := New(testConfig(), ms, Options{Search: rec})
	d := mustCreateDeliverable(t, svc, "Indexed")
	v := mustPublish(t, svc, d.ID)

	thread, err := svc.OpenThread(ctx, viewerID, v.ID, OpenThreadInput{Body: "warmer please"})
	require.NoError(t, err)

	issued, err := svc.IssueReviewLink(ctx, editorID, d.ID, IssueReviewLinkInput{AllowGuestComments: true})
	require.NoError(t, err)
	_, err = svc.PostGuestComment(ctx, Identity{}, GuestCommentInput{
		Token:     tokenFromShareURL(t, issued.ShareURL),
		ThreadID:  thread.ID,
		Body:      "agreed",
		GuestName: "Gail",
	})
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.records, 2)
	require.Equal(t, viewerID.UserID, rec.records[0].Author)
	require.Equal(t, "Gail", rec.records[1].Author)
	require.Equal(t, testProjectID, rec.records[1].ProjectID)
	require.Equal(t, v.ID, rec.records[1].VersionID)
}
