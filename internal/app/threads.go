package app

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"frameline/api/internal/notify"
	"frameline/api/internal/rbac"
	"frameline/api/internal/store"
	"frameline/api/internal/util"
)

type OpenThreadInput struct {
	Body   string `json:"body"`
	Anchor Anchor `json:"anchor"`
}

type AddCommentInput struct {
	Body string `json:"body"`
}

// OpenThread needs only read access: anyone who can see a version may start
// a discussion on it.
func (s *Service) OpenThread(ctx context.Context, id Identity, versionID string, input OpenThreadInput) (ThreadView, error) {
	ctx, span := s.startSpan(ctx, "OpenThread", attribute.String("version.id", versionID))
	defer span.End()

	body, err := validateBody(input.Body)
	if err != nil {
		return ThreadView{}, err
	}
	if err := validateAnchor(input.Anchor); err != nil {
		return ThreadView{}, err
	}
	sc, err := s.versionScope(ctx, id, versionID)
	if err != nil {
		return ThreadView{}, err
	}
	if err := sc.require(rbac.ActionRead); err != nil {
		return ThreadView{}, err
	}

	author := id.UserID
	return s.createThread(ctx, sc, sc.actor(id), input.Anchor, store.ReviewComment{
		ID:        util.NewID(),
		Body:      body,
		CreatedBy: &author,
	})
}

func (s *Service) createThread(ctx context.Context, sc scope, actor notify.Actor, anchor Anchor, first store.ReviewComment) (ThreadView, error) {
	thread := store.ReviewThread{
		ID:              util.NewID(),
		VersionID:       sc.Version.ID,
		TimecodeSeconds: anchor.TimecodeSeconds,
		X:               anchor.X,
		Y:               anchor.Y,
		CreatedBy:       first.CreatedBy,
	}
	created, comment, err := s.store.CreateThread(ctx, thread, first)
	if err != nil {
		return ThreadView{}, lookupErr(err, "version")
	}

	s.indexComment(sc, created.ID, comment)
	s.notifier.Notify(ctx, sc.Project.ID, actor, notify.NewMessageEvent{
		DeliverableID:    sc.Deliverable.ID,
		DeliverableTitle: sc.Deliverable.Title,
		VersionID:        sc.Version.ID,
		ThreadID:         created.ID,
		CommentID:        comment.ID,
		AuthorName:       actor.DisplayName,
		Excerpt:          comment.Body,
		NewThread:        true,
	})

	view := threadView(created)
	view.Comments = []CommentView{commentView(comment)}
	return view, nil
}

// AddComment appends to a thread. A resolved thread is reopened by any
// reply, including one from whoever resolved it.
func (s *Service) AddComment(ctx context.Context, id Identity, threadID string, input AddCommentInput) (CommentResult, error) {
	ctx, span := s.startSpan(ctx, "AddComment", attribute.String("thread.id", threadID))
	defer span.End()

	body, err := validateBody(input.Body)
	if err != nil {
		return CommentResult{}, err
	}
	thread, sc, err := s.threadScope(ctx, id, threadID)
	if err != nil {
		return CommentResult{}, err
	}
	if err := sc.require(rbac.ActionRead); err != nil {
		return CommentResult{}, err
	}

	author := id.UserID
	return s.appendComment(ctx, sc, sc.actor(id), store.ReviewComment{
		ID:        util.NewID(),
		ThreadID:  thread.ID,
		Body:      body,
		CreatedBy: &author,
	})
}

func (s *Service) appendComment(ctx context.Context, sc scope, actor notify.Actor, comment store.ReviewComment) (CommentResult, error) {
	thread, created, err := s.store.AddComment(ctx, comment)
	if err != nil {
		return CommentResult{}, lookupErr(err, "thread")
	}

	s.indexComment(sc, thread.ID, created)
	s.notifier.Notify(ctx, sc.Project.ID, actor, notify.NewMessageEvent{
		DeliverableID:    sc.Deliverable.ID,
		DeliverableTitle: sc.Deliverable.Title,
		VersionID:        sc.Version.ID,
		ThreadID:         thread.ID,
		CommentID:        created.ID,
		AuthorName:       actor.DisplayName,
		Excerpt:          created.Body,
	})
	return CommentResult{Thread: threadView(thread), Comment: commentView(created)}, nil
}

// SetThreadStatus lets writers move any thread and lets authors move their
// own.
func (s *Service) SetThreadStatus(ctx context.Context, id Identity, threadID, status string) (ThreadView, error) {
	ctx, span := s.startSpan(ctx, "SetThreadStatus", attribute.String("thread.id", threadID))
	defer span.End()

	status = strings.ToLower(strings.TrimSpace(status))
	if status != store.ThreadStatusOpen && status != store.ThreadStatusResolved {
		return ThreadView{}, errInvalidInput("status must be open or resolved", map[string]any{"status": status})
	}
	thread, sc, err := s.threadScope(ctx, id, threadID)
	if err != nil {
		return ThreadView{}, err
	}
	isAuthor := !id.Anonymous() && thread.CreatedBy != nil && *thread.CreatedBy == id.UserID
	if !sc.Access.CanWrite && !isAuthor {
		return ThreadView{}, errForbidden()
	}

	updated, err := s.store.SetThreadStatus(ctx, thread.ID, status, id.UserID)
	if err != nil {
		return ThreadView{}, lookupErr(err, "thread")
	}
	s.log.Info("thread status changed", "thread_id", thread.ID, "status", status, "user_id", id.UserID)
	return threadView(updated), nil
}

// ListThreads returns the threads of a version with their comments. Threads
// are oldest first unless descending is set; comments are always oldest
// first.
func (s *Service) ListThreads(ctx context.Context, id Identity, versionID string, descending bool) ([]ThreadView, error) {
	sc, err := s.versionScope(ctx, id, versionID)
	if err != nil {
		return nil, err
	}
	if err := sc.require(rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.versionThreads(ctx, sc.Version.ID, descending)
}

func (s *Service) versionThreads(ctx context.Context, versionID string, descending bool) ([]ThreadView, error) {
	threads, err := s.store.ListThreads(ctx, versionID, descending)
	if err != nil {
		return nil, err
	}
	comments, err := s.store.ListVersionComments(ctx, versionID)
	if err != nil {
		return nil, err
	}
	byThread := make(map[string][]CommentView, len(threads))
	for _, c := range comments {
		byThread[c.ThreadID] = append(byThread[c.ThreadID], commentView(c))
	}
	out := make([]ThreadView, 0, len(threads))
	for _, t := range threads {
		view := threadView(t)
		view.Comments = byThread[t.ID]
		if view.Comments == nil {
			view.Comments = []CommentView{}
		}
		out = append(out, view)
	}
	return out, nil
}

func (s *Service) threadScope(ctx context.Context, id Identity, threadID string) (store.ReviewThread, scope, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return store.ReviewThread{}, scope{}, lookupErr(err, "thread")
	}
	sc, err := s.versionScope(ctx, id, thread.VersionID)
	if err != nil {
		return store.ReviewThread{}, scope{}, err
	}
	return thread, sc, nil
}
