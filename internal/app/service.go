package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"frameline/api/internal/auth"
	"frameline/api/internal/config"
	"frameline/api/internal/logger"
	"frameline/api/internal/notify"
	"frameline/api/internal/rbac"
	"frameline/api/internal/search"
	"frameline/api/internal/store"
)

const (
	maxTitleLength   = 200
	maxBodyLength    = 10000
	maxGuestNameSize = 120
)

type dataStore interface {
	rbac.Lookup
	notify.Store

	GetProject(context.Context, string) (store.Project, error)
	CreateDeliverable(context.Context, store.Deliverable, *store.DeliverableVersion) (store.Deliverable, *store.DeliverableVersion, error)
	PublishVersion(context.Context, store.DeliverableVersion) (store.DeliverableVersion, error)
	GetDeliverable(context.Context, string) (store.Deliverable, error)
	ListDeliverables(context.Context, string) ([]store.Deliverable, error)
	GetVersion(context.Context, string) (store.DeliverableVersion, error)
	ListVersions(context.Context, string) ([]store.DeliverableVersion, error)
	CreateThread(context.Context, store.ReviewThread, store.ReviewComment) (store.ReviewThread, store.ReviewComment, error)
	GetThread(context.Context, string) (store.ReviewThread, error)
	AddComment(context.Context, store.ReviewComment) (store.ReviewThread, store.ReviewComment, error)
	SetThreadStatus(context.Context, string, string, string) (store.ReviewThread, error)
	ListThreads(context.Context, string, bool) ([]store.ReviewThread, error)
	ListVersionComments(context.Context, string) ([]store.ReviewComment, error)
	RecordApproval(context.Context, store.Approval, string) (store.Approval, error)
	ListApprovals(context.Context, string) ([]store.Approval, error)
	ListVersionApprovals(context.Context, string) ([]store.Approval, error)
	InsertReviewLink(context.Context, store.ReviewLink) (store.ReviewLink, error)
	GetReviewLinkByHash(context.Context, string) (store.ReviewLink, error)
	ConsumeReviewLink(context.Context, string, bool, time.Time) (bool, error)
	ListReviewLinks(context.Context, string) ([]store.ReviewLink, error)
	RevokeReviewLink(context.Context, string, string, time.Time) (bool, error)
	Ping(ctx context.Context) error
}

type notifier interface {
	Notify(ctx context.Context, projectID string, actor notify.Actor, event notify.Event) []string
}

type commentSearch interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexComment(rec search.CommentRecord)
}

// Identity is the authenticated caller. The zero value is an anonymous
// caller.
type Identity struct {
	UserID string
	Name   string
}

func (i Identity) Anonymous() bool {
	return strings.TrimSpace(i.UserID) == ""
}

type Options struct {
	Notifier notifier
	Search   commentSearch
	Logger   *logger.Logger
	Tracer   trace.Tracer
}

type Service struct {
	cfg      config.Config
	store    dataStore
	access   *rbac.Resolver
	notifier notifier
	search   commentSearch
	log      *logger.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// New wires a service over s. Without a notifier the service writes
// notifications straight to s with no realtime push.
func New(cfg config.Config, s dataStore, opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}
	n := opts.Notifier
	if n == nil {
		n = notify.New(s, nil, log)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("frameline/app")
	}
	return &Service{
		cfg:      cfg,
		store:    s,
		access:   rbac.NewResolver(s),
		notifier: n,
		search:   opts.Search,
		log:      log.With("component", "app"),
		tracer:   tracer,
		now:      time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// IdentityFromToken validates a bearer token.
func (s *Service) IdentityFromToken(token string) (Identity, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: claims.Subject, Name: claims.Name}, nil
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "app."+name, trace.WithAttributes(attrs...))
}

// scope is everything an operation learned while resolving access. Fields
// past Project are filled only when the operation targets them.
type scope struct {
	Project     store.Project
	Access      rbac.AccessContext
	Deliverable store.Deliverable
	Version     store.DeliverableVersion
}

func (sc scope) actor(id Identity) notify.Actor {
	return notify.Actor{UserID: id.UserID, DisplayName: displayName(id), IsClientUser: sc.Access.IsClientUser}
}

func (sc scope) require(action rbac.Action) error {
	if !sc.Access.Can(action) {
		return errForbidden()
	}
	return nil
}

func rbacProject(p store.Project) rbac.Project {
	return rbac.Project{
		ID:             p.ID,
		OrganizationID: p.OrganizationID,
		ClientID:       p.ClientID,
		OwnerID:        p.OwnerID,
		CreatedBy:      p.CreatedBy,
	}
}

func (s *Service) projectScope(ctx context.Context, id Identity, projectID string) (scope, error) {
	if strings.TrimSpace(projectID) == "" {
		return scope{}, errNotFound("project")
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return scope{}, lookupErr(err, "project")
	}
	access, err := s.access.Resolve(ctx, id.UserID, rbacProject(project))
	if err != nil {
		return scope{}, err
	}
	return scope{Project: project, Access: access}, nil
}

func (s *Service) deliverableScope(ctx context.Context, id Identity, deliverableID string) (scope, error) {
	deliverable, err := s.store.GetDeliverable(ctx, deliverableID)
	if err != nil {
		return scope{}, lookupErr(err, "deliverable")
	}
	sc, err := s.projectScope(ctx, id, deliverable.ProjectID)
	if err != nil {
		return scope{}, err
	}
	sc.Deliverable = deliverable
	return sc, nil
}

func (s *Service) versionScope(ctx context.Context, id Identity, versionID string) (scope, error) {
	version, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return scope{}, lookupErr(err, "version")
	}
	sc, err := s.deliverableScope(ctx, id, version.DeliverableID)
	if err != nil {
		return scope{}, err
	}
	sc.Version = version
	return sc, nil
}

// GetAccess returns the caller's capabilities on a project.
func (s *Service) GetAccess(ctx context.Context, id Identity, projectID string) (AccessView, error) {
	sc, err := s.projectScope(ctx, id, projectID)
	if err != nil {
		return AccessView{}, err
	}
	return accessView(sc.Project.ID, sc.Access), nil
}

func (s *Service) SearchComments(ctx context.Context, id Identity, projectID, text string, limit, offset int) (search.Response, error) {
	ctx, span := s.startSpan(ctx, "SearchComments", attribute.String("project.id", projectID))
	defer span.End()

	sc, err := s.projectScope(ctx, id, projectID)
	if err != nil {
		return search.Response{}, err
	}
	if err := sc.require(rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return search.Response{}, errInvalidInput("q is required", nil)
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(ctx, search.Query{ProjectID: sc.Project.ID, Text: text, Limit: limit, Offset: offset}), nil
}

// indexComment uses the same author as Postgres search: the user id, or the
// guest name for guest comments.
func (s *Service) indexComment(sc scope, threadID string, comment store.ReviewComment) {
	if s.search == nil {
		return
	}
	author := ""
	switch {
	case comment.CreatedBy != nil:
		author = *comment.CreatedBy
	case comment.GuestName != nil:
		author = *comment.GuestName
	}
	s.search.IndexComment(search.CommentRecord{
		ID:            comment.ID,
		Body:          comment.Body,
		Author:        author,
		ThreadID:      threadID,
		VersionID:     sc.Version.ID,
		DeliverableID: sc.Deliverable.ID,
		ProjectID:     sc.Project.ID,
		CreatedAt:     comment.CreatedAt.Unix(),
	})
}

func displayName(id Identity) string {
	if name := strings.TrimSpace(id.Name); name != "" {
		return name
	}
	return "Someone"
}

func validateTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", errInvalidInput("title is required", nil)
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return "", errInvalidInput(fmt.Sprintf("title must be at most %d characters", maxTitleLength), nil)
	}
	return title, nil
}

func validateBody(body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", errInvalidInput("body is required", nil)
	}
	if utf8.RuneCountInString(body) > maxBodyLength {
		return "", errInvalidInput(fmt.Sprintf("body must be at most %d characters", maxBodyLength), nil)
	}
	return body, nil
}

func validateAnchor(anchor Anchor) error {
	if anchor.TimecodeSeconds != nil && *anchor.TimecodeSeconds < 0 {
		return errInvalidInput("timecodeSeconds must be zero or greater", nil)
	}
	if (anchor.X == nil) != (anchor.Y == nil) {
		return errInvalidInput("x and y must be given together", nil)
	}
	for _, v := range []*float64{anchor.X, anchor.Y} {
		if v != nil && (*v < 0 || *v > 1) {
			return errInvalidInput("x and y must lie between 0 and 1", nil)
		}
	}
	return nil
}

func validateFile(file FileInput) (store.FileRef, error) {
	url := strings.TrimSpace(file.URL)
	if url == "" {
		return store.FileRef{}, errInvalidInput("file.url is required", nil)
	}
	if file.DurationSeconds != nil && *file.DurationSeconds < 0 {
		return store.FileRef{}, errInvalidInput("file.durationSeconds must be zero or greater", nil)
	}
	return store.FileRef{URL: url, Type: strings.TrimSpace(file.Type), DurationSeconds: file.DurationSeconds}, nil
}

func isConflict(err error) bool {
	return errors.Is(err, store.ErrConflict)
}
