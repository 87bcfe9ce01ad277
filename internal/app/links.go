package app

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"frameline/api/internal/auth"
	"frameline/api/internal/notify"
	"frameline/api/internal/rbac"
	"frameline/api/internal/store"
	"frameline/api/internal/util"
)

type IssueReviewLinkInput struct {
	ExpiresInDays      *int    `json:"expiresInDays"`
	Password           *string `json:"password"`
	SingleUse          bool    `json:"singleUse"`
	RequireAuth        bool    `json:"requireAuth"`
	AllowGuestComments bool    `json:"allowGuestComments"`
}

type RedeemReviewLinkInput struct {
	Token     string `json:"-"`
	Password  string `json:"password"`
	VersionID string `json:"versionId"`
}

type GuestCommentInput struct {
	Token      string `json:"-"`
	Password   string `json:"password"`
	VersionID  string `json:"versionId"`
	ThreadID   string `json:"threadId"`
	Body       string `json:"body"`
	GuestName  string `json:"guestName"`
	GuestEmail string `json:"guestEmail"`
	Anchor     Anchor `json:"anchor"`
	Grant      string `json:"grant"`
}

// commentGrantTTL bounds how long a redeemer of a single-use link may keep
// commenting. The grant never outlives the link itself.
const commentGrantTTL = 2 * time.Hour

// IssueReviewLink mints a share token. Only its SHA-256 is stored, so the
// returned share URL cannot be recovered later.
func (s *Service) IssueReviewLink(ctx context.Context, id Identity, deliverableID string, input IssueReviewLinkInput) (IssuedLink, error) {
	ctx, span := s.startSpan(ctx, "IssueReviewLink", attribute.String("deliverable.id", deliverableID))
	defer span.End()

	days := s.cfg.LinkDefaultDays
	if input.ExpiresInDays != nil {
		days = *input.ExpiresInDays
	}
	if days < 1 || days > s.cfg.LinkMaxDays {
		return IssuedLink{}, errInvalidInput(fmt.Sprintf("expiresInDays must be between 1 and %d", s.cfg.LinkMaxDays), map[string]any{"expiresInDays": days})
	}

	sc, err := s.deliverableScope(ctx, id, deliverableID)
	if err != nil {
		return IssuedLink{}, err
	}
	if err := sc.require(rbac.ActionWrite); err != nil {
		return IssuedLink{}, err
	}

	var passwordHash *string
	if input.Password != nil && *input.Password != "" {
		hashed, err := auth.HashPassword(*input.Password)
		if err != nil {
			return IssuedLink{}, err
		}
		passwordHash = &hashed
	}

	link := store.ReviewLink{
		ID:                 util.NewID(),
		DeliverableID:      sc.Deliverable.ID,
		PasswordHash:       passwordHash,
		ExpiresAt:          s.now().UTC().Add(time.Duration(days) * 24 * time.Hour),
		RequireAuth:        input.RequireAuth,
		SingleUse:          input.SingleUse,
		AllowGuestComments: input.AllowGuestComments,
		CreatedBy:          id.UserID,
	}
	var token string
	for attempt := 0; ; attempt++ {
		token, err = auth.NewOpaqueToken()
		if err != nil {
			return IssuedLink{}, err
		}
		link.TokenHash = auth.HashToken(token)
		inserted, err := s.store.InsertReviewLink(ctx, link)
		if err == nil {
			link = inserted
			break
		}
		if !isConflict(err) || attempt > 0 {
			return IssuedLink{}, lookupErr(err, "deliverable")
		}
	}

	s.log.Info("review link issued",
		"link_id", link.ID,
		"deliverable_id", sc.Deliverable.ID,
		"single_use", link.SingleUse,
		"require_auth", link.RequireAuth,
		"has_password", passwordHash != nil,
		"user_id", id.UserID,
	)
	return IssuedLink{
		Link:     reviewLinkView(link),
		ShareURL: s.shareURL(token),
	}, nil
}

func (s *Service) shareURL(token string) string {
	return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/review/" + token
}

func (s *Service) ListReviewLinks(ctx context.Context, id Identity, deliverableID string) ([]ReviewLinkView, error) {
	sc, err := s.deliverableScope(ctx, id, deliverableID)
	if err != nil {
		return nil, err
	}
	if err := sc.require(rbac.ActionWrite); err != nil {
		return nil, err
	}
	links, err := s.store.ListReviewLinks(ctx, sc.Deliverable.ID)
	if err != nil {
		return nil, err
	}
	out := make([]ReviewLinkView, 0, len(links))
	for _, l := range links {
		out = append(out, reviewLinkView(l))
	}
	return out, nil
}

// RevokeReviewLink is idempotent; revoking twice keeps the first timestamp.
func (s *Service) RevokeReviewLink(ctx context.Context, id Identity, deliverableID, linkID string) error {
	ctx, span := s.startSpan(ctx, "RevokeReviewLink", attribute.String("link.id", linkID))
	defer span.End()

	sc, err := s.deliverableScope(ctx, id, deliverableID)
	if err != nil {
		return err
	}
	if err := sc.require(rbac.ActionWrite); err != nil {
		return err
	}
	ok, err := s.store.RevokeReviewLink(ctx, sc.Deliverable.ID, linkID, s.now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return errNotFound("review link")
	}
	s.log.Info("review link revoked", "link_id", linkID, "deliverable_id", sc.Deliverable.ID, "user_id", id.UserID)
	return nil
}

// linkGrant is a link that passed every check short of consumption.
type linkGrant struct {
	link store.ReviewLink
	scope
}

// checkLink validates a raw token in a fixed order: existence, revocation
// and expiry, use count, password, then the signed-in requirement. It never
// mutates the link.
func (s *Service) checkLink(ctx context.Context, viewer Identity, token, password string, checkExhausted bool) (linkGrant, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return linkGrant{}, errNotFound("review link")
	}
	link, err := s.store.GetReviewLinkByHash(ctx, auth.HashToken(token))
	if err != nil {
		return linkGrant{}, lookupErr(err, "review link")
	}
	if link.RevokedAt != nil {
		return linkGrant{}, errExpired("link revoked")
	}
	if s.now().After(link.ExpiresAt) {
		return linkGrant{}, errExpired("link expired")
	}
	if checkExhausted && link.SingleUse && link.UseCount > 0 {
		return linkGrant{}, errExhausted()
	}
	if link.PasswordHash != nil {
		if password == "" {
			return linkGrant{}, errPasswordRequired()
		}
		if err := auth.CheckPassword(*link.PasswordHash, password); err != nil {
			if errors.Is(err, auth.ErrPasswordMismatch) {
				return linkGrant{}, errPasswordInvalid()
			}
			return linkGrant{}, err
		}
	}

	deliverable, err := s.store.GetDeliverable(ctx, link.DeliverableID)
	if err != nil {
		return linkGrant{}, lookupErr(err, "review link")
	}
	project, err := s.store.GetProject(ctx, deliverable.ProjectID)
	if err != nil {
		return linkGrant{}, lookupErr(err, "review link")
	}
	grant := linkGrant{link: link, scope: scope{Project: project, Deliverable: deliverable}}
	if viewer.Anonymous() {
		if link.RequireAuth {
			return linkGrant{}, errForbidden()
		}
		return grant, nil
	}
	access, err := s.access.Resolve(ctx, viewer.UserID, rbacProject(project))
	if err != nil {
		return linkGrant{}, err
	}
	if link.RequireAuth && !access.CanRead {
		return linkGrant{}, errForbidden()
	}
	grant.Access = access
	return grant, nil
}

// member reports whether the viewer is a signed-in user who can read the
// project on their own.
func (g linkGrant) member(viewer Identity) bool {
	return !viewer.Anonymous() && g.Access.CanRead
}

// RedeemReviewLink validates a share token and, for a single-use link,
// consumes it in the same conditional update that grants access. Of N
// concurrent redemptions of a single-use link exactly one succeeds; the
// rest see Exhausted.
func (s *Service) RedeemReviewLink(ctx context.Context, viewer Identity, input RedeemReviewLinkInput) (ReviewSnapshot, error) {
	ctx, span := s.startSpan(ctx, "RedeemReviewLink")
	defer span.End()

	grant, err := s.checkLink(ctx, viewer, input.Token, input.Password, true)
	if err != nil {
		return ReviewSnapshot{}, err
	}
	span.SetAttributes(attribute.String("link.id", grant.link.ID), attribute.String("deliverable.id", grant.Deliverable.ID))

	versions, err := s.store.ListVersions(ctx, grant.Deliverable.ID)
	if err != nil {
		return ReviewSnapshot{}, err
	}
	selected := ""
	if versionID := strings.TrimSpace(input.VersionID); versionID != "" {
		for _, v := range versions {
			if v.ID == versionID {
				selected = v.ID
				break
			}
		}
		if selected == "" {
			return ReviewSnapshot{}, errNotFound("version")
		}
	} else if len(versions) > 0 {
		selected = versions[0].ID
	}

	at := s.now()
	consumed, err := s.store.ConsumeReviewLink(ctx, grant.link.ID, grant.link.SingleUse, at)
	if err != nil {
		return ReviewSnapshot{}, err
	}
	if !consumed {
		switch {
		case !at.Before(grant.link.ExpiresAt):
			return ReviewSnapshot{}, errExpired("link expired")
		case grant.link.SingleUse:
			return ReviewSnapshot{}, errExhausted()
		default:
			return ReviewSnapshot{}, errExpired("link revoked")
		}
	}

	snapshot := ReviewSnapshot{
		Deliverable:        deliverableView(grant.Deliverable),
		Versions:           versionViews(versions),
		SelectedVersionID:  selected,
		Threads:            []ThreadView{},
		Approvals:          []ApprovalView{},
		AllowGuestComments: grant.link.AllowGuestComments,
		ExpiresAt:          grant.link.ExpiresAt,
	}
	if grant.link.SingleUse && grant.link.AllowGuestComments {
		ttl := min(commentGrantTTL, grant.link.ExpiresAt.Sub(at))
		if snapshot.CommentGrant, err = auth.IssueLinkGrant([]byte(s.cfg.JWTSecret), grant.link.ID, ttl); err != nil {
			return ReviewSnapshot{}, err
		}
	}
	if selected != "" {
		if snapshot.Threads, err = s.versionThreads(ctx, selected, false); err != nil {
			return ReviewSnapshot{}, err
		}
		approvals, err := s.store.ListVersionApprovals(ctx, selected)
		if err != nil {
			return ReviewSnapshot{}, err
		}
		snapshot.Approvals = approvalViews(approvals)
	}
	s.log.Info("review link redeemed", "link_id", grant.link.ID, "deliverable_id", grant.Deliverable.ID, "user_id", viewer.UserID)
	return snapshot, nil
}

// PostGuestComment lets a link holder comment. It checks the link like a
// redemption but never consumes it. A single-use link additionally needs the
// comment grant its one redemption returned, so a spent token alone is
// Exhausted. Signed-in project readers comment as themselves; everyone else
// comments as a named guest.
func (s *Service) PostGuestComment(ctx context.Context, viewer Identity, input GuestCommentInput) (CommentResult, error) {
	ctx, span := s.startSpan(ctx, "PostGuestComment")
	defer span.End()

	commentGrant := strings.TrimSpace(input.Grant)
	grant, err := s.checkLink(ctx, viewer, input.Token, input.Password, commentGrant == "")
	if err != nil {
		return CommentResult{}, err
	}
	if !grant.link.AllowGuestComments {
		return CommentResult{}, errForbidden()
	}
	if grant.link.SingleUse {
		if err := s.checkCommentGrant(grant.link, commentGrant); err != nil {
			return CommentResult{}, err
		}
	}

	comment := store.ReviewComment{ID: util.NewID()}
	var actor notify.Actor
	if grant.member(viewer) {
		author := viewer.UserID
		comment.CreatedBy = &author
		actor = grant.actor(viewer)
	} else {
		name := strings.TrimSpace(input.GuestName)
		if name == "" {
			return CommentResult{}, errInvalidInput("guestName is required", nil)
		}
		if utf8.RuneCountInString(name) > maxGuestNameSize {
			return CommentResult{}, errInvalidInput(fmt.Sprintf("guestName must be at most %d characters", maxGuestNameSize), nil)
		}
		if raw := strings.TrimSpace(input.GuestEmail); raw != "" {
			addr, err := mail.ParseAddress(raw)
			if err != nil || addr.Address != raw {
				return CommentResult{}, errInvalidInput("guestEmail must be an email address", nil)
			}
			comment.GuestEmail = &raw
		}
		comment.GuestName = &name
		actor = notify.Actor{DisplayName: name, IsClientUser: true}
	}

	body, err := validateBody(input.Body)
	if err != nil {
		return CommentResult{}, err
	}
	comment.Body = body
	threadID := strings.TrimSpace(input.ThreadID)
	versionID := strings.TrimSpace(input.VersionID)
	if (threadID == "") == (versionID == "") {
		return CommentResult{}, errInvalidInput("exactly one of threadId or versionId is required", nil)
	}

	if threadID != "" {
		thread, err := s.store.GetThread(ctx, threadID)
		if err != nil {
			return CommentResult{}, lookupErr(err, "thread")
		}
		if err := s.guestVersion(ctx, &grant, thread.VersionID, "thread"); err != nil {
			return CommentResult{}, err
		}
		comment.ThreadID = thread.ID
		return s.appendComment(ctx, grant.scope, actor, comment)
	}

	if err := validateAnchor(input.Anchor); err != nil {
		return CommentResult{}, err
	}
	if err := s.guestVersion(ctx, &grant, versionID, "version"); err != nil {
		return CommentResult{}, err
	}
	view, err := s.createThread(ctx, grant.scope, actor, input.Anchor, comment)
	if err != nil {
		return CommentResult{}, err
	}
	return CommentResult{Thread: view, Comment: view.Comments[0]}, nil
}

func (s *Service) checkCommentGrant(link store.ReviewLink, raw string) error {
	if raw == "" {
		return errForbidden()
	}
	linkID, err := auth.ParseLinkGrant([]byte(s.cfg.JWTSecret), raw)
	if errors.Is(err, auth.ErrExpiredToken) {
		return errExpired("comment grant expired")
	}
	if err != nil || linkID != link.ID {
		return errForbidden()
	}
	return nil
}

// guestVersion loads versionID into the grant, reporting what as missing
// when it belongs to another deliverable.
func (s *Service) guestVersion(ctx context.Context, grant *linkGrant, versionID, what string) error {
	version, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return lookupErr(err, what)
	}
	if version.DeliverableID != grant.Deliverable.ID {
		return errNotFound(what)
	}
	grant.Version = version
	return nil
}
