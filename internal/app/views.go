package app

import (
	"time"

	"frameline/api/internal/rbac"
	"frameline/api/internal/store"
)

type FileInput struct {
	URL             string   `json:"url"`
	Type            string   `json:"type"`
	DurationSeconds *float64 `json:"durationSeconds"`
}

type Anchor struct {
	TimecodeSeconds *float64 `json:"timecodeSeconds"`
	X               *float64 `json:"x"`
	Y               *float64 `json:"y"`
}

type AccessView struct {
	ProjectID         string `json:"projectId"`
	CanRead           bool   `json:"canRead"`
	CanWrite          bool   `json:"canWrite"`
	CanApprove        bool   `json:"canApprove"`
	IsClientUser      bool   `json:"isClientUser"`
	ProjectMemberRole string `json:"projectMemberRole,omitempty"`
	TeamRole          string `json:"teamRole,omitempty"`
}

type DeliverableView struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// DeliverableDetail is a deliverable with its versions, newest first.
type DeliverableDetail struct {
	Deliverable DeliverableView `json:"deliverable"`
	Versions    []VersionView   `json:"versions"`
}

type VersionView struct {
	ID            string    `json:"id"`
	DeliverableID string    `json:"deliverableId"`
	VersionNumber int       `json:"versionNumber"`
	File          FileInput `json:"file"`
	Notes         string    `json:"notes"`
	CreatedBy     string    `json:"createdBy"`
	PublishedAt   time.Time `json:"publishedAt"`
}

type ThreadView struct {
	ID              string        `json:"id"`
	VersionID       string        `json:"versionId"`
	TimecodeSeconds *float64      `json:"timecodeSeconds"`
	X               *float64      `json:"x"`
	Y               *float64      `json:"y"`
	Status          string        `json:"status"`
	CreatedBy       *string       `json:"createdBy"`
	CreatedAt       time.Time     `json:"createdAt"`
	ResolvedAt      *time.Time    `json:"resolvedAt"`
	ResolvedBy      *string       `json:"resolvedBy"`
	Comments        []CommentView `json:"comments,omitempty"`
}

type CommentView struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"threadId"`
	Body       string    `json:"body"`
	CreatedBy  *string   `json:"createdBy"`
	GuestName  *string   `json:"guestName,omitempty"`
	GuestEmail *string   `json:"guestEmail,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// CommentResult is returned by operations that append to a thread, so the
// caller sees whether the thread was reopened.
type CommentResult struct {
	Thread  ThreadView  `json:"thread"`
	Comment CommentView `json:"comment"`
}

type ApprovalView struct {
	ID            string    `json:"id"`
	DeliverableID string    `json:"deliverableId"`
	VersionID     string    `json:"versionId"`
	Decision      string    `json:"decision"`
	Note          string    `json:"note"`
	ApproverID    string    `json:"approverId"`
	ApprovedAt    time.Time `json:"approvedAt"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ReviewLinkView never carries the token or its hash.
type ReviewLinkView struct {
	ID                 string     `json:"id"`
	DeliverableID      string     `json:"deliverableId"`
	ExpiresAt          time.Time  `json:"expiresAt"`
	HasPassword        bool       `json:"hasPassword"`
	RequireAuth        bool       `json:"requireAuth"`
	SingleUse          bool       `json:"singleUse"`
	AllowGuestComments bool       `json:"allowGuestComments"`
	UseCount           int        `json:"useCount"`
	UsedAt             *time.Time `json:"usedAt"`
	CreatedBy          string     `json:"createdBy"`
	CreatedAt          time.Time  `json:"createdAt"`
	RevokedAt          *time.Time `json:"revokedAt"`
}

// IssuedLink is the only place the raw token is ever returned, embedded in
// ShareURL.
type IssuedLink struct {
	Link     ReviewLinkView `json:"link"`
	ShareURL string         `json:"shareUrl"`
}

// ReviewSnapshot is what a redeemed link exposes.
type ReviewSnapshot struct {
	Deliverable        DeliverableView `json:"deliverable"`
	Versions           []VersionView   `json:"versions"`
	SelectedVersionID  string          `json:"selectedVersionId,omitempty"`
	Threads            []ThreadView    `json:"threads"`
	Approvals          []ApprovalView  `json:"approvals"`
	AllowGuestComments bool            `json:"allowGuestComments"`
	ExpiresAt          time.Time       `json:"expiresAt"`

	// CommentGrant is set for single-use links that accept guest comments;
	// it must accompany every later comment through the spent link.
	CommentGrant string `json:"commentGrant,omitempty"`
}

func accessView(projectID string, a rbac.AccessContext) AccessView {
	return AccessView{
		ProjectID:         projectID,
		CanRead:           a.CanRead,
		CanWrite:          a.CanWrite,
		CanApprove:        a.CanApprove,
		IsClientUser:      a.IsClientUser,
		ProjectMemberRole: string(a.ProjectMemberRole),
		TeamRole:          string(a.TeamRole),
	}
}

func deliverableView(d store.Deliverable) DeliverableView {
	return DeliverableView{
		ID:          d.ID,
		ProjectID:   d.ProjectID,
		Title:       d.Title,
		Description: d.Description,
		Status:      d.Status,
		CreatedBy:   d.CreatedBy,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func versionView(v store.DeliverableVersion) VersionView {
	return VersionView{
		ID:            v.ID,
		DeliverableID: v.DeliverableID,
		VersionNumber: v.VersionNumber,
		File: FileInput{
			URL:             v.File.URL,
			Type:            v.File.Type,
			DurationSeconds: v.File.DurationSeconds,
		},
		Notes:       v.Notes,
		CreatedBy:   v.CreatedBy,
		PublishedAt: v.PublishedAt,
	}
}

func versionViews(items []store.DeliverableVersion) []VersionView {
	out := make([]VersionView, 0, len(items))
	for _, v := range items {
		out = append(out, versionView(v))
	}
	return out
}

func threadView(t store.ReviewThread) ThreadView {
	return ThreadView{
		ID:              t.ID,
		VersionID:       t.VersionID,
		TimecodeSeconds: t.TimecodeSeconds,
		X:               t.X,
		Y:               t.Y,
		Status:          t.Status,
		CreatedBy:       t.CreatedBy,
		CreatedAt:       t.CreatedAt,
		ResolvedAt:      t.ResolvedAt,
		ResolvedBy:      t.ResolvedBy,
	}
}

func commentView(c store.ReviewComment) CommentView {
	return CommentView{
		ID:         c.ID,
		ThreadID:   c.ThreadID,
		Body:       c.Body,
		CreatedBy:  c.CreatedBy,
		GuestName:  c.GuestName,
		GuestEmail: c.GuestEmail,
		CreatedAt:  c.CreatedAt,
	}
}

func approvalView(a store.Approval) ApprovalView {
	return ApprovalView{
		ID:            a.ID,
		DeliverableID: a.DeliverableID,
		VersionID:     a.VersionID,
		Decision:      a.Decision,
		Note:          a.Note,
		ApproverID:    a.ApproverID,
		ApprovedAt:    a.ApprovedAt,
		CreatedAt:     a.CreatedAt,
	}
}

func approvalViews(items []store.Approval) []ApprovalView {
	out := make([]ApprovalView, 0, len(items))
	for _, a := range items {
		out = append(out, approvalView(a))
	}
	return out
}

func reviewLinkView(l store.ReviewLink) ReviewLinkView {
	return ReviewLinkView{
		ID:                 l.ID,
		DeliverableID:      l.DeliverableID,
		ExpiresAt:          l.ExpiresAt,
		HasPassword:        l.PasswordHash != nil,
		RequireAuth:        l.RequireAuth,
		SingleUse:          l.SingleUse,
		AllowGuestComments: l.AllowGuestComments,
		UseCount:           l.UseCount,
		UsedAt:             l.UsedAt,
		CreatedBy:          l.CreatedBy,
		CreatedAt:          l.CreatedAt,
		RevokedAt:          l.RevokedAt,
	}
}
