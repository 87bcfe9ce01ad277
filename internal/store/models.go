package store

import "time"

const (
	DeliverableStatusPending  = "pending"
	DeliverableStatusInReview = "in_review"
	DeliverableStatusApproved = "approved"
	DeliverableStatusRejected = "rejected"

	ThreadStatusOpen     = "open"
	ThreadStatusResolved = "resolved"

	DecisionApproved         = "approved"
	DecisionChangesRequested = "changes_requested"
	DecisionRejected         = "rejected"
)

// Project is the slice of a project row the review core needs for access
// resolution and notification scoping.
type Project struct {
	ID             string
	OrganizationID string
	ClientID       string
	Name           string
	OwnerID        string
	CreatedBy      string
}

type ProjectMember struct {
	ProjectID string
	UserID    string
	Role      string
}

type Deliverable struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	Status      string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type FileRef struct {
	URL             string
	Type            string
	DurationSeconds *float64
}

type DeliverableVersion struct {
	ID            string
	DeliverableID string
	VersionNumber int
	File          FileRef
	Notes         string
	CreatedBy     string
	PublishedAt   time.Time
}

// ReviewThread is anchored to a version by timecode, by a normalized
// (x, y) point, by both, or by neither for a general comment.
type ReviewThread struct {
	ID              string
	VersionID       string
	TimecodeSeconds *float64
	X               *float64
	Y               *float64
	Status          string
	CreatedBy       *string
	CreatedAt       time.Time
	ResolvedAt      *time.Time
	ResolvedBy      *string
}

// ReviewComment has a nil CreatedBy when it was posted by a guest through a
// review link.
type ReviewComment struct {
	ID         string
	ThreadID   string
	Body       string
	CreatedBy  *string
	GuestName  *string
	GuestEmail *string
	CreatedAt  time.Time
}

type Approval struct {
	ID            string
	DeliverableID string
	VersionID     string
	Decision      string
	Note          string
	ApproverID    string
	ApprovedAt    time.Time
	CreatedAt     time.Time
}

type ReviewLink struct {
	ID                 string
	DeliverableID      string
	TokenHash          string
	PasswordHash       *string
	ExpiresAt          time.Time
	RequireAuth        bool
	SingleUse          bool
	AllowGuestComments bool
	UseCount           int
	UsedAt             *time.Time
	CreatedBy          string
	CreatedAt          time.Time
	RevokedAt          *time.Time
}

type NotificationPreference struct {
	UserID               string
	NotificationsEnabled bool
	NewComments          bool
	NewVersions          bool
	Approvals            bool
}

type Notification struct {
	ID        string
	UserID    string
	ProjectID string
	Type      string
	Title     string
	Body      string
	Payload   map[string]any
	CreatedAt time.Time
}

// AuditEntry has a nil ActorID for guest actions.
type AuditEntry struct {
	ID         string
	ActorID    *string
	Action     string
	EntityType string
	EntityID   string
	ProjectID  string
	Details    map[string]any
	CreatedAt  time.Time
}
