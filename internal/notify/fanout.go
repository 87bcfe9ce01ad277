package notify

import (
	"context"
	"time"

	"frameline/api/internal/logger"
	"frameline/api/internal/rbac"
	"frameline/api/internal/store"
	"frameline/api/internal/util"
)

// Store is the persistence the fan-out needs.
type Store interface {
	ListProjectMembers(ctx context.Context, projectID string, roles []string) ([]store.ProjectMember, error)
	GetNotificationPreferences(ctx context.Context, userIDs []string) (map[string]store.NotificationPreference, error)
	InsertNotifications(ctx context.Context, items []store.Notification) error
	InsertAuditLog(ctx context.Context, entry store.AuditEntry) error
}

// Publisher pushes a stored notification to connected clients.
type Publisher interface {
	Publish(ctx context.Context, n store.Notification) error
}

// Actor is whoever caused the event. Guests acting through a review link
// have no UserID and count as client users.
type Actor struct {
	UserID       string
	DisplayName  string
	IsClientUser bool
}

type Fanout struct {
	store     Store
	publisher Publisher
	log       *logger.Logger
	now       func() time.Time
}

// New returns a fan-out writing through s. publisher may be nil.
func New(s Store, publisher Publisher, log *logger.Logger) *Fanout {
	if log == nil {
		log = logger.NewNop()
	}
	return &Fanout{
		store:     s,
		publisher: publisher,
		log:       log.With("component", "notify"),
		now:       time.Now,
	}
}

// Notify writes one notification per recipient in the audience opposite to
// the actor and one audit entry for the action. Failures are logged and
// never returned; the returned slice holds the user ids that were notified.
func (f *Fanout) Notify(ctx context.Context, projectID string, actor Actor, event Event) []string {
	title, body, payload, err := render(event)
	if err != nil {
		f.log.Error("notification event rejected", "project_id", projectID, "error", err)
		return nil
	}

	recipients := f.recipients(ctx, projectID, actor, event.Category())
	now := f.now().UTC()

	var notified []string
	if len(recipients) > 0 {
		items := make([]store.Notification, 0, len(recipients))
		for _, userID := range recipients {
			items = append(items, store.Notification{
				ID:        util.NewID(),
				UserID:    userID,
				ProjectID: projectID,
				Type:      string(event.Type()),
				Title:     title,
				Body:      body,
				Payload:   payload,
				CreatedAt: now,
			})
		}
		if err := f.store.InsertNotifications(ctx, items); err != nil {
			f.log.Warn("insert notifications failed", "project_id", projectID, "type", event.Type(), "error", err)
		} else {
			notified = recipients
			f.publish(ctx, items)
		}
	}

	f.audit(ctx, projectID, actor, event, payload, len(notified), now)
	return notified
}

func (f *Fanout) recipients(ctx context.Context, projectID string, actor Actor, category Category) []string {
	audience := rbac.OppositeAudience(actor.IsClientUser)
	roles := make([]string, 0, len(audience))
	for _, role := range audience {
		roles = append(roles, string(role))
	}

	members, err := f.store.ListProjectMembers(ctx, projectID, roles)
	if err != nil {
		f.log.Warn("list notification audience failed", "project_id", projectID, "error", err)
		return nil
	}

	seen := make(map[string]bool, len(members))
	candidates := make([]string, 0, len(members))
	for _, m := range members {
		if m.UserID == "" || m.UserID == actor.UserID || seen[m.UserID] {
			continue
		}
		seen[m.UserID] = true
		candidates = append(candidates, m.UserID)
	}
	if len(candidates) == 0 {
		return nil
	}

	prefs, err := f.store.GetNotificationPreferences(ctx, candidates)
	if err != nil {
		f.log.Warn("load notification preferences failed", "project_id", projectID, "error", err)
		prefs = nil
	}

	out := make([]string, 0, len(candidates))
	for _, userID := range candidates {
		pref, ok := prefs[userID]
		if ok && !allowed(pref, category) {
			continue
		}
		out = append(out, userID)
	}
	return out
}

// allowed reports whether a stored preference row lets a category through.
// A user without a row is always allowed.
func allowed(pref store.NotificationPreference, category Category) bool {
	if !pref.NotificationsEnabled {
		return false
	}
	switch category {
	case CategoryNewComments:
		return pref.NewComments
	case CategoryNewVersions:
		return pref.NewVersions
	case CategoryApprovals:
		return pref.Approvals
	default:
		return true
	}
}

func (f *Fanout) publish(ctx context.Context, items []store.Notification) {
	if f.publisher == nil {
		return
	}
	for _, item := range items {
		if err := f.publisher.Publish(ctx, item); err != nil {
			f.log.Warn("publish notification failed", "notification_id", item.ID, "error", err)
		}
	}
}

func (f *Fanout) audit(ctx context.Context, projectID string, actor Actor, event Event, payload map[string]any, recipients int, at time.Time) {
	entityType, entityID := event.Entity()
	details := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		details[k] = v
	}
	details["recipient_count"] = recipients
	if actor.UserID == "" && actor.DisplayName != "" {
		details["guest_name"] = actor.DisplayName
	}

	var actorID *string
	if actor.UserID != "" {
		id := actor.UserID
		actorID = &id
	}
	entry := store.AuditEntry{
		ID:         util.NewID(),
		ActorID:    actorID,
		Action:     string(event.Type()),
		EntityType: entityType,
		EntityID:   entityID,
		ProjectID:  projectID,
		Details:    details,
		CreatedAt:  at,
	}
	if err := f.store.InsertAuditLog(ctx, entry); err != nil {
		f.log.Warn("insert audit log failed", "project_id", projectID, "action", entry.Action, "error", err)
	}
}
