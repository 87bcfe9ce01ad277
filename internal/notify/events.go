package notify

import "fmt"

type EventType string

const (
	EventNewFile           EventType = "new_file"
	EventNewMessage        EventType = "new_message"
	EventApprovalDone      EventType = "approval_done"
	EventApprovalRequested EventType = "approval_requested"
)

// Category is the preference switch that controls an event type.
type Category string

const (
	CategoryNewComments Category = "new_comments"
	CategoryNewVersions Category = "new_versions"
	CategoryApprovals   Category = "approvals"
)

// Event is implemented only by the event structs in this package.
type Event interface {
	Type() EventType
	Category() Category
	Entity() (entityType, entityID string)
	isEvent()
}

// NewFileEvent announces a published version.
type NewFileEvent struct {
	DeliverableID    string
	DeliverableTitle string
	VersionID        string
	VersionNumber    int
}

func (NewFileEvent) Type() EventType    { return EventNewFile }
func (NewFileEvent) Category() Category { return CategoryNewVersions }
func (e NewFileEvent) Entity() (string, string) {
	return "deliverable_version", e.VersionID
}
func (NewFileEvent) isEvent() {}

// NewMessageEvent announces a new thread or a reply.
type NewMessageEvent struct {
	DeliverableID    string
	DeliverableTitle string
	VersionID        string
	ThreadID         string
	CommentID        string
	AuthorName       string
	Excerpt          string
	NewThread        bool
}

func (NewMessageEvent) Type() EventType    { return EventNewMessage }
func (NewMessageEvent) Category() Category { return CategoryNewComments }
func (e NewMessageEvent) Entity() (string, string) {
	return "review_comment", e.CommentID
}
func (NewMessageEvent) isEvent() {}

// ApprovalEvent announces a decision. Only an approval counts as done; every
// other decision asks for another round.
type ApprovalEvent struct {
	DeliverableID    string
	DeliverableTitle string
	VersionID        string
	VersionNumber    int
	ApprovalID       string
	Decision         string
	Note             string
}

func (e ApprovalEvent) Type() EventType {
	if e.Decision == "approved" {
		return EventApprovalDone
	}
	return EventApprovalRequested
}
func (ApprovalEvent) Category() Category { return CategoryApprovals }
func (e ApprovalEvent) Entity() (string, string) {
	return "approval", e.ApprovalID
}
func (ApprovalEvent) isEvent() {}

const excerptLimit = 140

func excerpt(body string) string {
	runes := []rune(body)
	if len(runes) <= excerptLimit {
		return body
	}
	return string(runes[:excerptLimit-1]) + "…"
}

// render produces the notification title, body and payload for an event.
func render(event Event) (title, body string, payload map[string]any, err error) {
	switch e := event.(type) {
	case NewFileEvent:
		title = fmt.Sprintf("New version of %s", e.DeliverableTitle)
		body = fmt.Sprintf("Version %d is ready for review.", e.VersionNumber)
		payload = map[string]any{
			"deliverable_id": e.DeliverableID,
			"version_id":     e.VersionID,
			"version_number": e.VersionNumber,
		}
	case NewMessageEvent:
		if e.NewThread {
			title = fmt.Sprintf("New comment on %s", e.DeliverableTitle)
		} else {
			title = fmt.Sprintf("New reply on %s", e.DeliverableTitle)
		}
		body = excerpt(e.Excerpt)
		if e.AuthorName != "" {
			body = e.AuthorName + ": " + body
		}
		payload = map[string]any{
			"deliverable_id": e.DeliverableID,
			"version_id":     e.VersionID,
			"thread_id":      e.ThreadID,
			"comment_id":     e.CommentID,
		}
	case ApprovalEvent:
		switch e.Decision {
		case "approved":
			title = fmt.Sprintf("%s was approved", e.DeliverableTitle)
		case "rejected":
			title = fmt.Sprintf("%s was rejected", e.DeliverableTitle)
		default:
			title = fmt.Sprintf("Changes requested on %s", e.DeliverableTitle)
		}
		body = fmt.Sprintf("Decision on version %d.", e.VersionNumber)
		if e.Note != "" {
			body += " " + excerpt(e.Note)
		}
		payload = map[string]any{
			"deliverable_id": e.DeliverableID,
			"version_id":     e.VersionID,
			"approval_id":    e.ApprovalID,
			"decision":       e.Decision,
		}
	default:
		return "", "", nil, fmt.Errorf("unknown event %T", event)
	}
	return title, body, payload, nil
}
