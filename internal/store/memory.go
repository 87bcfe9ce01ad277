package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps the review data in process. Every method runs under one
// mutex, so multi-row writes are atomic and the version counter and
// single-use guard behave like their guarded SQL counterparts.
type MemoryStore struct {
	mu sync.Mutex

	last time.Time
	seq  int64

	projects       map[string]Project
	teamRoles      map[string]string
	projectMembers map[string]map[string]string
	clientMembers  map[string]map[string]bool

	deliverables map[string]*memDeliverable
	versions     map[string]*memVersion
	threads      map[string]*memThread
	comments     []memComment
	approvals    []memApproval
	links        map[string]*memLink

	preferences   map[string]NotificationPreference
	notifications []Notification
	audit         []AuditEntry
}

type memDeliverable struct {
	item Deliverable
	seq  int64
}

type memVersion struct {
	item DeliverableVersion
}

type memThread struct {
	item ReviewThread
	seq  int64
}

type memComment struct {
	item ReviewComment
	seq  int64
}

type memApproval struct {
	item Approval
	seq  int64
}

type memLink struct {
	item ReviewLink
	seq  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects:       map[string]Project{},
		teamRoles:      map[string]string{},
		projectMembers: map[string]map[string]string{},
		clientMembers:  map[string]map[string]bool{},
		deliverables:   map[string]*memDeliverable{},
		versions:       map[string]*memVersion{},
		threads:        map[string]*memThread{},
		links:          map[string]*memLink{},
		preferences:    map[string]NotificationPreference{},
	}
}

// now returns a strictly increasing timestamp so that orderings by time are
// stable. Callers must hold s.mu.
func (s *MemoryStore) now() time.Time {
	t := time.Now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	s.seq++
	return t
}

func teamKey(organizationID, userID string) string {
	return organizationID + "\x00" + userID
}

func (s *MemoryStore) AddProject(project Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[project.ID] = project
}

func (s *MemoryStore) SetTeamRole(organizationID, userID, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teamRoles[teamKey(organizationID, userID)] = role
}

func (s *MemoryStore) AddProjectMember(projectID, userID, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.projectMembers[projectID] == nil {
		s.projectMembers[projectID] = map[string]string{}
	}
	s.projectMembers[projectID][userID] = role
}

func (s *MemoryStore) AddClientMember(clientID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clientMembers[clientID] == nil {
		s.clientMembers[clientID] = map[string]bool{}
	}
	s.clientMembers[clientID][userID] = true
}

func (s *MemoryStore) SetNotificationPreference(pref NotificationPreference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferences[pref.UserID] = pref
}

// Notifications returns every notification written so far in insert order.
func (s *MemoryStore) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.notifications...)
}

// AuditEntries returns every audit entry written so far in insert order.
func (s *MemoryStore) AuditEntries() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEntry(nil), s.audit...)
}

func (s *MemoryStore) GetProject(_ context.Context, projectID string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, ok := s.projects[projectID]
	if !ok {
		return Project{}, fmt.Errorf("get project: %w", ErrNotFound)
	}
	return project, nil
}

func (s *MemoryStore) TeamRole(_ context.Context, organizationID, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.teamRoles[teamKey(organizationID, userID)], nil
}

func (s *MemoryStore) ProjectMemberRole(_ context.Context, projectID, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projectMembers[projectID][userID], nil
}

func (s *MemoryStore) IsClientMember(_ context.Context, clientID, userID string) (bool, error) {
	if clientID == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientMembers[clientID][userID], nil
}

func (s *MemoryStore) CreateDeliverable(_ context.Context, item Deliverable, initial *DeliverableVersion) (Deliverable, *DeliverableVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[item.ProjectID]; !ok {
		return Deliverable{}, nil, fmt.Errorf("insert deliverable: %w", ErrNotFound)
	}
	if _, ok := s.deliverables[item.ID]; ok {
		return Deliverable{}, nil, ErrConflict
	}
	now := s.now()
	item.CreatedAt = now
	item.UpdatedAt = now
	s.deliverables[item.ID] = &memDeliverable{item: item, seq: s.seq}
	if initial != nil {
		initial.DeliverableID = item.ID
		initial.VersionNumber = 1
		initial.PublishedAt = now
		s.versions[initial.ID] = &memVersion{item: *initial}
	}
	return item, initial, nil
}

func (s *MemoryStore) PublishVersion(_ context.Context, v DeliverableVersion) (DeliverableVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliverables[v.DeliverableID]
	if !ok {
		return DeliverableVersion{}, fmt.Errorf("lock deliverable: %w", ErrNotFound)
	}
	next := 1
	for _, existing := range s.versions {
		if existing.item.DeliverableID == v.DeliverableID && existing.item.VersionNumber >= next {
			next = existing.item.VersionNumber + 1
		}
	}
	v.VersionNumber = next
	v.PublishedAt = s.now()
	s.versions[v.ID] = &memVersion{item: v}
	d.item.Status = DeliverableStatusInReview
	d.item.UpdatedAt = v.PublishedAt
	return v, nil
}

func (s *MemoryStore) GetDeliverable(_ context.Context, deliverableID string) (Deliverable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliverables[deliverableID]
	if !ok {
		return Deliverable{}, fmt.Errorf("get deliverable: %w", ErrNotFound)
	}
	return d.item, nil
}

func (s *MemoryStore) ListDeliverables(_ context.Context, projectID string) ([]Deliverable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]*memDeliverable, 0)
	for _, d := range s.deliverables {
		if d.item.ProjectID == projectID {
			rows = append(rows, d)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].item.UpdatedAt.Equal(rows[j].item.UpdatedAt) {
			return rows[i].item.UpdatedAt.After(rows[j].item.UpdatedAt)
		}
		return rows[i].item.ID < rows[j].item.ID
	})
	items := make([]Deliverable, 0, len(rows))
	for _, d := range rows {
		items = append(items, d.item)
	}
	return items, nil
}

func (s *MemoryStore) GetVersion(_ context.Context, versionID string) (DeliverableVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[versionID]
	if !ok {
		return DeliverableVersion{}, fmt.Errorf("get version: %w", ErrNotFound)
	}
	return v.item, nil
}

func (s *MemoryStore) ListVersions(_ context.Context, deliverableID string) ([]DeliverableVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]DeliverableVersion, 0)
	for _, v := range s.versions {
		if v.item.DeliverableID == deliverableID {
			items = append(items, v.item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].VersionNumber > items[j].VersionNumber })
	return items, nil
}

func (s *MemoryStore) CreateThread(_ context.Context, thread ReviewThread, first ReviewComment) (ReviewThread, ReviewComment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.versions[thread.VersionID]; !ok {
		return ReviewThread{}, ReviewComment{}, fmt.Errorf("insert thread: %w", ErrNotFound)
	}
	thread.Status = ThreadStatusOpen
	thread.CreatedAt = s.now()
	s.threads[thread.ID] = &memThread{item: thread, seq: s.seq}

	first.ThreadID = thread.ID
	first.CreatedAt = thread.CreatedAt
	s.comments = append(s.comments, memComment{item: first, seq: s.seq})
	return thread, first, nil
}

func (s *MemoryStore) GetThread(_ context.Context, threadID string) (ReviewThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return ReviewThread{}, fmt.Errorf("get thread: %w", ErrNotFound)
	}
	return t.item, nil
}

func (s *MemoryStore) AddComment(_ context.Context, c ReviewComment) (ReviewThread, ReviewComment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[c.ThreadID]
	if !ok {
		return ReviewThread{}, ReviewComment{}, fmt.Errorf("lock thread: %w", ErrNotFound)
	}
	c.CreatedAt = s.now()
	s.comments = append(s.comments, memComment{item: c, seq: s.seq})
	if t.item.Status == ThreadStatusResolved {
		t.item.Status = ThreadStatusOpen
		t.item.ResolvedAt = nil
		t.item.ResolvedBy = nil
	}
	return t.item, c, nil
}

func (s *MemoryStore) SetThreadStatus(_ context.Context, threadID, status, actorID string) (ReviewThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return ReviewThread{}, fmt.Errorf("set thread status: %w", ErrNotFound)
	}
	switch status {
	case ThreadStatusResolved:
		at := s.now()
		by := actorID
		t.item.Status = ThreadStatusResolved
		t.item.ResolvedAt = &at
		t.item.ResolvedBy = &by
	case ThreadStatusOpen:
		t.item.Status = ThreadStatusOpen
		t.item.ResolvedAt = nil
		t.item.ResolvedBy = nil
	default:
		return ReviewThread{}, fmt.Errorf("set thread status: unknown status %q", status)
	}
	return t.item, nil
}

func (s *MemoryStore) ListThreads(_ context.Context, versionID string, descending bool) ([]ReviewThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]*memThread, 0)
	for _, t := range s.threads {
		if t.item.VersionID == versionID {
			rows = append(rows, t)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if descending {
			return rows[i].seq > rows[j].seq
		}
		return rows[i].seq < rows[j].seq
	})
	items := make([]ReviewThread, 0, len(rows))
	for _, t := range rows {
		items = append(items, t.item)
	}
	return items, nil
}

func (s *MemoryStore) ListVersionComments(_ context.Context, versionID string) ([]ReviewComment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]ReviewComment, 0)
	for _, c := range s.comments {
		t, ok := s.threads[c.item.ThreadID]
		if ok && t.item.VersionID == versionID {
			items = append(items, c.item)
		}
	}
	return items, nil
}

func (s *MemoryStore) RecordApproval(_ context.Context, a Approval, status string) (Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliverables[a.DeliverableID]
	if !ok {
		return Approval{}, fmt.Errorf("update deliverable status: %w", ErrNotFound)
	}
	if _, ok := s.versions[a.VersionID]; !ok {
		return Approval{}, fmt.Errorf("insert approval: %w", ErrNotFound)
	}
	now := s.now()
	a.ApprovedAt = now
	a.CreatedAt = now
	s.approvals = append(s.approvals, memApproval{item: a, seq: s.seq})
	if s.latestVersionID(a.DeliverableID) == a.VersionID {
		d.item.Status = status
		d.item.UpdatedAt = now
	}
	return a, nil
}

// latestVersionID returns the id of the highest numbered version. Callers
// must hold s.mu.
func (s *MemoryStore) latestVersionID(deliverableID string) string {
	var latest *DeliverableVersion
	for _, v := range s.versions {
		if v.item.DeliverableID == deliverableID && (latest == nil || v.item.VersionNumber > latest.VersionNumber) {
			latest = &v.item
		}
	}
	if latest == nil {
		return ""
	}
	return latest.ID
}

func (s *MemoryStore) listApprovals(match func(Approval) bool) []Approval {
	rows := make([]memApproval, 0)
	for _, a := range s.approvals {
		if match(a.item) {
			rows = append(rows, a)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].item, rows[j].item
		if !a.ApprovedAt.Equal(b.ApprovedAt) {
			return a.ApprovedAt.After(b.ApprovedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return rows[i].seq > rows[j].seq
	})
	items := make([]Approval, 0, len(rows))
	for _, a := range rows {
		items = append(items, a.item)
	}
	return items
}

func (s *MemoryStore) ListApprovals(_ context.Context, deliverableID string) ([]Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listApprovals(func(a Approval) bool { return a.DeliverableID == deliverableID }), nil
}

func (s *MemoryStore) ListVersionApprovals(_ context.Context, versionID string) ([]Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listApprovals(func(a Approval) bool { return a.VersionID == versionID }), nil
}

func (s *MemoryStore) InsertReviewLink(_ context.Context, link ReviewLink) (ReviewLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deliverables[link.DeliverableID]; !ok {
		return ReviewLink{}, fmt.Errorf("insert review link: %w", ErrNotFound)
	}
	for _, existing := range s.links {
		if existing.item.TokenHash == link.TokenHash {
			return ReviewLink{}, ErrConflict
		}
	}
	link.CreatedAt = s.now()
	link.UseCount = 0
	link.UsedAt = nil
	link.RevokedAt = nil
	s.links[link.ID] = &memLink{item: link, seq: s.seq}
	return link, nil
}

func (s *MemoryStore) GetReviewLinkByHash(_ context.Context, tokenHash string) (ReviewLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.links {
		if l.item.TokenHash == tokenHash {
			return l.item, nil
		}
	}
	return ReviewLink{}, fmt.Errorf("get review link: %w", ErrNotFound)
}

func (s *MemoryStore) ConsumeReviewLink(_ context.Context, linkID string, singleUse bool, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[linkID]
	if !ok || l.item.RevokedAt != nil || !at.Before(l.item.ExpiresAt) {
		return false, nil
	}
	if singleUse && l.item.UseCount != 0 {
		return false, nil
	}
	usedAt := s.now()
	l.item.UseCount++
	l.item.UsedAt = &usedAt
	return true, nil
}

func (s *MemoryStore) ListReviewLinks(_ context.Context, deliverableID string) ([]ReviewLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]*memLink, 0)
	for _, l := range s.links {
		if l.item.DeliverableID == deliverableID {
			rows = append(rows, l)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq > rows[j].seq })
	items := make([]ReviewLink, 0, len(rows))
	for _, l := range rows {
		items = append(items, l.item)
	}
	return items, nil
}

func (s *MemoryStore) RevokeReviewLink(_ context.Context, deliverableID, linkID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[linkID]
	if !ok || l.item.DeliverableID != deliverableID {
		return false, nil
	}
	if l.item.RevokedAt == nil {
		l.item.RevokedAt = &at
	}
	return true, nil
}

func (s *MemoryStore) ListProjectMembers(_ context.Context, projectID string, roles []string) ([]ProjectMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[string]bool, len(roles))
	for _, role := range roles {
		wanted[role] = true
	}
	items := make([]ProjectMember, 0)
	for userID, role := range s.projectMembers[projectID] {
		if wanted[role] {
			items = append(items, ProjectMember{ProjectID: projectID, UserID: userID, Role: role})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UserID < items[j].UserID })
	return items, nil
}

func (s *MemoryStore) GetNotificationPreferences(_ context.Context, userIDs []string) (map[string]NotificationPreference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]NotificationPreference, len(userIDs))
	for _, id := range userIDs {
		if pref, ok := s.preferences[id]; ok {
			out[id] = pref
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertNotifications(_ context.Context, items []Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, items...)
	return nil
}

func (s *MemoryStore) InsertAuditLog(_ context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
