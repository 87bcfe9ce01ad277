package app

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"frameline/api/internal/config"
	"frameline/api/internal/store"
)

const testProjectID = "proj-1"

var (
	ownerID    = Identity{UserID: "u-owner", Name: "Olive Owner"}
	editorID   = Identity{UserID: "u-editor", Name: "Eddie Editor"}
	approverID = Identity{UserID: "u-approver", Name: "Ana Approver"}
	viewerID   = Identity{UserID: "u-viewer", Name: "Vic Viewer"}
	outsider   = Identity{UserID: "u-outsider", Name: "Oscar Outsider"}
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.JWTSecret = "test-secret"
	cfg.PublicBaseURL = "https://review.example.test/"
	return cfg
}

// newTestStore seeds one project with an owner, an editor and two client
// users.
func newTestStore() *store.MemoryStore {
	ms := store.NewMemoryStore()
	ms.AddProject(store.Project{
		ID:             testProjectID,
		OrganizationID: "org-1",
		ClientID:       "client-1",
		Name:           "Launch film",
		OwnerID:        ownerID.UserID,
		CreatedBy:      ownerID.UserID,
	})
	ms.AddProjectMember(testProjectID, ownerID.UserID, "owner")
	ms.AddProjectMember(testProjectID, editorID.UserID, "editor")
	ms.AddProjectMember(testProjectID, approverID.UserID, "client_approver")
	ms.AddProjectMember(testProjectID, viewerID.UserID, "client_viewer")
	ms.AddClientMember("client-1", approverID.UserID)
	ms.AddClientMember("client-1", viewerID.UserID)
	return ms
}

func newTestService(t *testing.T, s dataStore) *Service {
	t.Helper()
	return New(testConfig(), s, Options{})
}

func mustCreateDeliverable(t *testing.T, svc *Service, title string) DeliverableView {
	t.Helper()
	detail, err := svc.CreateDeliverable(context.Background(), editorID, testProjectID, CreateDeliverableInput{Title: title})
	require.NoError(t, err)
	return detail.Deliverable
}

func mustPublish(t *testing.T, svc *Service, deliverableID string) VersionView {
	t.Helper()
	version, err := svc.PublishVersion(context.Background(), editorID, deliverableID, PublishVersionInput{
		File: FileInput{URL: "https://cdn.example.test/cut.mp4", Type: "video/mp4"},
	})
	require.NoError(t, err)
	return version
}

func tokenFromShareURL(t *testing.T, shareURL string) string {
	t.Helper()
	idx := strings.LastIndex(shareURL, "/review/")
	require.GreaterOrEqual(t, idx, 0, shareURL)
	return shareURL[idx+len("/review/"):]
}

func requireKind(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	require.True(t, IsKind(err, code), "expected %s, got %v", code, err)
}

func ptr[T any](v T) *T {
	return &v
}

// conflictStore fails the first n publishes with a numbering conflict.
type conflictStore struct {
	*store.MemoryStore
	remaining atomic.Int32
}

func (c *conflictStore) PublishVersion(ctx context.Context, v store.DeliverableVersion) (store.DeliverableVersion, error) {
	if c.remaining.Add(-1) >= 0 {
		return store.DeliverableVersion{}, store.ErrConflict
	}
	return c.MemoryStore.PublishVersion(ctx, v)
}
