package store

import (
	"context"
	"database/sql"
	"os"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func openIntegrationDB(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	databaseURL := os.Getenv("FRAMELINE_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("FRAMELINE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := Open(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(ctx, db))
	return db
}

func seedPostgresDeliverable(t *testing.T, db *sql.DB) (*PostgresStore, Deliverable) {
	t.Helper()
	ctx := context.Background()
	orgID, projectID := uuid.NewString(), uuid.NewString()
	_, err := db.ExecContext(ctx, `INSERT INTO organizations (id, name) VALUES ($1, 'Studio')`, orgID)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO projects (id, organization_id, name, owner_id) VALUES ($1, $2, 'Spot', 'owner')`, projectID, orgID)
	require.NoError(t, err)

	s := NewPostgresStore(db)
	d, _, err := s.CreateDeliverable(ctx, Deliverable{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Title:     "Hero cut",
		Status:    DeliverableStatusPending,
		CreatedBy: "owner",
	}, nil)
	require.NoError(t, err)
	return s, d
}

func TestPostgresConcurrentPublishIsGapless(t *testing.T) {
	db := openIntegrationDB(t)
	s, d := seedPostgresDeliverable(t, db)

	const publishers = 10
	var g errgroup.Group
	for i := 0; i < publishers; i++ {
		g.Go(func() error {
			_, err := s.PublishVersion(context.Background(), DeliverableVersion{
				ID:            uuid.NewString(),
				DeliverableID: d.ID,
				File:          FileRef{URL: "https://cdn.example.com/cut.mp4", Type: "video/mp4"},
				CreatedBy:     "owner",
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	versions, err := s.ListVersions(context.Background(), d.ID)
	require.NoError(t, err)
	numbers := make([]int, 0, len(versions))
	for _, v := range versions {
		numbers = append(numbers, v.VersionNumber)
	}
	sort.Ints(numbers)
	require.Len(t, numbers, publishers)
	for i, n := range numbers {
		require.Equal(t, i+1, n)
	}
}

func TestPostgresSingleUseConsumeIsExact(t *testing.T) {
	db := openIntegrationDB(t)
	s, d := seedPostgresDeliverable(t, db)

	hash := uuid.NewString()
	link, err := s.InsertReviewLink(context.Background(), ReviewLink{
		ID:            uuid.NewString(),
		DeliverableID: d.ID,
		TokenHash:     hash,
		ExpiresAt:     time.Now().Add(time.Hour),
		SingleUse:     true,
		CreatedBy:     "owner",
	})
	require.NoError(t, err)

	var wins atomic.Int32
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			ok, err := s.ConsumeReviewLink(context.Background(), link.ID, true, time.Now())
			if ok {
				wins.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.EqualValues(t, 1, wins.Load())

	stored, err := s.GetReviewLinkByHash(context.Background(), hash)
	require.NoError(t, err)
	require.Equal(t, 1, stored.UseCount)
}

func TestPostgresDuplicateVersionNumberIsConflict(t *testing.T) {
	db := openIntegrationDB(t)
	s, d := seedPostgresDeliverable(t, db)
	ctx := context.Background()

	_, err := s.PublishVersion(ctx, DeliverableVersion{ID: uuid.NewString(), DeliverableID: d.ID, File: FileRef{URL: "a"}, CreatedBy: "owner"})
	require.NoError(t, err)

	err = WithTx(ctx, db, nil, func(ctx context.Context, tx DBTX) error {
		return insertVersion(ctx, tx, &DeliverableVersion{ID: uuid.NewString(), DeliverableID: d.ID, VersionNumber: 1, File: FileRef{URL: "b"}, CreatedBy: "owner"})
	})
	require.ErrorIs(t, err, ErrConflict)
}

func TestPostgresAuditLogWritesFullShape(t *testing.T) {
	db := openIntegrationDB(t)
	s, d := seedPostgresDeliverable(t, db)
	ctx := context.Background()

	actor := "owner"
	id := uuid.NewString()
	require.NoError(t, s.InsertAuditLog(ctx, AuditEntry{
		ID:         id,
		ActorID:    &actor,
		Action:     "new_file",
		EntityType: "deliverable",
		EntityID:   d.ID,
		ProjectID:  d.ProjectID,
		Details:    map[string]any{"recipients": 0},
		CreatedAt:  time.Now(),
	}))

	var entityID string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT entity_id FROM audit_logs WHERE id=$1`, id).Scan(&entityID))
	require.Equal(t, d.ID, entityID)
}

func TestPostgresApprovalOfOlderVersionKeepsStatus(t *testing.T) {
	db := openIntegrationDB(t)
	s, d := seedPostgresDeliverable(t, db)
	ctx := context.Background()

	v1, err := s.PublishVersion(ctx, DeliverableVersion{ID: uuid.NewString(), DeliverableID: d.ID, File: FileRef{URL: "a"}, CreatedBy: "owner"})
	require.NoError(t, err)
	v2, err := s.PublishVersion(ctx, DeliverableVersion{ID: uuid.NewString(), DeliverableID: d.ID, File: FileRef{URL: "b"}, CreatedBy: "owner"})
	require.NoError(t, err)

	_, err = s.RecordApproval(ctx, Approval{ID: uuid.NewString(), DeliverableID: d.ID, VersionID: v1.ID, Decision: DecisionApproved, ApproverID: "client"}, DeliverableStatusApproved)
	require.NoError(t, err)
	got, err := s.GetDeliverable(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, DeliverableStatusInReview, got.Status)

	_, err = s.RecordApproval(ctx, Approval{ID: uuid.NewString(), DeliverableID: d.ID, VersionID: v2.ID, Decision: DecisionApproved, ApproverID: "client"}, DeliverableStatusApproved)
	require.NoError(t, err)
	got, err = s.GetDeliverable(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, DeliverableStatusApproved, got.Status)
}

func TestPostgresExpiredLinkCannotBeConsumed(t *testing.T) {
	db := openIntegrationDB(t)
	s, d := seedPostgresDeliverable(t, db)
	ctx := context.Background()

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)
	link, err := s.InsertReviewLink(ctx, ReviewLink{
		ID:            uuid.NewString(),
		DeliverableID: d.ID,
		TokenHash:     uuid.NewString(),
		ExpiresAt:     expires,
		CreatedBy:     "owner",
	})
	require.NoError(t, err)

	ok, err := s.ConsumeReviewLink(ctx, link.ID, false, expires.Add(time.Second))
	require.NoError(t, err)
	require.False(t, ok)
}
