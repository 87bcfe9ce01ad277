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

type CreateDeliverableInput struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	File        *FileInput `json:"file"`
	Notes       string     `json:"notes"`
}

type PublishVersionInput struct {
	File  FileInput `json:"file"`
	Notes string    `json:"notes"`
}

// CreateDeliverable starts pending, or in review with version 1 when a file
// is supplied up front.
func (s *Service) CreateDeliverable(ctx context.Context, id Identity, projectID string, input CreateDeliverableInput) (DeliverableDetail, error) {
	ctx, span := s.startSpan(ctx, "CreateDeliverable", attribute.String("project.id", projectID))
	defer span.End()

	title, err := validateTitle(input.Title)
	if err != nil {
		return DeliverableDetail{}, err
	}
	var initial *store.DeliverableVersion
	if input.File != nil {
		file, err := validateFile(*input.File)
		if err != nil {
			return DeliverableDetail{}, err
		}
		initial = &store.DeliverableVersion{
			ID:        util.NewID(),
			File:      file,
			Notes:     strings.TrimSpace(input.Notes),
			CreatedBy: id.UserID,
		}
	}

	sc, err := s.projectScope(ctx, id, projectID)
	if err != nil {
		return DeliverableDetail{}, err
	}
	if err := sc.require(rbac.ActionWrite); err != nil {
		return DeliverableDetail{}, err
	}

	item := store.Deliverable{
		ID:          util.NewID(),
		ProjectID:   sc.Project.ID,
		Title:       title,
		Description: strings.TrimSpace(input.Description),
		Status:      store.DeliverableStatusPending,
		CreatedBy:   id.UserID,
	}
	if initial != nil {
		item.Status = store.DeliverableStatusInReview
	}
	created, version, err := s.store.CreateDeliverable(ctx, item, initial)
	if err != nil {
		return DeliverableDetail{}, lookupErr(err, "project")
	}

	detail := DeliverableDetail{Deliverable: deliverableView(created), Versions: []VersionView{}}
	if version != nil {
		detail.Versions = append(detail.Versions, versionView(*version))
		s.notifier.Notify(ctx, sc.Project.ID, sc.actor(id), notify.NewFileEvent{
			DeliverableID:    created.ID,
			DeliverableTitle: created.Title,
			VersionID:        version.ID,
			VersionNumber:    version.VersionNumber,
		})
	}
	s.log.Info("deliverable created", "deliverable_id", created.ID, "project_id", sc.Project.ID, "user_id", id.UserID)
	return detail, nil
}

// PublishVersion appends the next version and puts the deliverable back in
// review. A lost numbering race is retried once before it is reported.
func (s *Service) PublishVersion(ctx context.Context, id Identity, deliverableID string, input PublishVersionInput) (VersionView, error) {
	ctx, span := s.startSpan(ctx, "PublishVersion", attribute.String("deliverable.id", deliverableID))
	defer span.End()

	file, err := validateFile(input.File)
	if err != nil {
		return VersionView{}, err
	}
	sc, err := s.deliverableScope(ctx, id, deliverableID)
	if err != nil {
		return VersionView{}, err
	}
	if err := sc.require(rbac.ActionWrite); err != nil {
		return VersionView{}, err
	}

	var published store.DeliverableVersion
	for attempt := 0; ; attempt++ {
		published, err = s.store.PublishVersion(ctx, store.DeliverableVersion{
			ID:            util.NewID(),
			DeliverableID: sc.Deliverable.ID,
			File:          file,
			Notes:         strings.TrimSpace(input.Notes),
			CreatedBy:     id.UserID,
		})
		if err == nil {
			break
		}
		if !isConflict(err) {
			return VersionView{}, lookupErr(err, "deliverable")
		}
		if attempt > 0 {
			return VersionView{}, errConflict("version number taken by a concurrent publish")
		}
		s.log.Warn("version number conflict, retrying", "deliverable_id", sc.Deliverable.ID)
	}
	span.SetAttributes(attribute.Int("version.number", published.VersionNumber))

	s.notifier.Notify(ctx, sc.Project.ID, sc.actor(id), notify.NewFileEvent{
		DeliverableID:    sc.Deliverable.ID,
		DeliverableTitle: sc.Deliverable.Title,
		VersionID:        published.ID,
		VersionNumber:    published.VersionNumber,
	})
	s.log.Info("version published", "deliverable_id", sc.Deliverable.ID, "version", published.VersionNumber, "user_id", id.UserID)
	return versionView(published), nil
}

func (s *Service) ListDeliverables(ctx context.Context, id Identity, projectID string) ([]DeliverableView, error) {
	sc, err := s.projectScope(ctx, id, projectID)
	if err != nil {
		return nil, err
	}
	if err := sc.require(rbac.ActionRead); err != nil {
		return nil, err
	}
	items, err := s.store.ListDeliverables(ctx, sc.Project.ID)
	if err != nil {
		return nil, err
	}
	out := make([]DeliverableView, 0, len(items))
	for _, d := range items {
		out = append(out, deliverableView(d))
	}
	return out, nil
}

func (s *Service) GetDeliverable(ctx context.Context, id Identity, deliverableID string) (DeliverableDetail, error) {
	sc, err := s.deliverableScope(ctx, id, deliverableID)
	if err != nil {
		return DeliverableDetail{}, err
	}
	if err := sc.require(rbac.ActionRead); err != nil {
		return DeliverableDetail{}, err
	}
	versions, err := s.store.ListVersions(ctx, sc.Deliverable.ID)
	if err != nil {
		return DeliverableDetail{}, err
	}
	return DeliverableDetail{Deliverable: deliverableView(sc.Deliverable), Versions: versionViews(versions)}, nil
}

func (s *Service) ListVersions(ctx context.Context, id Identity, deliverableID string) ([]VersionView, error) {
	sc, err := s.deliverableScope(ctx, id, deliverableID)
	if err != nil {
		return nil, err
	}
	if err := sc.require(rbac.ActionRead); err != nil {
		return nil, err
	}
	versions, err := s.store.ListVersions(ctx, sc.Deliverable.ID)
	if err != nil {
		return nil, err
	}
	return versionViews(versions), nil
}
