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

type RecordApprovalInput struct {
	VersionID string `json:"versionId"`
	Decision  string `json:"decision"`
	Note      string `json:"note"`
}

// statusAfterDecision maps a decision to the deliverable status it leaves
// behind. Changes requested keeps the deliverable in review.
var statusAfterDecision = map[string]string{
	store.DecisionApproved:         store.DeliverableStatusApproved,
	store.DecisionRejected:         store.DeliverableStatusRejected,
	store.DecisionChangesRequested: store.DeliverableStatusInReview,
}

// RecordApproval appends a decision to the history. The deliverable status
// follows the decision only when it concerns the newest version; a verdict
// on an older cut is kept but cannot close review of a newer one.
func (s *Service) RecordApproval(ctx context.Context, id Identity, deliverableID string, input RecordApprovalInput) (ApprovalView, error) {
	ctx, span := s.startSpan(ctx, "RecordApproval", attribute.String("deliverable.id", deliverableID))
	defer span.End()

	decision := strings.ToLower(strings.TrimSpace(input.Decision))
	status, ok := statusAfterDecision[decision]
	if !ok {
		return ApprovalView{}, errInvalidInput("decision must be approved, changes_requested or rejected", map[string]any{"decision": input.Decision})
	}
	if strings.TrimSpace(input.VersionID) == "" {
		return ApprovalView{}, errInvalidInput("versionId is required", nil)
	}

	sc, err := s.deliverableScope(ctx, id, deliverableID)
	if err != nil {
		return ApprovalView{}, err
	}
	if err := sc.require(rbac.ActionApprove); err != nil {
		return ApprovalView{}, err
	}
	version, err := s.store.GetVersion(ctx, input.VersionID)
	if err != nil {
		return ApprovalView{}, lookupErr(err, "version")
	}
	if version.DeliverableID != sc.Deliverable.ID {
		return ApprovalView{}, errNotFound("version")
	}

	recorded, err := s.store.RecordApproval(ctx, store.Approval{
		ID:            util.NewID(),
		DeliverableID: sc.Deliverable.ID,
		VersionID:     version.ID,
		Decision:      decision,
		Note:          strings.TrimSpace(input.Note),
		ApproverID:    id.UserID,
	}, status)
	if err != nil {
		return ApprovalView{}, lookupErr(err, "deliverable")
	}
	span.SetAttributes(attribute.String("approval.decision", decision))

	s.notifier.Notify(ctx, sc.Project.ID, sc.actor(id), notify.ApprovalEvent{
		DeliverableID:    sc.Deliverable.ID,
		DeliverableTitle: sc.Deliverable.Title,
		VersionID:        version.ID,
		VersionNumber:    version.VersionNumber,
		ApprovalID:       recorded.ID,
		Decision:         decision,
		Note:             recorded.Note,
	})
	s.log.Info("approval recorded", "deliverable_id", sc.Deliverable.ID, "decision", decision, "user_id", id.UserID)
	return approvalView(recorded), nil
}

// ListApprovals returns the full decision history, most recent first.
func (s *Service) ListApprovals(ctx context.Context, id Identity, deliverableID string) ([]ApprovalView, error) {
	sc, err := s.deliverableScope(ctx, id, deliverableID)
	if err != nil {
		return nil, err
	}
	if err := sc.require(rbac.ActionRead); err != nil {
		return nil, err
	}
	items, err := s.store.ListApprovals(ctx, sc.Deliverable.ID)
	if err != nil {
		return nil, err
	}
	return approvalViews(items), nil
}
