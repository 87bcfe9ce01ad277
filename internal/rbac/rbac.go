package rbac

import (
	"context"
	"fmt"
)

// TeamRole is a user's role in the organization that owns a project.
type TeamRole string

// ProjectRole is a user's role on one project.
type ProjectRole string

type Action string

const (
	TeamOwner  TeamRole = "owner"
	TeamAdmin  TeamRole = "admin"
	TeamMember TeamRole = "member"
)

const (
	ProjectOwner          ProjectRole = "owner"
	ProjectAdmin          ProjectRole = "admin"
	ProjectEditor         ProjectRole = "editor"
	ProjectClientViewer   ProjectRole = "client_viewer"
	ProjectClientApprover ProjectRole = "client_approver"
)

const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionApprove Action = "approve"
)

// InternalRoles are the project roles that make up the studio side of a
// project.
var InternalRoles = []ProjectRole{ProjectOwner, ProjectAdmin, ProjectEditor}

// ClientRoles are the project roles held by the client side of a project.
var ClientRoles = []ProjectRole{ProjectClientViewer, ProjectClientApprover}

// Project carries the fields of a project that take part in access
// decisions.
type Project struct {
	ID             string
	OrganizationID string
	ClientID       string
	OwnerID        string
	CreatedBy      string
}

// AccessContext is the capability set of one user on one project. It is
// computed once per request and passed to every check that follows.
type AccessContext struct {
	UserID            string
	CanRead           bool
	CanWrite          bool
	CanApprove        bool
	IsClientUser      bool
	ProjectMemberRole ProjectRole
	TeamRole          TeamRole
}

func (a AccessContext) Can(action Action) bool {
	switch action {
	case ActionRead:
		return a.CanRead
	case ActionWrite:
		return a.CanWrite
	case ActionApprove:
		return a.CanApprove
	default:
		return false
	}
}

func NormalizeTeamRole(role string) TeamRole {
	switch TeamRole(role) {
	case TeamOwner, TeamAdmin, TeamMember:
		return TeamRole(role)
	default:
		return ""
	}
}

func NormalizeProjectRole(role string) ProjectRole {
	switch ProjectRole(role) {
	case ProjectOwner, ProjectAdmin, ProjectEditor, ProjectClientViewer, ProjectClientApprover:
		return ProjectRole(role)
	default:
		return ""
	}
}

// Derive computes the capability set from the three lookups. Unknown roles
// count as no role.
func Derive(userID string, project Project, teamRole TeamRole, projectRole ProjectRole, isClientUser bool) AccessContext {
	if userID == "" {
		return AccessContext{}
	}
	orgAdmin := teamRole == TeamOwner || teamRole == TeamAdmin
	isOwner := userID == project.OwnerID || userID == project.CreatedBy

	canWrite := orgAdmin || isOwner ||
		projectRole == ProjectOwner || projectRole == ProjectAdmin || projectRole == ProjectEditor
	canApprove := orgAdmin || isOwner ||
		projectRole == ProjectOwner || projectRole == ProjectAdmin || projectRole == ProjectClientApprover
	canRead := canWrite || isClientUser || projectRole != "" || teamRole != ""

	return AccessContext{
		UserID:            userID,
		CanRead:           canRead,
		CanWrite:          canWrite,
		CanApprove:        canApprove,
		IsClientUser:      isClientUser,
		ProjectMemberRole: projectRole,
		TeamRole:          teamRole,
	}
}

// Lookup answers the three membership questions access resolution needs.
// A missing membership is reported as an empty role or false, not an error.
type Lookup interface {
	TeamRole(ctx context.Context, organizationID, userID string) (string, error)
	ProjectMemberRole(ctx context.Context, projectID, userID string) (string, error)
	IsClientMember(ctx context.Context, clientID, userID string) (bool, error)
}

type Resolver struct {
	lookup Lookup
}

func NewResolver(lookup Lookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// Resolve returns the empty AccessContext for an anonymous user without
// touching the lookups.
func (r *Resolver) Resolve(ctx context.Context, userID string, project Project) (AccessContext, error) {
	if userID == "" {
		return AccessContext{}, nil
	}
	team, err := r.lookup.TeamRole(ctx, project.OrganizationID, userID)
	if err != nil {
		return AccessContext{}, fmt.Errorf("resolve team role: %w", err)
	}
	member, err := r.lookup.ProjectMemberRole(ctx, project.ID, userID)
	if err != nil {
		return AccessContext{}, fmt.Errorf("resolve project role: %w", err)
	}
	isClient := false
	if project.ClientID != "" {
		isClient, err = r.lookup.IsClientMember(ctx, project.ClientID, userID)
		if err != nil {
			return AccessContext{}, fmt.Errorf("resolve client membership: %w", err)
		}
	}
	return Derive(userID, project, NormalizeTeamRole(team), NormalizeProjectRole(member), isClient), nil
}

// OppositeAudience returns the project roles that should hear about an
// action taken by a client user (isClientUser) or by the studio side.
func OppositeAudience(isClientUser bool) []ProjectRole {
	if isClientUser {
		return InternalRoles
	}
	return ClientRoles
}
