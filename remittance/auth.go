package remittance

import (
	"context"
	"fmt"
)

// Role of a verified caller within an organization.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Actor is the verified identity of the caller. Authentication happens
// upstream; the engine only checks authorization.
type Actor struct {
	ID    string
	OrgID string
	Role  Role
}

// Authorizer decides whether actor may run remittance operations in orgID.
type Authorizer interface {
	Authorize(ctx context.Context, actor Actor, orgID string) error
}

// OrgAdminAuthorizer allows admins of the target organization only.
type OrgAdminAuthorizer struct{}

func (OrgAdminAuthorizer) Authorize(_ context.Context, actor Actor, orgID string) error {
	if actor.ID == "" {
		return ErrUnauthenticated
	}
	if actor.OrgID != orgID {
		return fmt.Errorf("actor %s is not a member of org %s: %w", actor.ID, orgID, ErrPermissionDenied)
	}
	if actor.Role != RoleAdmin {
		return fmt.Errorf("actor %s is not an org admin: %w", actor.ID, ErrPermissionDenied)
	}
	return nil
}

// Recorder receives operational measurements. metrics.Recorder implements it.
type Recorder interface {
	ObserveOperation(op, outcome string, elapsedSeconds float64)
	IncInvariantViolation(code string)
	IncLockContention(op string)
	AddChildrenCreated(n int)
	AddChildrenArchived(n int)
	AddPendingDeleted(n int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveOperation(string, string, float64) {}
func (nopRecorder) IncInvariantViolation(string)             {}
func (nopRecorder) IncLockContention(string)                 {}
func (nopRecorder) AddChildrenCreated(int)                   {}
func (nopRecorder) AddChildrenArchived(int)                  {}
func (nopRecorder) AddPendingDeleted(int)                    {}
