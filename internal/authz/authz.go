// Package authz is the permission gate for case operations. It is a pure
// decision function: the caller supplies the already-loaded owner id, so the
// gate never touches storage.
package authz

import (
	"fmt"

	"trustline/internal/domain"
)

// Principal is a verified caller identity. System principals come from the
// distinguished system credential and bypass ownership checks entirely.
type Principal struct {
	ID     string
	Role   domain.Role
	System bool
	Source string
}

// Action enumerates the operations the gate knows about.
type Action string

const (
	ActionRead    Action = "read"
	ActionList    Action = "list"
	ActionCreate  Action = "create"
	ActionAdvance Action = "advance_step"
	ActionClose   Action = "close"
)

// DeniedError carries the specific denial reason. It unwraps to
// domain.ErrUnauthorized or domain.ErrForbidden so handlers can match with
// errors.Is.
type DeniedError struct {
	Action Action
	Reason error
}

func (e DeniedError) Error() string {
	return fmt.Sprintf("%s denied: %s", e.Action, e.Reason)
}

func (e DeniedError) Unwrap() error { return e.Reason }

// Gate runs the identity and role checks alone, without an ownership
// decision. Callers use it before loading a case so an unauthorized caller
// never learns whether the case exists.
func Gate(p Principal, action Action) error {
	return Authorize(p, action, p.ID)
}

// Authorize evaluates the caller against an action on a case owned by
// ownerID. For list/create, ownerID is ignored. Rules in order: system
// credential always wins, buyers are shut out of this surface, agents read
// freely within their scope but mutate only their own cases.
func Authorize(p Principal, action Action, ownerID string) error {
	if p.System {
		return nil
	}
	if p.ID == "" {
		return DeniedError{Action: action, Reason: domain.ErrUnauthorized}
	}
	switch p.Role {
	case domain.RoleBuyer:
		return DeniedError{Action: action, Reason: domain.ErrForbidden}
	case domain.RoleAgent:
		switch action {
		case ActionRead, ActionList, ActionCreate:
			return nil
		case ActionAdvance, ActionClose:
			if ownerID == p.ID {
				return nil
			}
			return DeniedError{Action: action, Reason: domain.ErrForbidden}
		}
	case domain.RoleSystem:
		// Role claim alone does not grant the system bypass; only the
		// system credential sets p.System.
		return DeniedError{Action: action, Reason: domain.ErrForbidden}
	}
	return DeniedError{Action: action, Reason: domain.ErrUnauthorized}
}
