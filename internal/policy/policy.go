// Package policy declares the policy enforcement collaborator (§6):
// Demand(policyId, principal) raises a typed, recoverable-only-by-
// escalation failure.
package policy

import (
	"context"

	"github.com/santedb/mdm/internal/mdmerr"
	"github.com/santedb/mdm/internal/mdmrepo"
)

// Well-known policy identifiers referenced by the interceptor and
// merger (§4.3, §4.5, §4.2.7).
const (
	WriteMaster    = "mdm.write.master"
	ReadMdmLocals  = "mdm.read.locals"
	EditRoT        = "mdm.rot.edit"
	EstablishRoT   = "mdm.rot.establish"
	MergeRecords   = "mdm.merge"
)

// Enforcer is the policy enforcement collaborator.
type Enforcer interface {
	// Demand returns a *mdmerr.PermissionDeniedError if the principal
	// does not hold policyID.
	Demand(ctx context.Context, policyID string, principal mdmrepo.Principal) error
}

// Allow is a permissive Enforcer used by tests and standalone tooling
// where no real policy service is wired.
type Allow struct{}

// Demand always succeeds.
func (Allow) Demand(context.Context, string, mdmrepo.Principal) error { return nil }

var _ Enforcer = Allow{}

// Deny is an Enforcer that always denies, useful for exercising the
// interceptor's retry-once-then-terminal path in tests.
type Deny struct{ PolicyID string }

// Demand always fails with PermissionDeniedError.
func (d Deny) Demand(_ context.Context, policyID string, principal mdmrepo.Principal) error {
	return &mdmerr.PermissionDeniedError{PolicyID: policyID, Principal: principal.Name}
}

var _ Enforcer = Deny{}
