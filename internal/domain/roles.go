package domain

import "context"

// Role is a governance capability. Each mutating operation declares the role
// it requires; an injected RoleResolver answers yes or no.
type Role string

const (
	RoleProposer Role = "proposer"
	RoleExecutor Role = "executor"
	RoleGuardian Role = "guardian"
	RoleAdmin    Role = "admin"
)

// RoleResolver answers whether a caller identity holds a capability. The
// concrete implementation (key table, on-chain ACL, ...) is an external
// collaborator.
type RoleResolver interface {
	HasRole(ctx context.Context, caller string, role Role) (bool, error)
}
