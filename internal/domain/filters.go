package domain

// ClaimFilter narrows which items an agent may claim.
type ClaimFilter struct {
	// AgentID is the claiming agent; stamped on claimed items as the lease holder.
	AgentID string
	// ServiceKind restricts items to one service kind. Empty matches all.
	ServiceKind string
	// ResourceAllow restricts items to resources this agent can drive.
	// Empty means no restriction.
	ResourceAllow []string
	// IncludeStacking also claims unclaimed CONNECTING items (the secondary
	// phase) in addition to NEW items.
	IncludeStacking bool
	// Individual marks an agent that only serves requests assigned to it.
	// Global agents (false) match unassigned requests and their own.
	Individual bool
}

// ResourceFilter narrows the eligible-resource read used by the planner.
type ResourceFilter struct {
	// Day is the usage day the quota is checked against (YYYY-MM-DD, UTC).
	Day string
	// MaxDaily is the per-resource daily allocation quota.
	MaxDaily int
	// HighTrafficMin is the traffic metric at or above which a resource is HIGH tier.
	HighTrafficMin int64
	// ServiceKind restricts to resources tagged for the kind. Empty matches all.
	ServiceKind string
	// Exclude lists resource ids already used by the request being planned.
	Exclude []string
}
