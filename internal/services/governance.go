package services

import (
	"context"
	"fmt"
	"sort"
)

// Wildcard grants every skill, or matches every agent when used as an agent key.
const Wildcard = "*"

// AllowListGovernor authorizes agents against a static skill allow-list.
type AllowListGovernor struct {
	allowed map[string]map[string]bool
}

// NewAllowListGovernor creates a governor from agent id -> allowed skill ids.
// An entry for agent "*" applies to every agent.
func NewAllowListGovernor(allowed map[string][]string) *AllowListGovernor {
	g := &AllowListGovernor{allowed: make(map[string]map[string]bool, len(allowed))}
	for agent, skills := range allowed {
		set := make(map[string]bool, len(skills))
		for _, s := range skills {
			set[s] = true
		}
		g.allowed[agent] = set
	}
	return g
}

// Authorize denies when any of skillIDs is not granted to agentID.
func (g *AllowListGovernor) Authorize(_ context.Context, agentID, workspaceID string, skillIDs []string) error {
	var denied []string
	seen := make(map[string]bool, len(skillIDs))
	for _, skill := range skillIDs {
		if seen[skill] {
			continue
		}
		seen[skill] = true
		if !g.permits(agentID, skill) {
			denied = append(denied, skill)
		}
	}
	if len(denied) > 0 {
		sort.Strings(denied)
		return fmt.Errorf("%w: agent %q may not run %v in workspace %q", ErrGovernanceDenied, agentID, denied, workspaceID)
	}
	return nil
}

func (g *AllowListGovernor) permits(agentID, skill string) bool {
	for _, key := range []string{agentID, Wildcard} {
		set, ok := g.allowed[key]
		if !ok {
			continue
		}
		if set[Wildcard] || set[skill] {
			return true
		}
	}
	return false
}
