package schedule

import (
	"context"

	"github.com/agentworkforce/relaystatus/internal/store"
)

// MemberLookup is the part of the store target resolution reads from.
type MemberLookup interface {
	MembersByID(ctx context.Context, organizationID string, ids []string) ([]store.Member, error)
	TeamMembers(ctx context.Context, organizationID string, teamIDs []string) ([]store.Member, error)
	OrganizationMembers(ctx context.Context, organizationID string) ([]store.Member, error)
}

// GenerationTarget is one member a run generates an update for.
type GenerationTarget struct {
	MemberID    string           `json:"memberId"`
	UserID      string           `json:"userId"`
	DisplayName string           `json:"displayName"`
	Timezone    string           `json:"timezone,omitempty"`
	Sources     []ActivitySource `json:"sources,omitempty"`
}

// ResolveTargets expands the member, team and organization selectors of cfg
// (plus generateForEveryMember) into members of organizationID. A member
// reached through several selectors appears once, at its first position, with
// the activity sources of every selector that reached it.
func ResolveTargets(ctx context.Context, lookup MemberLookup, organizationID string, cfg Config) ([]GenerationTarget, error) {
	var memberIDs, teamIDs []string
	everyone := cfg.GenerateForEveryMember
	for _, sel := range cfg.GenerateFor {
		switch sel.Type {
		case SelectorMember:
			memberIDs = append(memberIDs, sel.Value)
		case SelectorTeam:
			teamIDs = append(teamIDs, sel.Value)
		case SelectorOrganization:
			everyone = true
		}
	}

	byID := map[string]store.Member{}
	members, err := lookup.MembersByID(ctx, organizationID, memberIDs)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		byID[m.ID] = m
	}

	byTeam := map[string][]store.Member{}
	for _, teamID := range uniqueStrings(teamIDs) {
		teamMembers, err := lookup.TeamMembers(ctx, organizationID, []string{teamID})
		if err != nil {
			return nil, err
		}
		byTeam[teamID] = teamMembers
	}

	var all []store.Member
	if everyone {
		all, err = lookup.OrganizationMembers(ctx, organizationID)
		if err != nil {
			return nil, err
		}
	}

	var targets []GenerationTarget
	index := map[string]int{}
	add := func(m store.Member, sources []ActivitySource) {
		if i, ok := index[m.ID]; ok {
			targets[i].Sources = appendSources(targets[i].Sources, sources)
			return
		}
		index[m.ID] = len(targets)
		targets = append(targets, GenerationTarget{
			MemberID:    m.ID,
			UserID:      m.UserID,
			DisplayName: displayName(m),
			Timezone:    m.Timezone,
			Sources:     appendSources(nil, sources),
		})
	}

	for _, sel := range cfg.GenerateFor {
		switch sel.Type {
		case SelectorMember:
			if m, ok := byID[sel.Value]; ok {
				add(m, sel.UsingActivityFrom)
			}
		case SelectorTeam:
			for _, m := range byTeam[sel.Value] {
				add(m, sel.UsingActivityFrom)
			}
		case SelectorOrganization:
			for _, m := range all {
				add(m, sel.UsingActivityFrom)
			}
		}
	}
	if cfg.GenerateForEveryMember {
		for _, m := range all {
			add(m, nil)
		}
	}
	return targets, nil
}

func displayName(m store.Member) string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.Email
}

func appendSources(dst, src []ActivitySource) []ActivitySource {
	for _, s := range src {
		seen := false
		for _, d := range dst {
			if d == s {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, s)
		}
	}
	return dst
}

func uniqueStrings(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
