package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/relaystatus/internal/provider"
	"github.com/agentworkforce/relaystatus/internal/store"
	"gorm.io/datatypes"
)

// DefaultMaxPages caps every pagination loop.
const DefaultMaxPages = 10

type Logger interface {
	Printf(format string, args ...any)
}

type EngineOptions struct {
	Logger   Logger
	MaxPages int
	Now      func() time.Time
}

// Engine pulls projects, users and events for one integration and upserts
// them. Each call is idempotent.
type Engine struct {
	store    *store.Store
	logger   Logger
	maxPages int
	now      func() time.Time
}

func NewEngine(st *store.Store, opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{store: st, logger: logger, maxPages: maxPages, now: now}
}

// SyncProjects fails outright when a project page cannot be fetched.
func (e *Engine) SyncProjects(ctx context.Context, client provider.Client, integrationID string) (int, error) {
	total := 0
	for page := 1; page <= e.maxPages; page++ {
		result, err := client.ListProjects(ctx, page)
		if err != nil {
			return total, fmt.Errorf("list projects page %d: %w", page, err)
		}
		if len(result.Items) == 0 {
			break
		}
		rows := make([]store.ExternalProject, 0, len(result.Items))
		for _, p := range result.Items {
			rows = append(rows, store.ExternalProject{
				ProviderID:        p.ID,
				Name:              p.Name,
				Namespace:         p.Namespace,
				PathWithNamespace: p.PathWithNamespace,
				Visibility:        p.Visibility,
				WebURL:            p.WebURL,
				Description:       p.Description,
				DefaultBranch:     p.DefaultBranch,
			})
		}
		if err := e.store.UpsertProjects(ctx, integrationID, rows); err != nil {
			return total, fmt.Errorf("upsert projects: %w", err)
		}
		total += len(rows)
		if !result.HasMore {
			break
		}
	}
	return total, nil
}

// SyncUsers collects member ids across all projects, then fetches and upserts
// each profile. Per-project and per-user failures are logged and skipped.
func (e *Engine) SyncUsers(ctx context.Context, client provider.Client, integrationID string) (int, error) {
	projects, err := e.store.ListProjects(ctx, integrationID)
	if err != nil {
		return 0, err
	}
	ids := map[string]struct{}{}
	for _, project := range projects {
		ref := projectRef(project)
		for page := 1; page <= e.maxPages; page++ {
			result, err := client.ListProjectMembers(ctx, ref, page)
			if err != nil {
				e.logger.Printf("sync: list members of project %s failed: %v", project.ProviderID, err)
				break
			}
			for _, member := range result.Items {
				ids[member.ID] = struct{}{}
			}
			if !result.HasMore {
				break
			}
		}
	}
	ordered := make([]string, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	users := make([]store.ExternalUser, 0, len(ordered))
	for _, id := range ordered {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		user, err := client.GetUser(ctx, id)
		if err != nil {
			e.logger.Printf("sync: fetch user %s failed: %v", id, err)
			continue
		}
		users = append(users, store.ExternalUser{
			ProviderID: user.ID,
			Username:   user.Username,
			Name:       user.Name,
			Email:      user.Email,
			AvatarURL:  user.AvatarURL,
			WebURL:     user.WebURL,
		})
	}
	if err := e.store.UpsertUsers(ctx, integrationID, users); err != nil {
		return 0, fmt.Errorf("upsert users: %w", err)
	}
	return len(users), nil
}

// SyncEvents pages through each project's newest-first events until a page
// reaches past minCreatedAt, the provider runs out of pages, or the page cap
// is hit. It returns the sorted synthetic ids it upserted.
func (e *Engine) SyncEvents(ctx context.Context, client provider.Client, integrationID string, minCreatedAt time.Time) ([]string, error) {
	projects, err := e.store.ListProjects(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	touched := map[string]struct{}{}
	unknown := map[string]struct{}{}
	for _, project := range projects {
		ref := projectRef(project)
		for page := 1; page <= e.maxPages; page++ {
			result, err := client.ListEvents(ctx, ref, minCreatedAt, page)
			if err != nil {
				e.logger.Printf("sync: list events of project %s failed: %v", project.ProviderID, err)
				break
			}
			if len(result.Items) == 0 {
				break
			}
			fresh := make([]provider.Event, 0, len(result.Items))
			for _, ev := range result.Items {
				if ev.CreatedAt.IsZero() || ev.CreatedAt.After(minCreatedAt) {
					fresh = append(fresh, ev)
				}
			}
			if len(fresh) == 0 {
				break
			}

			insertedAt := e.now().UTC()
			rows := make([]store.ExternalEvent, 0, len(fresh))
			ids := make([]string, 0, len(fresh))
			for _, ev := range fresh {
				if ev.Type == provider.EventUnknown {
					if _, seen := unknown[ev.Action]; !seen {
						unknown[ev.Action] = struct{}{}
						e.logger.Printf("sync: unrecognised action %q on project %s stored as %s", ev.Action, project.ProviderID, provider.EventUnknown)
					}
				}
				syntheticID := SyntheticEventID(project.ID, ev.Action, ev.ActorID, ev.CreatedAt, ev.TargetID)
				createdAt := ev.CreatedAt
				if createdAt.IsZero() {
					createdAt = insertedAt
				}
				rows = append(rows, store.ExternalEvent{
					ProjectID:       project.ID,
					SyntheticID:     syntheticID,
					ActorProviderID: ev.ActorID,
					Type:            string(ev.Type),
					Action:          ev.Action,
					Payload:         datatypes.JSON(ev.Payload),
					CreatedAt:       createdAt.UTC(),
					InsertedAt:      insertedAt,
				})
				ids = append(ids, syntheticID)
			}
			if err := e.store.UpsertEvents(ctx, dedupeEvents(rows)); err != nil {
				e.logger.Printf("sync: upsert events of project %s failed: %v", project.ProviderID, err)
			} else {
				for _, id := range ids {
					touched[id] = struct{}{}
				}
			}

			if !result.HasMore || len(fresh) < len(result.Items) {
				break
			}
		}
	}
	out := make([]string, 0, len(touched))
	for id := range touched {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// SyntheticEventID derives a stable id for providers whose events have none.
// The same (project, action, actor, createdAt, target) always yields the same
// 32 hex characters.
func SyntheticEventID(projectID, action, actorID string, createdAt time.Time, targetID string) string {
	created := ""
	if !createdAt.IsZero() {
		created = createdAt.UTC().Format(time.RFC3339Nano)
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{projectID, action, actorID, created, targetID}, "\x1f")))
	return hex.EncodeToString(sum[:])[:32]
}

// dedupeEvents keeps the last row per synthetic id; one INSERT ... ON
// CONFLICT statement may not touch the same row twice.
func dedupeEvents(rows []store.ExternalEvent) []store.ExternalEvent {
	index := make(map[string]int, len(rows))
	out := make([]store.ExternalEvent, 0, len(rows))
	for _, row := range rows {
		if i, ok := index[row.SyntheticID]; ok {
			out[i] = row
			continue
		}
		index[row.SyntheticID] = len(out)
		out = append(out, row)
	}
	return out
}

func projectRef(project store.ExternalProject) provider.ProjectRef {
	return provider.ProjectRef{ID: project.ProviderID, Path: project.PathWithNamespace}
}

// StartOfWeek returns Sunday 00:00 UTC of the week containing t.
func StartOfWeek(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -int(day.Weekday()))
}
