package app

import (
	"context"
	"time"

	"agentbase/internal/activity"
	"agentbase/internal/command"
	"agentbase/internal/domain"
)

// FeedQuery selects the entries behind an activity feed.
type FeedQuery struct {
	EntityType string
	EntityID   string
	ActorID    string
	Since      time.Time
	Limit      int
}

// DefaultFeedLimit caps a feed when the caller gives no limit.
const DefaultFeedLimit = 200

// Feed returns the tenant's activity with internal-field noise removed,
// both raw and aggregated for display.
func (a *App) Feed(ctx context.Context, tenantID string, q FeedQuery) ([]domain.ActivityEntry, []activity.DisplayItem, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultFeedLimit
	}
	entityType := q.EntityType
	if entityType != "" {
		entityType = activity.NormalizeEntityType(entityType)
	}
	entries, err := a.Backend.ListActivity(ctx, command.ActivityQuery{
		TenantID:   tenantID,
		EntityType: entityType,
		EntityID:   q.EntityID,
		ActorID:    q.ActorID,
		Since:      q.Since,
		Limit:      q.Limit,
	})
	if err != nil {
		return nil, nil, err
	}
	visible := activity.VisibleEntries(entries)
	return visible, a.Aggregator.Aggregate(visible), nil
}
