package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"agentbase/internal/activity"
	"agentbase/internal/app"
	"agentbase/internal/command"
	"agentbase/internal/domain"
)

var commandErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
}

func parseTable(raw string) (domain.EntityKind, error) {
	kind, ok := domain.ParseEntityKind(activity.NormalizeEntityType(raw))
	if !ok {
		return "", domain.Invalid("table", "unknown table %q", raw)
	}
	return kind, nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}

func registerMe(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Resolved actor",
		Errors:      []int{http.StatusUnauthorized, http.StatusTooManyRequests},
	}, func(ctx context.Context, _ *struct{}) (*envelopeOutput, error) {
		act, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		return ok(MeResponse{Actor: act}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/members",
		Summary:     "Assignee candidates",
		Errors:      commandErrors,
	}, func(ctx context.Context, _ *struct{}) (*envelopeOutput, error) {
		act, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		cands, err := a.Backend.ListCandidates(ctx, act.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		if cands == nil {
			cands = []domain.AssigneeCandidate{}
		}
		return ok(cands), nil
	})
}

func registerEntities(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-entity",
		Method:        http.MethodPost,
		Path:          "/entities/{table}",
		Summary:       "Create entity",
		DefaultStatus: http.StatusCreated,
		Errors:        commandErrors,
	}, func(ctx context.Context, input *struct {
		Table          string              `path:"table"`
		IdempotencyKey string              `header:"Idempotency-Key"`
		Body           CreateEntityRequest `json:"body"`
	}) (*envelopeOutput, error) {
		act, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		kind, err := parseTable(input.Table)
		if err != nil {
			return nil, handleError(err)
		}
		key := input.Body.IdempotencyKey
		if key == "" {
			key = input.IdempotencyKey
		}
		ent, err := a.Dispatcher.Create(ctx, command.Mutation{Actor: act, Kind: kind, Fields: input.Body.Fields, IdempotencyKey: key})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(ent), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entities",
		Method:      http.MethodGet,
		Path:        "/entities/{table}",
		Summary:     "List live entities",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		Table string `path:"table"`
		Limit int    `query:"limit" default:"50"`
	}) (*envelopeOutput, error) {
		act, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		kind, err := parseTable(input.Table)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := a.Backend.ListEntities(ctx, act.TenantID, kind, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Entity{}
		}
		return ok(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entity",
		Method:      http.MethodGet,
		Path:        "/entities/{table}/{id}",
		Summary:     "Read entity",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *entityPath) (*envelopeOutput, error) {
		act, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		kind, err := parseTable(input.Table)
		if err != nil {
			return nil, handleError(err)
		}
		ent, err := a.Backend.GetEntity(ctx, act.TenantID, kind, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(ent), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-entity",
		Method:      http.MethodPatch,
		Path:        "/entities",
		Summary:     "Update entity",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		Body UpdateEntityRequest `json:"body"`
	}) (*envelopeOutput, error) {
		act, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		kind, err := parseTable(input.Body.Table)
		if err != nil {
			return nil, handleError(err)
		}
		ent, err := a.Dispatcher.Update(ctx, command.Mutation{
			Actor:          act,
			Kind:           kind,
			ID:             input.Body.ID,
			Fields:         input.Body.Fields,
			IdempotencyKey: input.Body.IdempotencyKey,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(ent), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "batch-update-entities",
		Method:      http.MethodPost,
		Path:        "/entities/batch",
		Summary:     "Apply one change to many entities",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		Body BatchUpdateRequest `json:"body"`
	}) (*envelopeOutput, error) {
		act, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		kind, err := parseTable(input.Body.Table)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := a.Dispatcher.BatchUpdate(ctx, command.BatchMutation{Actor: act, Kind: kind, IDs: input.Body.IDs, Fields: input.Body.Fields})
		if err != nil {
			return nil, handleError(err)
		}
		out := BatchUpdateResponse{Updated: res.Updated, Missing: res.Missing}
		if out.Updated == nil {
			out.Updated = []domain.Entity{}
		}
		if out.Missing == nil {
			out.Missing = []string{}
		}
		return ok(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-entity",
		Method:      http.MethodDelete,
		Path:        "/entities/{table}/{id}",
		Summary:     "Delete entity",
		Description: "Tasks are removed permanently by humans and cannot be deleted by agents. Other tables are soft deleted.",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *entityPath) (*envelopeOutput, error) {
		act, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		kind, err := parseTable(input.Table)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := a.Dispatcher.Delete(ctx, act, kind, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(res), nil
	})
}

func registerComments(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-comment",
		Method:        http.MethodPost,
		Path:          "/comments",
		Summary:       "Comment on an entity",
		DefaultStatus: http.StatusCreated,
		Errors:        commandErrors,
	}, func(ctx context.Context, input *struct {
		Body CommentRequest `json:"body"`
	}) (*envelopeOutput, error) {
		act, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		entry, err := a.Dispatcher.AddComment(ctx, command.Comment{
			Actor:       act,
			EntityType:  input.Body.EntityType,
			EntityID:    input.Body.EntityID,
			EntityLabel: input.Body.EntityLabel,
			Body:        input.Body.Body,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(entry), nil
	})
}

func registerLinks(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-link",
		Method:        http.MethodPost,
		Path:          "/links",
		Summary:       "Link two entities",
		DefaultStatus: http.StatusCreated,
		Errors:        commandErrors,
	}, func(ctx context.Context, input *struct {
		Body LinkRequest `json:"body"`
	}) (*envelopeOutput, error) {
		act, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		link, err := a.Dispatcher.Link(ctx, command.LinkRequest{
			Actor:      act,
			SourceType: input.Body.SourceType,
			SourceID:   input.Body.SourceID,
			TargetType: input.Body.TargetType,
			TargetID:   input.Body.TargetID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(link), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-link",
		Method:      http.MethodDelete,
		Path:        "/links/{source_type}/{source_id}/{target_type}/{target_id}",
		Summary:     "Remove a link",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		SourceType string `path:"source_type"`
		SourceID   string `path:"source_id"`
		TargetType string `path:"target_type"`
		TargetID   string `path:"target_id"`
	}) (*envelopeOutput, error) {
		act, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		err = a.Dispatcher.Unlink(ctx, command.LinkRequest{
			Actor:      act,
			SourceType: input.SourceType,
			SourceID:   input.SourceID,
			TargetType: input.TargetType,
			TargetID:   input.TargetID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(map[string]bool{"removed": true}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-links",
		Method:      http.MethodGet,
		Path:        "/entities/{table}/{id}/links",
		Summary:     "Links touching an entity",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *entityPath) (*envelopeOutput, error) {
		act, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		kind, err := parseTable(input.Table)
		if err != nil {
			return nil, handleError(err)
		}
		links, err := a.Backend.ListLinks(ctx, act.TenantID, kind, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if links == nil {
			links = []domain.Link{}
		}
		return ok(links), nil
	})
}

func registerActivity(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "activity",
		Method:      http.MethodGet,
		Path:        "/activity",
		Summary:     "Aggregated activity timeline",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *activityQuery) (*envelopeOutput, error) {
		act, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		entries, items, err := a.Feed(ctx, act.TenantID, app.FeedQuery{
			EntityType: input.EntityType,
			EntityID:   input.EntityID,
			ActorID:    input.ActorID,
			Since:      input.Since,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []activity.DisplayItem{}
		}
		return ok(ActivityResponse{Items: items, TotalEntries: len(entries)}), nil
	})
}
