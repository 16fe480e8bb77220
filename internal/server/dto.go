package server

import (
	"time"

	"agentbase/internal/activity"
	"agentbase/internal/domain"
)

type CreateEntityRequest struct {
	Fields         map[string]any `json:"fields"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

type UpdateEntityRequest struct {
	Table          string         `json:"table" example:"tasks"`
	ID             string         `json:"id"`
	Fields         map[string]any `json:"fields"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

type BatchUpdateRequest struct {
	Table  string         `json:"table" example:"tasks"`
	IDs    []string       `json:"ids"`
	Fields map[string]any `json:"fields"`
}

type CommentRequest struct {
	EntityType  string `json:"entity_type" example:"task"`
	EntityID    string `json:"entity_id"`
	EntityLabel string `json:"entity_label,omitempty"`
	Body        string `json:"body"`
}

type LinkRequest struct {
	SourceType string `json:"source_type" example:"tasks"`
	SourceID   string `json:"source_id"`
	TargetType string `json:"target_type" example:"people"`
	TargetID   string `json:"target_id"`
}

type BatchUpdateResponse struct {
	Updated []domain.Entity `json:"updated"`
	Missing []string        `json:"missing"`
}

type ActivityResponse struct {
	Items        []activity.DisplayItem `json:"items"`
	TotalEntries int                    `json:"total_entries"`
}

type MeResponse struct {
	Actor domain.Actor `json:"actor"`
}

type entityPath struct {
	Table string `path:"table"`
	ID    string `path:"id"`
}

type activityQuery struct {
	EntityType string    `query:"entity_type"`
	EntityID   string    `query:"entity_id"`
	ActorID    string    `query:"actor_id"`
	Since      time.Time `query:"since"`
	Limit      int       `query:"limit" default:"200" minimum:"1" maximum:"1000"`
}
