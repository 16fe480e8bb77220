// Package command validates and normalizes workspace mutations, applies
// actor policy, and hands accepted commands to a Mutator that performs the
// entity write and audit append atomically.
//
// Every check in this package runs before the first Mutator write. A
// rejected command never leaves partial state behind.
package command

import (
	"context"
	"time"

	"agentbase/internal/domain"
)

// Mutation is a create or single-entity update. ID is empty on create.
type Mutation struct {
	Actor          domain.Actor
	Kind           domain.EntityKind
	ID             string
	Fields         map[string]any
	IdempotencyKey string
}

// BatchMutation applies one field map to many ids of one kind.
type BatchMutation struct {
	Actor  domain.Actor
	Kind   domain.EntityKind
	IDs    []string
	Fields map[string]any
}

// BatchResult lists updated rows and ids that did not resolve in the
// actor's tenant.
type BatchResult struct {
	Updated []domain.Entity `json:"updated"`
	Missing []string        `json:"missing,omitempty"`
}

// HardDeletion removes a row and records a deleted entry carrying Label.
type HardDeletion struct {
	Actor domain.Actor
	Kind  domain.EntityKind
	ID    string
	Label string
}

// LinkRef names both endpoints of a link.
type LinkRef struct {
	Actor      domain.Actor
	SourceType domain.EntityKind
	SourceID   string
	TargetType domain.EntityKind
	TargetID   string
}

// Mutator is the atomic mutation collaborator. Each call is one logical
// write: the entity change and its activity rows commit together or not at
// all.
//
// Update diffs the stored row and appends one entry per changed field.
// BatchUpdate appends one entry per affected id with payload
// {fields, batch: true, batch_size}. Setting deleted_at through Update is
// how soft deletes are recorded.
//
// Implementations report domain.ErrNotFound for rows outside the actor's
// tenant and wrap domain.ErrConstraint for storage constraint failures.
type Mutator interface {
	Create(ctx context.Context, m Mutation) (domain.Entity, error)
	Update(ctx context.Context, m Mutation) (domain.Entity, error)
	BatchUpdate(ctx context.Context, m BatchMutation) (BatchResult, error)
	HardDelete(ctx context.Context, d HardDeletion) error
	Label(ctx context.Context, tenantID string, kind domain.EntityKind, id string) (string, error)
	AppendActivity(ctx context.Context, e domain.ActivityEntry) (domain.ActivityEntry, error)
	Link(ctx context.Context, l LinkRef) (domain.Link, error)
	Unlink(ctx context.Context, l LinkRef) error
}

// ActivityQuery filters the audit log. Results are ascending by created_at.
type ActivityQuery struct {
	TenantID   string
	EntityType string
	EntityID   string
	ActorID    string
	Since      time.Time
	Limit      int
}

// Reader serves read paths. ListEntities excludes tombstoned rows while
// GetEntity returns them so links can still name them.
type Reader interface {
	GetEntity(ctx context.Context, tenantID string, kind domain.EntityKind, id string) (domain.Entity, error)
	ListEntities(ctx context.Context, tenantID string, kind domain.EntityKind, limit int) ([]domain.Entity, error)
	ListActivity(ctx context.Context, q ActivityQuery) ([]domain.ActivityEntry, error)
	ListLinks(ctx context.Context, tenantID string, kind domain.EntityKind, id string) ([]domain.Link, error)
}

// Store is a backend that both mutates and reads.
type Store interface {
	Mutator
	Reader
}
