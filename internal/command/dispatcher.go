package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"agentbase/internal/activity"
	"agentbase/internal/assignee"
	"agentbase/internal/domain"
)

const (
	DefaultBatchMaxIDs             = 100
	DefaultCommentMaxLength        = 10000
	DefaultIdempotencyKeyMaxLength = 255
)

var tracer = otel.Tracer("agentbase/internal/command")

// AssigneeResolver is satisfied by assignee.Resolver.
type AssigneeResolver interface {
	Resolve(ctx context.Context, tenantID, raw string) (assignee.Resolution, error)
}

// Limits bound command payloads.
type Limits struct {
	BatchMaxIDs             int
	CommentMaxLength        int
	IdempotencyKeyMaxLength int
}

func (l Limits) withDefaults() Limits {
	if l.BatchMaxIDs <= 0 {
		l.BatchMaxIDs = DefaultBatchMaxIDs
	}
	if l.CommentMaxLength <= 0 {
		l.CommentMaxLength = DefaultCommentMaxLength
	}
	if l.IdempotencyKeyMaxLength <= 0 {
		l.IdempotencyKeyMaxLength = DefaultIdempotencyKeyMaxLength
	}
	return l
}

type Dispatcher struct {
	Mutator   Mutator
	Assignees AssigneeResolver
	Limits    Limits
	Now       func() time.Time
	Logger    logrus.FieldLogger
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) logger() logrus.FieldLogger {
	if d.Logger != nil {
		return d.Logger
	}
	return logrus.StandardLogger()
}

func (d *Dispatcher) limits() Limits { return d.Limits.withDefaults() }

func (d *Dispatcher) start(ctx context.Context, op string, a domain.Actor, kind domain.EntityKind) (context.Context, trace.Span) {
	return tracer.Start(ctx, "command."+op, trace.WithAttributes(
		attribute.String("actor.id", a.ID),
		attribute.String("actor.kind", string(a.Kind)),
		attribute.String("entity.kind", string(kind)),
	))
}

// Create validates a new entity and forwards it with its idempotency key.
func (d *Dispatcher) Create(ctx context.Context, m Mutation) (domain.Entity, error) {
	ctx, span := d.start(ctx, "create", m.Actor, m.Kind)
	defer span.End()

	if err := requireActor(m.Actor); err != nil {
		return domain.Entity{}, err
	}
	if err := requireMutable(m.Kind); err != nil {
		return domain.Entity{}, err
	}
	if err := d.checkIdempotencyKey(m.IdempotencyKey); err != nil {
		return domain.Entity{}, err
	}
	fields, err := d.prepareFields(ctx, m.Actor, m.Kind, m.Fields, true)
	if err != nil {
		return domain.Entity{}, err
	}
	applyDefaults(m.Kind, fields)
	m.ID = ""
	m.Fields = fields
	ent, err := d.Mutator.Create(ctx, m)
	if err != nil {
		return domain.Entity{}, d.collaboratorError(span, "create", err)
	}
	return ent, nil
}

// Update validates a single-entity change.
func (d *Dispatcher) Update(ctx context.Context, m Mutation) (domain.Entity, error) {
	ctx, span := d.start(ctx, "update", m.Actor, m.Kind)
	defer span.End()

	if err := requireActor(m.Actor); err != nil {
		return domain.Entity{}, err
	}
	if err := requireMutable(m.Kind); err != nil {
		return domain.Entity{}, err
	}
	if strings.TrimSpace(m.ID) == "" {
		return domain.Entity{}, domain.Invalid("id", "is required")
	}
	if err := d.checkIdempotencyKey(m.IdempotencyKey); err != nil {
		return domain.Entity{}, err
	}
	fields, err := d.prepareFields(ctx, m.Actor, m.Kind, m.Fields, false)
	if err != nil {
		return domain.Entity{}, err
	}
	m.Fields = fields
	ent, err := d.Mutator.Update(ctx, m)
	if err != nil {
		return domain.Entity{}, d.collaboratorError(span, "update", err)
	}
	return ent, nil
}

// BatchUpdate applies one field map to 1..BatchMaxIDs entities. The
// Mutator writes one activity entry per affected id.
func (d *Dispatcher) BatchUpdate(ctx context.Context, m BatchMutation) (BatchResult, error) {
	ctx, span := d.start(ctx, "batch_update", m.Actor, m.Kind)
	defer span.End()

	if err := requireActor(m.Actor); err != nil {
		return BatchResult{}, err
	}
	if err := requireMutable(m.Kind); err != nil {
		return BatchResult{}, err
	}
	ids, err := uniqueIDs(m.IDs)
	if err != nil {
		return BatchResult{}, err
	}
	if max := d.limits().BatchMaxIDs; len(ids) == 0 || len(ids) > max {
		return BatchResult{}, domain.Invalid("ids", "must contain between 1 and %d ids", max)
	}
	fields, err := d.prepareFields(ctx, m.Actor, m.Kind, m.Fields, false)
	if err != nil {
		return BatchResult{}, err
	}
	m.IDs = ids
	m.Fields = fields
	span.SetAttributes(attribute.Int("batch.size", len(ids)))
	res, err := d.Mutator.BatchUpdate(ctx, m)
	if err != nil {
		return BatchResult{}, d.collaboratorError(span, "batch_update", err)
	}
	return res, nil
}

// DeleteResult reports how a delete was carried out.
type DeleteResult struct {
	Kind      domain.EntityKind `json:"table"`
	ID        string            `json:"id"`
	Mode      string            `json:"mode" enum:"hard,soft"`
	Label     string            `json:"label,omitempty"`
	DeletedAt *time.Time        `json:"deleted_at,omitempty"`
}

// Delete applies the delete policy. Tasks are hard deleted with their label
// captured first; every other kind gets a deleted_at tombstone written as an
// ordinary update.
func (d *Dispatcher) Delete(ctx context.Context, a domain.Actor, kind domain.EntityKind, id string) (DeleteResult, error) {
	ctx, span := d.start(ctx, "delete", a, kind)
	defer span.End()

	if err := requireActor(a); err != nil {
		return DeleteResult{}, err
	}
	if _, ok := schemas[kind]; !ok {
		return DeleteResult{}, domain.Invalid("table", "unsupported table %q", kind)
	}
	if strings.TrimSpace(id) == "" {
		return DeleteResult{}, domain.Invalid("id", "is required")
	}
	mode, err := deletePolicy(a.Kind, kind)
	if err != nil {
		d.logger().WithFields(logrus.Fields{
			"actor_id":   a.ID,
			"actor_kind": a.Kind,
			"table":      kind,
			"id":         id,
		}).Warn("delete denied by policy")
		return DeleteResult{}, err
	}
	span.SetAttributes(attribute.String("delete.mode", mode.String()))

	switch mode {
	case hardDelete:
		label := d.bestEffortLabel(ctx, a.TenantID, kind, id)
		if err := d.Mutator.HardDelete(ctx, HardDeletion{Actor: a, Kind: kind, ID: id, Label: label}); err != nil {
			return DeleteResult{}, d.collaboratorError(span, "delete", err)
		}
		return DeleteResult{Kind: kind, ID: id, Mode: mode.String(), Label: label}, nil
	case softDelete:
		at := d.now().UTC()
		ent, err := d.Mutator.Update(ctx, Mutation{
			Actor:  a,
			Kind:   kind,
			ID:     id,
			Fields: map[string]any{fieldDeletedAt: at.Format(time.RFC3339Nano)},
		})
		if err != nil {
			return DeleteResult{}, d.collaboratorError(span, "delete", err)
		}
		if ent.DeletedAt != nil {
			at = ent.DeletedAt.UTC()
		}
		return DeleteResult{Kind: kind, ID: id, Mode: mode.String(), DeletedAt: &at}, nil
	default:
		return DeleteResult{}, fmt.Errorf("unhandled delete mode %d", mode)
	}
}

// Comment is an add-comment command.
type Comment struct {
	Actor       domain.Actor
	EntityType  string
	EntityID    string
	EntityLabel string
	Body        string
}

// AddComment appends a commented entry to the target's activity log.
func (d *Dispatcher) AddComment(ctx context.Context, c Comment) (domain.ActivityEntry, error) {
	kind, err := parseKind("entity_type", c.EntityType)
	if err != nil {
		return domain.ActivityEntry{}, err
	}
	ctx, span := d.start(ctx, "comment", c.Actor, kind)
	defer span.End()

	if err := requireActor(c.Actor); err != nil {
		return domain.ActivityEntry{}, err
	}
	if strings.TrimSpace(c.EntityID) == "" {
		return domain.ActivityEntry{}, domain.Invalid("entity_id", "is required")
	}
	n := utf8.RuneCountInString(c.Body)
	if max := d.limits().CommentMaxLength; strings.TrimSpace(c.Body) == "" || n > max {
		return domain.ActivityEntry{}, domain.Invalid("body", "must be between 1 and %d characters", max)
	}
	label, err := d.Mutator.Label(ctx, c.Actor.TenantID, kind, c.EntityID)
	if err != nil {
		return domain.ActivityEntry{}, d.collaboratorError(span, "comment", err)
	}
	if l := strings.TrimSpace(c.EntityLabel); l != "" {
		label = l
	}
	entry, err := d.Mutator.AppendActivity(ctx, domain.ActivityEntry{
		TenantID:    c.Actor.TenantID,
		EntityType:  string(kind),
		EntityID:    c.EntityID,
		EntityLabel: label,
		EventType:   domain.EventCommented,
		ActorID:     c.Actor.ID,
		ActorKind:   c.Actor.Kind,
		Body:        c.Body,
	})
	if err != nil {
		return domain.ActivityEntry{}, d.collaboratorError(span, "comment", err)
	}
	return entry, nil
}

// LinkRequest carries raw link endpoints.
type LinkRequest struct {
	Actor      domain.Actor
	SourceType string
	SourceID   string
	TargetType string
	TargetID   string
}

func (d *Dispatcher) linkRef(r LinkRequest) (LinkRef, error) {
	if err := requireActor(r.Actor); err != nil {
		return LinkRef{}, err
	}
	src, err := parseKind("source_type", r.SourceType)
	if err != nil {
		return LinkRef{}, err
	}
	dst, err := parseKind("target_type", r.TargetType)
	if err != nil {
		return LinkRef{}, err
	}
	ref := LinkRef{
		Actor:      r.Actor,
		SourceType: src,
		SourceID:   strings.TrimSpace(r.SourceID),
		TargetType: dst,
		TargetID:   strings.TrimSpace(r.TargetID),
	}
	if ref.SourceID == "" {
		return LinkRef{}, domain.Invalid("source_id", "is required")
	}
	if ref.TargetID == "" {
		return LinkRef{}, domain.Invalid("target_id", "is required")
	}
	if ref.SourceType == ref.TargetType && ref.SourceID == ref.TargetID {
		return LinkRef{}, domain.Invalid("target_id", "an entity cannot link to itself")
	}
	return ref, nil
}

// Link connects two entities. Both endpoints must exist in the actor's
// tenant.
func (d *Dispatcher) Link(ctx context.Context, r LinkRequest) (domain.Link, error) {
	ref, err := d.linkRef(r)
	if err != nil {
		return domain.Link{}, err
	}
	ctx, span := d.start(ctx, "link", ref.Actor, ref.SourceType)
	defer span.End()

	for _, end := range []struct {
		kind domain.EntityKind
		id   string
	}{{ref.SourceType, ref.SourceID}, {ref.TargetType, ref.TargetID}} {
		if _, err := d.Mutator.Label(ctx, ref.Actor.TenantID, end.kind, end.id); err != nil {
			return domain.Link{}, d.collaboratorError(span, "link", err)
		}
	}
	l, err := d.Mutator.Link(ctx, ref)
	if err != nil {
		return domain.Link{}, d.collaboratorError(span, "link", err)
	}
	return l, nil
}

// Unlink removes a link in either direction.
func (d *Dispatcher) Unlink(ctx context.Context, r LinkRequest) error {
	ref, err := d.linkRef(r)
	if err != nil {
		return err
	}
	ctx, span := d.start(ctx, "unlink", ref.Actor, ref.SourceType)
	defer span.End()

	if err := d.Mutator.Unlink(ctx, ref); err != nil {
		return d.collaboratorError(span, "unlink", err)
	}
	return nil
}

func (d *Dispatcher) prepareFields(ctx context.Context, a domain.Actor, kind domain.EntityKind, in map[string]any, create bool) (map[string]any, error) {
	n, err := normalizeFields(kind, in, create)
	if err != nil {
		return nil, err
	}
	if len(n.stripped) > 0 {
		d.logger().WithFields(logrus.Fields{
			"table":    kind,
			"stripped": n.stripped,
		}).Debug("stripped fields not applicable to table")
	}
	if !n.hasAssignee {
		return n.fields, nil
	}
	// assignee_id and assignee_type are always written together.
	if n.assignee == nil {
		n.fields[fieldAssigneeID] = nil
		n.fields[fieldAssigneeType] = nil
		return n.fields, nil
	}
	res, err := d.Assignees.Resolve(ctx, a.TenantID, *n.assignee)
	if err != nil {
		return nil, err
	}
	if res.Cleared() {
		n.fields[fieldAssigneeID] = nil
		n.fields[fieldAssigneeType] = nil
	} else {
		n.fields[fieldAssigneeID] = *res.ID
		n.fields[fieldAssigneeType] = string(*res.Kind)
	}
	return n.fields, nil
}

func applyDefaults(kind domain.EntityKind, fields map[string]any) {
	if kind != domain.KindTasks {
		return
	}
	if v, ok := fields["status"]; !ok || v == nil {
		fields["status"] = "todo"
	}
	if v, ok := fields["priority"]; !ok || v == nil {
		fields["priority"] = "none"
	}
	if _, ok := fields[fieldTags]; !ok {
		fields[fieldTags] = []string{}
	}
}

func (d *Dispatcher) checkIdempotencyKey(key string) error {
	if max := d.limits().IdempotencyKeyMaxLength; utf8.RuneCountInString(key) > max {
		return domain.Invalid("idempotency_key", "must be at most %d characters", max)
	}
	return nil
}

func (d *Dispatcher) bestEffortLabel(ctx context.Context, tenantID string, kind domain.EntityKind, id string) string {
	label, err := d.Mutator.Label(ctx, tenantID, kind, id)
	if err != nil || strings.TrimSpace(label) == "" {
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			d.logger().WithError(err).WithField("id", id).Warn("label lookup failed before delete")
		}
		return id
	}
	return label
}

// collaboratorError keeps typed errors, turns constraint violations into
// validation errors and leaves everything else opaque.
func (d *Dispatcher) collaboratorError(span trace.Span, op string, err error) error {
	var (
		ve domain.ValidationError
		fe domain.ForbiddenError
	)
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.As(err, &ve), errors.As(err, &fe):
		return err
	case errors.Is(err, domain.ErrConstraint):
		return domain.ValidationError{Message: err.Error()}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, op+" failed")
	d.logger().WithError(err).WithField("op", op).Error("mutation collaborator failed")
	return fmt.Errorf("%s: %w", op, err)
}

func requireActor(a domain.Actor) error {
	if a.ID == "" || a.TenantID == "" {
		return domain.UnauthorizedError{}
	}
	if _, err := domain.ParseActorKind(string(a.Kind)); err != nil {
		return domain.UnauthorizedError{Reason: err.Error()}
	}
	return nil
}

func requireMutable(kind domain.EntityKind) error {
	if !kind.Mutable() {
		return domain.Invalid("table", "unsupported table %q", kind)
	}
	return nil
}

func parseKind(field, raw string) (domain.EntityKind, error) {
	kind, ok := domain.ParseEntityKind(activity.NormalizeEntityType(strings.TrimSpace(raw)))
	if !ok {
		return "", domain.Invalid(field, "unsupported entity type %q", raw)
	}
	return kind, nil
}

func uniqueIDs(ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, domain.Invalid("ids", "must not contain empty ids")
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}
