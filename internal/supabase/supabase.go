// Package supabase stores workspace data in a Supabase Postgres project
// through PostgREST. Table and column names mirror the sqlite schema with
// fields kept in a jsonb column.
package supabase

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/supabase-community/supabase-go"

	"agentbase/internal/domain"
)

const (
	tableTenants     = "tenants"
	tableMembers     = "members"
	tableAgents      = "agents"
	tableEntities    = "entities"
	tableActivity    = "activity_log"
	tableLinks       = "entity_links"
	tableIdempotency = "idempotency_keys"
)

// Store talks to PostgREST with the service key. PostgREST offers no
// multi-statement transactions, so the entity write lands before its
// activity rows.
type Store struct {
	Client *supabase.Client
	Now    func() time.Time
}

// New creates a Store for the project at url.
func New(url, key string) (*Store, error) {
	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &Store{Client: client, Now: time.Now}, nil
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

var errCode = regexp.MustCompile(`^\(([0-9A-Z]+)\)`)

// classify maps PostgREST error codes onto domain errors. Integrity
// violations are Postgres class 23.
func classify(err error) error {
	if err == nil {
		return nil
	}
	m := errCode.FindStringSubmatch(err.Error())
	if m == nil {
		return err
	}
	switch {
	case strings.HasPrefix(m[1], "23"):
		return fmt.Errorf("%w: %s", domain.ErrConstraint, err.Error())
	case m[1] == "PGRST116":
		return domain.ErrNotFound
	}
	return err
}

// decode unmarshals a PostgREST array response.
func decode[T any](data []byte) ([]T, error) {
	var rows []T
	if len(data) == 0 {
		return rows, nil
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return rows, nil
}

func first[T any](data []byte) (T, error) {
	var zero T
	rows, err := decode[T](data)
	if err != nil {
		return zero, err
	}
	if len(rows) == 0 {
		return zero, domain.ErrNotFound
	}
	return rows[0], nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
