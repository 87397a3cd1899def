// Package store implements persistence for brands, projects, content,
// integrations, webhooks and API keys over the umt schema.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/umt-project/umt/pkg/database"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when creating a duplicate entity.
	ErrAlreadyExists = errors.New("entity already exists")
)

// Store groups the per-aggregate stores over one database client.
type Store struct {
	Brands       *BrandStore
	Projects     *ProjectStore
	Content      *ContentStore
	Integrations *IntegrationStore
	Webhooks     *WebhookStore
	APIKeys      *APIKeyStore
}

// New builds all stores over the client.
func New(client *database.Client) *Store {
	return &Store{
		Brands:       &BrandStore{db: client},
		Projects:     &ProjectStore{db: client},
		Content:      &ContentStore{db: client},
		Integrations: &IntegrationStore{db: client},
		Webhooks:     &WebhookStore{db: client},
		APIKeys:      &APIKeyStore{db: client},
	}
}

// notFound maps sql.ErrNoRows to ErrNotFound, wrapping anything else.
func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("query %s %s: %w", what, id, err)
}

// marshalJSON marshals v for a JSONB column, defaulting nil to "{}"/"[]".
func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal jsonb: %w", err)
	}
	return data, nil
}

func unmarshalJSON[T any](data []byte) (T, error) {
	var out T
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("unmarshal jsonb: %w", err)
	}
	return out, nil
}

// isUniqueViolation matches Postgres unique-constraint errors without
// importing driver-specific error types into every store.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	type coder interface{ SQLState() string }
	var c coder
	if errors.As(err, &c) {
		return c.SQLState() == "23505"
	}
	return false
}
