package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"confmesh/internal/types"
)

// APIKey is an authenticated key. The key acts as its owning user for
// permission checks and audit attribution. ProjectIDs empty means the key
// is workspace-wide.
type APIKey struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Scopes     []string
	ProjectIDs []uuid.UUID
}

// AllowsProject reports whether the key may act on the project.
func (k *APIKey) AllowsProject(projectID uuid.UUID) bool {
	if len(k.ProjectIDs) == 0 {
		return true
	}
	for _, id := range k.ProjectIDs {
		if id == projectID {
			return true
		}
	}
	return false
}

// HasScope reports whether the key carries the scope.
func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// CreateAPIKey mints a key for a user and returns its one-time token. Only
// the secret's hash is stored.
func (s *PG) CreateAPIKey(ctx context.Context, userID uuid.UUID, scopes []string, projectIDs []uuid.UUID) (token string, err error) {
	id := uuid.New()
	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("failed to generate key secret: %w", err)
	}
	plain := hex.EncodeToString(secret)
	hash := sha256.Sum256([]byte(plain))

	if projectIDs == nil {
		projectIDs = []uuid.UUID{}
	}
	if scopes == nil {
		scopes = []string{}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO api_keys (id, user_id, secret_hash, scopes, project_ids)
		VALUES ($1, $2, $3, $4, $5)`,
		id, userID, hex.EncodeToString(hash[:]), scopes, projectIDs)
	if err != nil {
		return "", fmt.Errorf("failed to insert api key: %w", err)
	}
	return id.String() + "." + plain, nil
}

// AuthenticateAPIKey resolves a token of the form "<id>.<secret>". Any
// malformed or unknown token fails with ErrUnauthorized; the caller never
// learns which part was wrong.
func (s *PG) AuthenticateAPIKey(ctx context.Context, token string) (*APIKey, error) {
	idPart, secret, ok := strings.Cut(token, ".")
	if !ok {
		return nil, types.ErrUnauthorized
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return nil, types.ErrUnauthorized
	}

	var storedHash string
	key := &APIKey{ID: id}
	err = s.pool.QueryRow(ctx,
		"SELECT user_id, secret_hash, scopes, project_ids FROM api_keys WHERE id = $1", id).
		Scan(&key.UserID, &storedHash, &key.Scopes, &key.ProjectIDs)
	if err == pgx.ErrNoRows {
		return nil, types.ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load api key: %v", types.ErrTransient, err)
	}

	hash := sha256.Sum256([]byte(secret))
	if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(hash[:])), []byte(storedHash)) != 1 {
		return nil, types.ErrUnauthorized
	}
	return key, nil
}

// DeleteAPIKey revokes a key.
func (s *PG) DeleteAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM api_keys WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NotFoundf("api key %s", id)
	}
	return nil
}
