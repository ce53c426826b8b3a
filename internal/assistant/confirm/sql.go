package confirm

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLStore persists confirmation tokens in the assistant's SQLite database
// (table: confirmations).  Consume relies on a status-guarded UPDATE: the
// rows-affected count tells us whether this caller won the transition, which
// makes validate→consume safe under concurrent resubmission of the same
// token even across processes sharing the database.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a SQLStore backed by the given database.  The caller
// is responsible for ensuring the confirmations migration has been applied.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Issue creates a token bound to the given action.
func (s *SQLStore) Issue(ctx context.Context, binding Binding, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	token, err := NewToken()
	if err != nil {
		return "", err
	}

	now := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("confirm: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// A fresh challenge supersedes any pending token for the same action.
	_, err = tx.ExecContext(ctx, `
		UPDATE confirmations
		SET status = 'revoked'
		WHERE action_hash = ? AND actor_id = ? AND tenant_id = ? AND status = 'issued'
	`, binding.ActionHash, binding.ActorID, binding.TenantID)
	if err != nil {
		return "", fmt.Errorf("confirm: failed to revoke superseded tokens: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO confirmations (token, action_hash, actor_id, tenant_id, status, issued_at, expires_at)
		VALUES (?, ?, ?, ?, 'issued', ?, ?)
	`, token, binding.ActionHash, binding.ActorID, binding.TenantID, now, now.Add(ttl))
	if err != nil {
		return "", fmt.Errorf("confirm: failed to store token: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("confirm: failed to commit token: %w", err)
	}
	return token, nil
}

// Validate checks the token against the resubmitted action without
// consuming it.
func (s *SQLStore) Validate(ctx context.Context, token string, binding Binding) (Verdict, error) {
	var (
		actionHash, actorID, tenantID string
		status                        string
		expiresAt                     time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT action_hash, actor_id, tenant_id, status, expires_at
		FROM confirmations
		WHERE token = ?
	`, token).Scan(&actionHash, &actorID, &tenantID, &status, &expiresAt)
	if err == sql.ErrNoRows {
		return Verdict{Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return Verdict{}, fmt.Errorf("confirm: failed to load token: %w", err)
	}

	if Status(status) == StatusIssued && time.Now().After(expiresAt) {
		status = string(StatusExpired)
	}
	switch Status(status) {
	case StatusExpired:
		return Verdict{Reason: ReasonExpired}, nil
	case StatusConsumed:
		return Verdict{Reason: ReasonConsumed}, nil
	case StatusRevoked:
		return Verdict{Reason: ReasonRevoked}, nil
	}
	if !matches(actionHash, actorID, tenantID, binding) {
		return Verdict{Reason: ReasonMismatch}, nil
	}
	return Verdict{Valid: true}, nil
}

// Consume atomically transitions issued → consumed via a guarded UPDATE.
// Exactly one concurrent caller observes rows-affected == 1.
func (s *SQLStore) Consume(ctx context.Context, token string) (bool, error) {
	now := time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE confirmations
		SET status = 'consumed', consumed_at = ?
		WHERE token = ? AND status = 'issued' AND expires_at > ?
	`, now, token, now)
	if err != nil {
		return false, fmt.Errorf("confirm: failed to consume token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("confirm: failed to check rows affected: %w", err)
	}
	return n == 1, nil
}

// Revoke explicitly invalidates a pending token.
func (s *SQLStore) Revoke(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE confirmations
		SET status = 'revoked'
		WHERE token = ? AND status = 'issued'
	`, token)
	if err != nil {
		return fmt.Errorf("confirm: failed to revoke token: %w", err)
	}
	return nil
}

// ExpireStale marks all overdue issued tokens as expired and returns the
// number affected.
func (s *SQLStore) ExpireStale(ctx context.Context) (int64, error) {
	now := time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE confirmations
		SET status = 'expired'
		WHERE status = 'issued' AND expires_at < ?
	`, now)
	if err != nil {
		return 0, fmt.Errorf("confirm: failed to expire stale tokens: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("confirm: failed to check rows affected: %w", err)
	}
	return n, nil
}

var _ Store = (*SQLStore)(nil)
