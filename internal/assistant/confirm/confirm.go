// Package confirm implements the confirmation token store that gates
// sensitive tool invocations.
//
// When the orchestrator first sees a sensitive invocation it asks the store
// to issue a short-lived, single-use token bound to the exact pending action:
// the tool name, the canonicalized input, the actor, and the tenant.  On
// resubmission the token is validated against the hash of the *current*
// invocation; a token can never authorise a different action, actor, or
// tenant than the one it was issued for.
//
// The validate→consume sequence for one token is atomic: under concurrent
// resubmission exactly one caller observes a successful consume; everyone
// else sees "already consumed".  Both implementations guarantee this: the
// in-memory store with a mutex, the SQLite store with a status-guarded
// UPDATE compare-and-swap.
package confirm

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefaultTTL is the lifetime of an issued challenge.  Minutes, not hours:
// a stale challenge must not remain exploitable.
const DefaultTTL = 5 * time.Minute

// Status is the lifecycle state of a confirmation token.
type Status string

const (
	StatusIssued   Status = "issued"
	StatusConsumed Status = "consumed"
	StatusExpired  Status = "expired"
	StatusRevoked  Status = "revoked"
)

// Reason explains why validation failed.
type Reason string

const (
	ReasonNotFound Reason = "not_found"
	ReasonExpired  Reason = "expired"
	ReasonConsumed Reason = "consumed"
	ReasonRevoked  Reason = "revoked"
	ReasonMismatch Reason = "mismatch"
)

// Verdict is the result of validating a token against a resubmitted action.
type Verdict struct {
	Valid  bool
	Reason Reason
}

// Binding identifies the exact pending action a token authorises.
type Binding struct {
	// ActionHash is the canonical hash of {tool, input, actor, tenant}.
	ActionHash string
	// ActorID and TenantID are carried separately so the store can reject a
	// cross-actor or cross-tenant replay even if a caller ever computed the
	// hash incorrectly.
	ActorID  string
	TenantID string
}

// Store issues and redeems single-use confirmation tokens.
//
// Consume is idempotent: the second call for the same token returns false,
// not an error.  Implementations must make Consume the atomic serialization
// point; exactly one concurrent caller wins.
type Store interface {
	// Issue creates a token bound to the given action.  ttl ≤ 0 uses
	// DefaultTTL.  Any earlier pending token for the same binding is revoked,
	// so re-challenging an action leaves one redeemable token at a time.
	Issue(ctx context.Context, binding Binding, ttl time.Duration) (string, error)
	// Validate checks that the token exists, is unexpired, unconsumed, and
	// bound to exactly the given action.  It never mutates the token.
	Validate(ctx context.Context, token string, binding Binding) (Verdict, error)
	// Consume atomically transitions the token from issued to consumed.
	// Returns false when the token is unknown, expired, revoked, or already
	// consumed.
	Consume(ctx context.Context, token string) (bool, error)
	// Revoke explicitly invalidates a pending token.
	Revoke(ctx context.Context, token string) error
	// ExpireStale marks all overdue issued tokens as expired and returns
	// the number affected.
	ExpireStale(ctx context.Context) (int64, error)
}

// NewToken returns an unguessable confirmation token (16 random bytes, hex).
// Tokens are never derived from the action hash, so prediction from the bound
// action must be impossible.
func NewToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("confirm: failed to generate token: %w", err)
	}
	return "cf_" + hex.EncodeToString(buf), nil
}

// HashAction computes the binding hash for a pending invocation.  The input
// map is canonicalized (recursively sorted keys) first, so two invocations
// with the same fields in different order always hash identically.
func HashAction(toolName string, input map[string]any, actorID, tenantID string) (string, error) {
	canonical, err := CanonicalJSON(input)
	if err != nil {
		return "", fmt.Errorf("confirm: canonicalize input: %w", err)
	}
	h := sha256.New()
	for _, part := range []string{toolName, string(canonical), actorID, tenantID} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CanonicalJSON serializes v deterministically: object keys are emitted in
// sorted order at every nesting level.  Arrays keep their order; scalars use
// encoding/json formatting.
func CanonicalJSON(v any) ([]byte, error) {
	var b strings.Builder
	if err := writeCanonical(&b, v); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(keyJSON)
			b.WriteByte(':')
			if err := writeCanonical(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	default:
		// Scalars (and typed values like int) reduce to standard JSON.
		enc, err := json.Marshal(val)
		if err != nil {
			return err
		}
		b.Write(enc)
	}
	return nil
}

// matches reports whether a stored token row is bound to exactly the
// resubmitted action.
func matches(storedHash, storedActor, storedTenant string, binding Binding) bool {
	return storedHash == binding.ActionHash &&
		storedActor == binding.ActorID &&
		storedTenant == binding.TenantID
}
