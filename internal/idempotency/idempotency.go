// Package idempotency guarantees that a mutating provider call bearing an
// idempotency key runs at most once and that every caller presenting the key
// observes the same result.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/tournevent/gatekeeper/pkg/provider"
)

// ErrLeaseLost means the claim was taken over or finished by someone else.
var ErrLeaseLost = errors.New("idempotency: claim lease lost")

// State is the outcome of Begin.
type State string

const (
	// StateNew: the caller owns the claim and must run the call.
	StateNew State = "new"
	// StateReplay: a stored successful result exists.
	StateReplay State = "replay"
	// StateReplayFailure: a stored terminal failure exists.
	StateReplayFailure State = "replay_failure"
	// StateInProgress: another caller holds a live claim.
	StateInProgress State = "in_progress"
	// StateConflict: the key was used for a different operation.
	StateConflict State = "conflict"
)

const (
	statusPending   = "pending"
	statusCompleted = "completed"
	statusFailed    = "failed"
)

// Scope identifies one logical mutation.
type Scope struct {
	Tenant    string
	Provider  string
	Operation string
	Key       string
}

// Failure is the stored marker of a terminal failure.
type Failure struct {
	Kind       provider.Kind `json:"kind"`
	Code       string        `json:"code,omitempty"`
	Message    string        `json:"message,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
}

// Err rebuilds the original taxonomy error.
func (f Failure) Err(providerName string) error {
	return provider.New(providerName, f.Kind, f.Code, f.Message).WithStatusCode(f.StatusCode)
}

// terminalFailure reports whether err must be replayed to later callers
// instead of letting them try again.
func terminalFailure(err error) (Failure, bool) {
	pe, ok := provider.AsError(err)
	if !ok {
		return Failure{}, false
	}
	switch pe.Kind {
	case provider.KindValidationFailed, provider.KindNotServiceable:
		return Failure{Kind: pe.Kind, Code: pe.Code, Message: pe.Message, StatusCode: pe.StatusCode}, true
	default:
		return Failure{}, false
	}
}

// Claim is the result of Begin.
type Claim struct {
	State   State
	Result  []byte
	Failure *Failure
}

// Store persists claims and results. Begin must be atomic: for one scope at
// most one concurrent caller observes StateNew while the claim is live.
type Store interface {
	Begin(ctx context.Context, s Scope, token string, lease, retention time.Duration) (Claim, error)
	Complete(ctx context.Context, s Scope, token string, result []byte, retention time.Duration) error
	Fail(ctx context.Context, s Scope, token string, f Failure, retention time.Duration) error
	Release(ctx context.Context, s Scope, token string) error
	// Extend pushes a pending claim's lease to now+lease. It returns
	// ErrLeaseLost when token no longer holds the claim.
	Extend(ctx context.Context, s Scope, token string, lease time.Duration) error
}
