// Package auth turns an opaque bearer token into a session identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/1ureka/voxlink/internal/session"
)

// ErrInvalidToken is returned by verifiers that reject a token.
var ErrInvalidToken = errors.New("invalid token")

// Verifier checks a bearer token and returns the subject it identifies.
type Verifier interface {
	Verify(ctx context.Context, token []byte) (subject string, err error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, token []byte) (string, error)

func (f VerifierFunc) Verify(ctx context.Context, token []byte) (string, error) {
	return f(ctx, token)
}

// AuthenticationError reports a rejected peer. No session exists for it.
type AuthenticationError struct {
	Peer netip.AddrPort
	Err  error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication of %s failed: %v", e.Peer, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// Gate admits peers whose token the verifier accepts.
type Gate struct {
	verifier Verifier
	sessions *session.Registry
	timeout  time.Duration
}

// NewGate creates a gate that records admitted peers in sessions. Each
// verification is bounded by timeout (zero means no bound).
func NewGate(v Verifier, sessions *session.Registry, timeout time.Duration) *Gate {
	return &Gate{verifier: v, sessions: sessions, timeout: timeout}
}

// Admit verifies token for peer and creates its session. A replaced session
// for the same address is returned as old.
func (g *Gate) Admit(ctx context.Context, peer netip.AddrPort, token []byte, now time.Time) (s session.PeerSession, old *session.PeerSession, err error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	subject, err := g.verifier.Verify(ctx, token)
	if err != nil {
		return session.PeerSession{}, nil, &AuthenticationError{Peer: peer, Err: err}
	}
	if subject == "" {
		return session.PeerSession{}, nil, &AuthenticationError{Peer: peer, Err: fmt.Errorf("%w: empty subject", ErrInvalidToken)}
	}

	s, old = g.sessions.Admit(peer, subject, token, now)
	return s, old, nil
}

// Chain tries each verifier in order and returns the first accepted subject.
type Chain []Verifier

func (c Chain) Verify(ctx context.Context, token []byte) (string, error) {
	if len(c) == 0 {
		return "", fmt.Errorf("%w: no verifier configured", ErrInvalidToken)
	}
	var errs []error
	for _, v := range c {
		subject, err := v.Verify(ctx, token)
		if err == nil {
			return subject, nil
		}
		errs = append(errs, err)
	}
	return "", errors.Join(errs...)
}
