package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
)

// StaticVerifier accepts a fixed set of tokens, each mapped to a subject.
type StaticVerifier map[string]string

func (v StaticVerifier) Verify(_ context.Context, token []byte) (string, error) {
	for tok, subject := range v {
		if subtle.ConstantTimeCompare([]byte(tok), token) == 1 {
			return subject, nil
		}
	}
	return "", fmt.Errorf("%w: unknown static token", ErrInvalidToken)
}
