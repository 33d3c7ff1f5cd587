// Package credential hashes and verifies account passwords with bcrypt.
package credential

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// dummySecret is hashed once per Verifier. Its hash is compared against when
// the claimed identity does not exist so a missing user costs the same as a
// wrong password.
const dummySecret = "presence-chat/dummy-secret"

// HashingError reports that a secret could not be hashed. It is fatal to the
// request that triggered it, never to the process.
type HashingError struct {
	Err error
}

func (e *HashingError) Error() string {
	return fmt.Sprintf("hash secret: %v", e.Err)
}

func (e *HashingError) Unwrap() error {
	return e.Err
}

// Verifier hashes and verifies secrets at a fixed bcrypt cost.
type Verifier struct {
	cost  int
	dummy []byte
}

// NewVerifier returns a Verifier using cost. Costs outside bcrypt's accepted
// range fall back to bcrypt.DefaultCost.
func NewVerifier(cost int) (*Verifier, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte(dummySecret), cost)
	if err != nil {
		return nil, &HashingError{Err: err}
	}
	return &Verifier{cost: cost, dummy: dummy}, nil
}

// Cost returns the bcrypt cost used for new hashes.
func (v *Verifier) Cost() int {
	return v.cost
}

// Hash returns the bcrypt hash of secret. The salt is drawn from crypto/rand;
// a failing entropy source or an over-long secret yields a *HashingError.
func (v *Verifier) Hash(secret string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), v.cost)
	if err != nil {
		return "", &HashingError{Err: err}
	}
	return string(hashed), nil
}

// Verify reports whether secret matches hash. A malformed hash is treated as
// a mismatch.
func (v *Verifier) Verify(secret, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// VerifyAgainstDummy performs a full-cost comparison against an internal hash
// and always returns false.
func (v *Verifier) VerifyAgainstDummy(secret string) bool {
	_ = bcrypt.CompareHashAndPassword(v.dummy, []byte(secret))
	return false
}
