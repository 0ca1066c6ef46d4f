package registry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"tenant-provisioner/internal/model"
)

const (
	idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	// BaseIDLength is the length of a tenant id on the first attempts.
	BaseIDLength = 8
	// attempts made at BaseIDLength before ids start growing.
	baseLengthAttempts = 3
	maxIDAttempts      = 8
)

var ErrIDExhausted = errors.New("could not allocate a unique tenant id")

// IDGenerator produces date-based ids: YYMMDD followed by random base36 characters.
type IDGenerator struct {
	Now func() time.Time
}

// Candidate returns the id to try on attempt (0-based). The first attempts use
// BaseIDLength; later ones add two characters per attempt so a busy day cannot
// exhaust the space.
func (g IDGenerator) Candidate(attempt int) string {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	length := BaseIDLength
	if attempt >= baseLengthAttempts {
		length += 2 * (attempt - baseLengthAttempts + 1)
	}
	prefix := now().UTC().Format("060102")
	return prefix + randomSuffix(length-len(prefix))
}

// randomSuffix draws n characters uniformly from idAlphabet. Bytes at or above
// the largest multiple of the alphabet size are rejected to avoid modulo bias.
func randomSuffix(n int) string {
	limit := 256 - 256%len(idAlphabet)
	out := make([]byte, 0, n)
	buf := make([]byte, n+n/2+1)
	for len(out) < n {
		rand.Read(buf)
		for _, b := range buf {
			if len(out) == n {
				break
			}
			if int(b) >= limit {
				continue
			}
			out = append(out, idAlphabet[int(b)%len(idAlphabet)])
		}
	}
	return string(out)
}

// CreateWithGeneratedID allocates an id and creates the record built for it.
// Uniqueness rests on Store.Create being conditional: a collision surfaces as
// ErrAlreadyExists and the next candidate is tried.
func CreateWithGeneratedID(ctx context.Context, store Store, gen IDGenerator, build func(id string) *model.Tenant) (*model.Tenant, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		t := build(gen.Candidate(attempt))
		err := store.Create(ctx, t)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, ErrAlreadyExists) {
			return nil, fmt.Errorf("failed to create tenant %s: %w", t.ID, err)
		}
	}
	return nil, ErrIDExhausted
}

// GenerateID returns a first-attempt id.
func (g IDGenerator) GenerateID() string {
	return g.Candidate(0)
}
