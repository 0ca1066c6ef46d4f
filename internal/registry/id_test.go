package registry

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"tenant-provisioner/internal/model"
)

var fixedDay = func() time.Time { return time.Date(2025, 10, 18, 9, 30, 0, 0, time.UTC) }

func buildTenant(id string) *model.Tenant {
	return &model.Tenant{ID: id, Name: "Acme", ProvisioningState: model.StateCreating}
}

func TestCandidate(t *testing.T) {
	gen := IDGenerator{Now: fixedDay}
	pattern := regexp.MustCompile(`^251018[0-9a-z]+$`)

	for attempt, want := range []int{8, 8, 8, 10, 12, 14} {
		id := gen.Candidate(attempt)
		assert.Len(t, id, want, "attempt %d", attempt)
		assert.Regexp(t, pattern, id)
	}
	assert.Len(t, gen.GenerateID(), BaseIDLength)
}

func TestRandomSuffixIsUniform(t *testing.T) {
	const perChar = 2000
	suffix := randomSuffix(perChar * len(idAlphabet))
	require.Len(t, suffix, perChar*len(idAlphabet))

	counts := make(map[rune]int)
	for _, c := range suffix {
		counts[c]++
	}
	require.Len(t, counts, len(idAlphabet))
	for _, c := range idAlphabet {
		// roughly seven standard deviations either side of the mean
		assert.InDelta(t, perChar, counts[c], 300, "char %q", c)
	}
}

// collidingStore rejects every id shorter than minLen.
type collidingStore struct {
	*MemoryStore
	minLen int
	mu     sync.Mutex
	tried  []string
}

func (s *collidingStore) Create(ctx context.Context, t *model.Tenant) error {
	s.mu.Lock()
	s.tried = append(s.tried, t.ID)
	s.mu.Unlock()
	if len(t.ID) < s.minLen {
		return ErrAlreadyExists
	}
	return s.MemoryStore.Create(ctx, t)
}

func TestCreateWithGeneratedIDFallsBackToLongerIDs(t *testing.T) {
	store := &collidingStore{MemoryStore: NewMemoryStore(), minLen: 10}

	tenant, err := CreateWithGeneratedID(context.Background(), store, IDGenerator{Now: fixedDay}, buildTenant)
	require.NoError(t, err)
	assert.Len(t, tenant.ID, 10)
	assert.Len(t, store.tried, 4)

	got, err := store.Get(context.Background(), tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Name)
}

func TestCreateWithGeneratedIDExhausted(t *testing.T) {
	store := &collidingStore{MemoryStore: NewMemoryStore(), minLen: 100}

	_, err := CreateWithGeneratedID(context.Background(), store, IDGenerator{}, buildTenant)
	assert.ErrorIs(t, err, ErrIDExhausted)
	assert.Len(t, store.tried, maxIDAttempts)
}

type failingStore struct {
	*MemoryStore
}

func (failingStore) Create(context.Context, *model.Tenant) error {
	return errors.New("connection reset")
}

func TestCreateWithGeneratedIDStopsOnOtherErrors(t *testing.T) {
	_, err := CreateWithGeneratedID(context.Background(), failingStore{NewMemoryStore()}, IDGenerator{}, buildTenant)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrIDExhausted)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestCreateWithGeneratedIDConcurrentBurst(t *testing.T) {
	const n = 200
	store := NewMemoryStore()
	gen := IDGenerator{Now: fixedDay}

	ids := make([]string, n)
	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			tenant, err := CreateWithGeneratedID(context.Background(), store, gen, buildTenant)
			if err != nil {
				return err
			}
			ids[i] = tenant.ID
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[string]bool, n)
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	all, err := store.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Len(t, all, n)
}
