package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/expsplit/expsplit/internal/store"
)

// Bucket maps a (test, user) pair into [0, 1) with a 32-bit FNV-1a hash
// over "testID:userID". The hash is pure, so the same pair lands in the
// same bucket across processes and restarts. Changing this scheme
// reshuffles every live assignment; don't.
func Bucket(testID, userID string) float64 {
	h := fnv.New32a()
	h.Write([]byte(testID))
	h.Write([]byte{':'})
	h.Write([]byte(userID))
	return float64(h.Sum32()) / (1 << 32)
}

// Assign deterministically maps a user to a variant of a running test and
// persists the assignment. It returns the empty string (and no error) when
// the test is not running or the user fails audience targeting. Repeat
// calls return the original variant regardless of configuration changes:
// existing assignments are never recomputed, which keeps bandit tests
// sticky per user even as the allocation shifts test-wide.
func (e *Engine) Assign(ctx context.Context, testID string, profile store.UserProfile, session store.SessionInfo, device store.DeviceInfo) (string, error) {
	test, err := e.getTest(ctx, testID)
	if err != nil {
		return "", err
	}

	// Existing assignment wins before any eligibility checks, so a user
	// admitted under an earlier audience snapshot keeps their variant.
	if a, err := e.store.GetAssignment(ctx, testID, profile.ID); err == nil {
		return a.VariantID, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("failed to look up assignment: %w", err)
	}

	if test.Status != store.StatusRunning {
		return "", nil
	}
	if !test.Audience.Matches(profile, device) {
		return "", nil
	}

	variantID := pickVariant(test, Bucket(testID, profile.ID))
	if variantID == "" {
		return "", fmt.Errorf("test %s has no assignable variant", testID)
	}

	winner, _, err := e.store.CreateAssignment(ctx, &store.Assignment{
		TestID:     testID,
		UserID:     profile.ID,
		VariantID:  variantID,
		Audience:   test.Audience,
		Session:    session,
		Device:     device,
		AssignedAt: e.now(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create assignment: %w", err)
	}
	// Under a concurrent duplicate request the store keeps exactly one
	// record; everyone reports that one.
	return winner.VariantID, nil
}

// pickVariant walks the cumulative weight boundaries in variant definition
// order and returns the first variant whose boundary covers the bucket. For
// bandit tests the weights read here are whatever the optimizer last
// persisted.
func pickVariant(test *store.Test, bucket float64) string {
	cumulative := 0.0
	for i, v := range test.Variants {
		w := 0.0
		if i < len(test.Weights) {
			w = test.Weights[i]
		}
		cumulative += w
		if bucket < cumulative {
			return v.ID
		}
	}
	// Guard against the cumulative sum landing a hair under 1.
	if len(test.Variants) > 0 {
		return test.Variants[len(test.Variants)-1].ID
	}
	return ""
}
