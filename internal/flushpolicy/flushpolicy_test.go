package flushpolicy_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/malbeclabs/timestore/internal/flushpolicy"
)

func TestShouldFlush_Disabled_FlushesWheneverAnythingStaged(t *testing.T) {
	t.Parallel()

	now := time.Now()
	thresholds := flushpolicy.Thresholds{}

	assert.True(t, flushpolicy.ShouldFlush(flushpolicy.Summary{PendingRowCount: 1}, thresholds, now))
	assert.False(t, flushpolicy.ShouldFlush(flushpolicy.Summary{PendingRowCount: 0}, thresholds, now))
}

func TestShouldFlush_MaxRows(t *testing.T) {
	t.Parallel()

	now := time.Now()
	thresholds := flushpolicy.Thresholds{MaxRows: 100}

	assert.False(t, flushpolicy.ShouldFlush(flushpolicy.Summary{PendingRowCount: 99}, thresholds, now))
	assert.True(t, flushpolicy.ShouldFlush(flushpolicy.Summary{PendingRowCount: 100}, thresholds, now))
}

func TestShouldFlush_MaxBytes(t *testing.T) {
	t.Parallel()

	now := time.Now()
	thresholds := flushpolicy.Thresholds{MaxBytes: 1024}

	assert.False(t, flushpolicy.ShouldFlush(flushpolicy.Summary{OnDiskBytes: 1023}, thresholds, now))
	assert.True(t, flushpolicy.ShouldFlush(flushpolicy.Summary{OnDiskBytes: 1024}, thresholds, now))
}

func TestShouldFlush_MaxAge(t *testing.T) {
	t.Parallel()

	now := time.Now()
	oldest := now.Add(-10 * time.Second)
	thresholds := flushpolicy.Thresholds{MaxAgeMs: 10_000}

	assert.True(t, flushpolicy.ShouldFlush(flushpolicy.Summary{PendingRowCount: 1, OldestStagedAt: &oldest}, thresholds, now))

	notOldEnough := now.Add(-5 * time.Second)
	assert.False(t, flushpolicy.ShouldFlush(flushpolicy.Summary{PendingRowCount: 1, OldestStagedAt: &notOldEnough}, thresholds, now))
}

func TestShouldFlush_RemainsFalseUntilAgeThresholdCrossed(t *testing.T) {
	t.Parallel()

	oldest := time.Now()
	thresholds := flushpolicy.Thresholds{MaxAgeMs: 60_000}
	summary := flushpolicy.Summary{PendingRowCount: 1, OldestStagedAt: &oldest}

	for _, delta := range []time.Duration{0, 10 * time.Second, 30 * time.Second, 59 * time.Second} {
		assert.False(t, flushpolicy.ShouldFlush(summary, thresholds, oldest.Add(delta)))
	}
	assert.True(t, flushpolicy.ShouldFlush(summary, thresholds, oldest.Add(60*time.Second)))
}

func TestMerge_OverrideClampsNegative(t *testing.T) {
	t.Parallel()

	base := flushpolicy.Thresholds{MaxRows: 100, MaxBytes: 200, MaxAgeMs: 300}
	negRows := int64(-5)
	override := &flushpolicy.Override{MaxRows: &negRows}

	merged := flushpolicy.Merge(base, override)
	assert.Equal(t, int64(0), merged.MaxRows)
	assert.Equal(t, int64(200), merged.MaxBytes)
	assert.Equal(t, int64(300), merged.MaxAgeMs)
}

func TestMerge_NilOverrideKeepsBase(t *testing.T) {
	t.Parallel()

	base := flushpolicy.Thresholds{MaxRows: 100}
	assert.Equal(t, base, flushpolicy.Merge(base, nil))
}

func TestMerge_EagerWhenBytesOnly_ReplacesBaseInsteadOfLayering(t *testing.T) {
	t.Parallel()

	// Base is shaped to flush only on byte volume: rows/age are intentionally
	// zeroed. An eager-when-bytes-only override that sets only MaxRows must
	// not inherit the base's MaxBytes ceiling alongside it.
	base := flushpolicy.Thresholds{MaxBytes: 1 << 20}
	maxRows := int64(50)
	override := &flushpolicy.Override{MaxRows: &maxRows, EagerWhenBytesOnly: true}

	merged := flushpolicy.Merge(base, override)
	assert.Equal(t, int64(50), merged.MaxRows)
	assert.Equal(t, int64(0), merged.MaxBytes)
	assert.Equal(t, int64(0), merged.MaxAgeMs)
}

func TestMerge_EagerWhenBytesOnly_AllUnsetFallsBackToFlushOnAnyStaged(t *testing.T) {
	t.Parallel()

	base := flushpolicy.Thresholds{MaxBytes: 1 << 20}
	override := &flushpolicy.Override{EagerWhenBytesOnly: true}

	merged := flushpolicy.Merge(base, override)
	assert.Equal(t, flushpolicy.Thresholds{}, merged)
	assert.True(t, flushpolicy.ShouldFlush(flushpolicy.Summary{PendingRowCount: 1}, merged, time.Now()))
}
