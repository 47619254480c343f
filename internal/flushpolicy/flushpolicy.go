// Package flushpolicy implements C3: the pure decision of whether a
// dataset's staged batches should be flushed, per spec.md §4.3.
package flushpolicy

import "time"

// Thresholds holds the effective flush thresholds for a dataset, after
// merging dataset-level overrides on top of process-wide defaults.
type Thresholds struct {
	MaxRows   int64
	MaxBytes  int64
	MaxAgeMs  int64
}

// Summary is the subset of spool.DatasetSummary the policy needs.
type Summary struct {
	PendingRowCount int64
	OnDiskBytes     int64
	OldestStagedAt  *time.Time
}

// ShouldFlush returns true when any configured threshold is exceeded. If
// every threshold is zero (disabled), it flushes whenever anything is
// staged at all.
func ShouldFlush(summary Summary, thresholds Thresholds, now time.Time) bool {
	if thresholds.MaxRows == 0 && thresholds.MaxBytes == 0 && thresholds.MaxAgeMs == 0 {
		return summary.PendingRowCount > 0
	}

	if thresholds.MaxRows > 0 && summary.PendingRowCount >= thresholds.MaxRows {
		return true
	}
	if thresholds.MaxBytes > 0 && summary.OnDiskBytes >= thresholds.MaxBytes {
		return true
	}
	if thresholds.MaxAgeMs > 0 && summary.OldestStagedAt != nil {
		age := now.Sub(*summary.OldestStagedAt)
		if age.Milliseconds() >= thresholds.MaxAgeMs {
			return true
		}
	}
	return false
}

// Override is the per-dataset threshold override shape stored in
// Dataset.Metadata (spec.md §6 Configuration: staging.flush). Negative
// fields are clamped to zero; a field left unset (nil) keeps the base value,
// or is zero when EagerWhenBytesOnly is set.
type Override struct {
	MaxRows  *int64
	MaxBytes *int64
	MaxAgeMs *int64
	// EagerWhenBytesOnly re-enables row/age thresholds even when the base
	// config intentionally zeroed them to flush only on byte volume. The
	// exact interaction when a dataset override re-enables row/age
	// thresholds on top of an eager-bytes-only base config is left
	// unspecified by spec.md §9's open questions; here it means "use this
	// override's thresholds verbatim": every base threshold, zero or not, is
	// dropped, and fields this override leaves unset are zero (disabled).
	EagerWhenBytesOnly bool
}

// Merge applies an override on top of base thresholds. When
// override.EagerWhenBytesOnly is set, the override replaces base entirely
// instead of layering on top of it, so a base config that zeroed row/age
// thresholds to flush only on byte volume doesn't leak through for whichever
// fields this override leaves unset.
func Merge(base Thresholds, override *Override) Thresholds {
	if override == nil {
		return base
	}
	out := base
	if override.EagerWhenBytesOnly {
		out = Thresholds{}
	}
	if override.MaxRows != nil {
		out.MaxRows = clampNonNegative(*override.MaxRows)
	}
	if override.MaxBytes != nil {
		out.MaxBytes = clampNonNegative(*override.MaxBytes)
	}
	if override.MaxAgeMs != nil {
		out.MaxAgeMs = clampNonNegative(*override.MaxAgeMs)
	}
	return out
}

func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
