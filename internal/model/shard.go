package model

import "time"

// ShardGranularity is the width of the coarse time bucket used to derive a
// partition's shard key, keyed off its start time. Daily shards keep the
// number of manifests per dataset manageable while still parallelizing
// manifest writes across time.
const ShardGranularity = 24 * time.Hour

// DeriveShard returns the shard key for a partition starting at t: the
// UTC calendar day, formatted "2006-01-02".
func DeriveShard(t time.Time) string {
	return t.UTC().Truncate(ShardGranularity).Format("2006-01-02")
}
