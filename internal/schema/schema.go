// Package schema implements C5 Schema Evolution: classifying a new
// ingestion schema against a baseline, per spec.md §4.5.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/malbeclabs/timestore/internal/model"
)

// Classification is the result of comparing a new schema to a baseline.
type Classification int

const (
	Identical Classification = iota
	Additive
	Breaking
)

func (c Classification) String() string {
	switch c {
	case Identical:
		return "identical"
	case Additive:
		return "additive"
	case Breaking:
		return "breaking"
	default:
		return "unknown"
	}
}

// MigrationPlan lists the columns an additive evolution adds, with optional
// defaults for backfilling historical partitions.
type MigrationPlan struct {
	AddedColumns []model.Field
	Defaults     map[string]any
}

// Result is the full outcome of classifying a schema: for Breaking it
// carries the reasons; for Additive it carries the migration plan.
type Result struct {
	Classification Classification
	Plan           MigrationPlan
	Reasons        []string
}

// Classify compares next against baseline. A nil or empty baseline means
// there is no prior schema for the dataset/shard, which always yields
// Identical if next is also empty, or Additive (every field in next counts
// as "added"). The Ingestion Processor still creates a new manifest for a
// shard that has none, and publishes no schema.evolved event in that case.
func Classify(baseline, next model.Schema, defaults map[string]any) Result {
	baselineByName := make(map[string]model.FieldType, len(baseline))
	for _, f := range baseline {
		baselineByName[f.Name] = f.Type
	}
	nextByName := make(map[string]model.FieldType, len(next))
	for _, f := range next {
		nextByName[f.Name] = f.Type
	}

	var reasons []string
	for name, baseType := range baselineByName {
		nextType, ok := nextByName[name]
		if !ok {
			reasons = append(reasons, fmt.Sprintf("field %q removed", name))
			continue
		}
		if nextType != baseType {
			reasons = append(reasons, fmt.Sprintf("field %q changed type from %s to %s", name, baseType, nextType))
		}
	}
	if len(reasons) > 0 {
		return Result{Classification: Breaking, Reasons: reasons}
	}

	var added []model.Field
	for _, f := range next {
		if _, ok := baselineByName[f.Name]; !ok {
			added = append(added, f)
		}
	}

	if len(added) == 0 && len(baseline) == len(next) {
		return Result{Classification: Identical}
	}

	planDefaults := make(map[string]any, len(added))
	for _, f := range added {
		if v, ok := defaults[f.Name]; ok {
			planDefaults[f.Name] = v
		} else {
			planDefaults[f.Name] = nil
		}
	}

	return Result{
		Classification: Additive,
		Plan:           MigrationPlan{AddedColumns: added, Defaults: planDefaults},
	}
}

// Checksum computes the canonical content hash of a schema's ordered
// (name,type) list, used as the unique key for SchemaVersion rows.
func Checksum(s model.Schema) string {
	var b strings.Builder
	for _, f := range s {
		b.WriteString(f.Name)
		b.WriteByte('\x00')
		b.WriteString(string(f.Type))
		b.WriteByte('\x1f')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Validate rejects schemas with unknown field types, no fields, or duplicate
// field names — called at the ingestion request boundary before any other
// evolution logic runs.
func Validate(s model.Schema) error {
	if len(s) == 0 {
		return fmt.Errorf("schema must declare at least one field")
	}
	seen := make(map[string]struct{}, len(s))
	for _, f := range s {
		if !f.Type.Valid() {
			return fmt.Errorf("field %q has unknown type %q", f.Name, f.Type)
		}
		if f.Name == "" {
			return fmt.Errorf("field name must not be empty")
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("field %q declared more than once", f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}
