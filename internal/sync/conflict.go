package sync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"commerce-sync-service/internal/store"
)

// Resolution policies. Unrecognized policy names are a configuration error,
// never a silent default.
const (
	PolicyMergeKeepLatest = "merge_keep_latest"
	PolicyPreferSource    = "prefer_source"
	PolicyPreferTarget    = "prefer_target"
	PolicySkipAndFlag     = "skip_and_flag"
)

// ErrUnknownPolicy marks a resolution policy name the engine does not
// implement. Callers classify it with errors.Is.
var ErrUnknownPolicy = errors.New("unrecognized resolution policy")

type Strategy struct {
	Duplicates          string
	FieldMismatches     string
	MissingDependencies string
}

func DefaultStrategy() Strategy {
	return Strategy{
		Duplicates:          PolicyMergeKeepLatest,
		FieldMismatches:     PolicyPreferSource,
		MissingDependencies: PolicySkipAndFlag,
	}
}

// StrategyFromPolicy fills empty policy fields with the defaults.
func StrategyFromPolicy(p store.ResolutionPolicy) Strategy {
	s := DefaultStrategy()
	if p.Duplicates != "" {
		s.Duplicates = p.Duplicates
	}
	if p.FieldMismatches != "" {
		s.FieldMismatches = p.FieldMismatches
	}
	if p.MissingDependencies != "" {
		s.MissingDependencies = p.MissingDependencies
	}
	return s
}

func (s Strategy) Validate() error {
	if s.Duplicates != PolicyMergeKeepLatest {
		return fmt.Errorf("%w: duplicates %q", ErrUnknownPolicy, s.Duplicates)
	}
	if s.FieldMismatches != PolicyPreferSource && s.FieldMismatches != PolicyPreferTarget {
		return fmt.Errorf("%w: field_mismatches %q", ErrUnknownPolicy, s.FieldMismatches)
	}
	if s.MissingDependencies != PolicySkipAndFlag {
		return fmt.Errorf("%w: missing_dependencies %q", ErrUnknownPolicy, s.MissingDependencies)
	}
	return nil
}

// ContentHash hashes the canonical fields with sorted keys so that equal
// content always hashes identically regardless of map iteration order.
func ContentHash(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		value, _ := json.Marshal(fields[k])
		buf.Write(value)
		buf.WriteByte(';')
	}

	sum := sha256.Sum256(buf.Bytes())
	return fmt.Sprintf("%x", sum)
}

// DependencyRule declares that records of a kind reference another kind by
// a field, e.g. orders reference customers via customer_id.
type DependencyRule struct {
	Field      string
	RecordType string
}

// Detector finds conflicts between incoming canonical records and the
// canonical store within a single run.
type Detector struct {
	store        store.Store
	dependencies map[string][]DependencyRule
}

func NewDetector(st store.Store) *Detector {
	return &Detector{
		store: st,
		dependencies: map[string][]DependencyRule{
			"orders": {{Field: "customer_id", RecordType: "customers"}},
		},
	}
}

// SetDependencies replaces the dependency rules for a record kind.
func (d *Detector) SetDependencies(recordType string, rules []DependencyRule) {
	d.dependencies[recordType] = rules
}

// Detect reports duplicate, missing-dependency and field-mismatch conflicts
// for the incoming batch. A record with a missing dependency is not also
// checked for mismatches; it will be excluded from the run anyway.
func (d *Detector) Detect(ctx context.Context, incoming []store.CanonicalRecord) ([]Conflict, error) {
	var conflicts []Conflict
	seen := make(map[string]*store.CanonicalRecord, len(incoming))

records:
	for i := range incoming {
		record := &incoming[i]

		if prev, dup := seen[record.ID]; dup {
			conflicts = append(conflicts, Conflict{
				RecordID:   record.ID,
				Type:       ConflictDuplicate,
				SourceData: record,
				TargetData: prev,
			})
			continue
		}
		seen[record.ID] = record

		for _, rule := range d.dependencies[record.Type] {
			depID, ok := record.Fields[rule.Field]
			if !ok {
				continue
			}
			dep, err := d.store.GetCanonicalRecord(ctx, record.StoreID, rule.RecordType, fmt.Sprintf("%v", depID))
			if err != nil {
				return nil, fmt.Errorf("failed to look up dependency %s/%v: %w", rule.RecordType, depID, err)
			}
			if dep == nil {
				conflicts = append(conflicts, Conflict{
					RecordID:   record.ID,
					Type:       ConflictMissingDependency,
					SourceData: record,
				})
				continue records
			}
		}

		existing, err := d.store.GetCanonicalRecord(ctx, record.StoreID, record.Type, record.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up record %s: %w", record.ID, err)
		}
		if existing != nil && ContentHash(existing.Fields) != ContentHash(record.Fields) {
			conflicts = append(conflicts, Conflict{
				RecordID:   record.ID,
				Type:       ConflictFieldMismatch,
				SourceData: record,
				TargetData: existing,
			})
		}
	}

	return conflicts, nil
}

// ResolveConflicts applies the strategy to each conflict independently, so
// the outcome for one conflict never affects another. Given the same input
// it always produces the same resolutions.
func ResolveConflicts(conflicts []Conflict, strategy Strategy) (*ResolutionResult, error) {
	if err := strategy.Validate(); err != nil {
		return nil, err
	}

	result := &ResolutionResult{}
	for _, conflict := range conflicts {
		resolution := resolveOne(conflict, strategy)
		if resolution.Action != ActionUnresolved {
			result.ConflictsResolved++
		}
		result.Resolutions = append(result.Resolutions, resolution)
	}

	return result, nil
}

func resolveOne(conflict Conflict, strategy Strategy) Resolution {
	switch conflict.Type {
	case ConflictDuplicate:
		return mergeKeepLatest(conflict)
	case ConflictFieldMismatch:
		if strategy.FieldMismatches == PolicyPreferTarget {
			return Resolution{
				RecordID:     conflict.RecordID,
				ConflictType: conflict.Type,
				Resolution:   PolicyPreferTarget,
				Action:       ActionManualReview,
			}
		}
		return Resolution{
			RecordID:     conflict.RecordID,
			ConflictType: conflict.Type,
			Resolution:   PolicyPreferSource,
			Action:       ActionUpdated,
			Record:       conflict.SourceData,
		}
	case ConflictMissingDependency:
		return Resolution{
			RecordID:     conflict.RecordID,
			ConflictType: conflict.Type,
			Resolution:   PolicySkipAndFlag,
			Action:       ActionRetryNextRun,
		}
	}

	// A conflict type no policy covers cannot be decided.
	return Resolution{
		RecordID:     conflict.RecordID,
		ConflictType: conflict.Type,
		Action:       ActionUnresolved,
	}
}

// mergeKeepLatest keeps the newer record's values and fills in fields only
// the older record carries. Newer is decided by UpdatedAt, then Version.
func mergeKeepLatest(conflict Conflict) Resolution {
	newer, older := conflict.SourceData, conflict.TargetData
	if older != nil && olderWins(newer, older) {
		newer, older = older, newer
	}

	merged := make(map[string]any, len(newer.Fields))
	if older != nil {
		for k, v := range older.Fields {
			merged[k] = v
		}
	}
	for k, v := range newer.Fields {
		merged[k] = v
	}

	record := *newer
	record.Fields = merged

	return Resolution{
		RecordID:     conflict.RecordID,
		ConflictType: conflict.Type,
		Resolution:   PolicyMergeKeepLatest,
		Action:       ActionMerged,
		Record:       &record,
	}
}

func olderWins(a, b *store.CanonicalRecord) bool {
	if a.UpdatedAt.Equal(b.UpdatedAt) {
		return b.Version > a.Version
	}
	return b.UpdatedAt.After(a.UpdatedAt)
}
