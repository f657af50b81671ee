// Package dedupe normalizes fetched listings, drops the ones matching exclude
// phrases, and removes duplicates against committed results and the batch itself.
package dedupe

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/map-harvester/internal/harvest"
)

// Policy configures exclude matching and identity derivation.
type Policy struct {
	ExcludeMode  ExcludeMode  `mapstructure:"exclude_mode"`
	IdentityMode IdentityMode `mapstructure:"identity_mode"`
}

// CommittedLookup reports which identities already have committed results in a run.
type CommittedLookup interface {
	CommittedIdentities(ctx context.Context, runID string, identities []string) (map[string]struct{}, error)
}

// Stats summarizes one Process call.
type Stats struct {
	Input              int `json:"input"`
	Kept               int `json:"kept"`
	Excluded           int `json:"excluded"`
	DuplicateCommitted int `json:"duplicate_committed"`
	DuplicateBatch     int `json:"duplicate_batch"`
	Invalid            int `json:"invalid"`
}

// Duplicates is the total of both duplicate kinds.
func (s Stats) Duplicates() int {
	return s.DuplicateCommitted + s.DuplicateBatch
}

// Outcome is the filtered, unique result set for one unit.
type Outcome struct {
	Results []harvest.Result
	Stats   Stats
}

// Filter applies a Policy. It has no side effects; persistence is the store's job.
type Filter struct {
	policy     Policy
	identifier Identifier
	lookup     CommittedLookup
}

// New builds a Filter.
func New(policy Policy, hasher harvest.Hasher, lookup CommittedLookup) (*Filter, error) {
	if policy.ExcludeMode == "" {
		policy.ExcludeMode = ExcludeSubstring
	}
	if _, err := CompileExcludes(policy.ExcludeMode, nil); err != nil {
		return nil, err
	}
	identifier, err := NewIdentifier(policy.IdentityMode, hasher)
	if err != nil {
		return nil, err
	}
	if lookup == nil {
		return nil, fmt.Errorf("committed lookup is required")
	}
	return &Filter{policy: policy, identifier: identifier, lookup: lookup}, nil
}

// Policy returns the effective policy.
func (f *Filter) Policy() Policy {
	return f.policy
}

// CheckExcludes compiles every exclude set of m so bad patterns fail before a run starts.
func (f *Filter) CheckExcludes(m harvest.Matrix) error {
	for _, set := range m.ExcludeSets {
		if _, err := CompileExcludes(f.policy.ExcludeMode, set.Phrases); err != nil {
			return fmt.Errorf("exclude set %q: %w", set.Name, err)
		}
	}
	return nil
}

type candidate struct {
	identity string
	listing  harvest.RawListing
}

// Process filters raw listings fetched for unit ordinal of runID.
func (f *Filter) Process(
	ctx context.Context,
	raw []harvest.RawListing,
	excludes harvest.ExcludeSet,
	runID string,
	ordinal int64,
	fetchedAt time.Time,
) (Outcome, error) {
	out := Outcome{Stats: Stats{Input: len(raw)}}
	if len(raw) == 0 {
		return out, nil
	}
	matcher, err := CompileExcludes(f.policy.ExcludeMode, excludes.Phrases)
	if err != nil {
		return out, err
	}

	candidates := make([]candidate, 0, len(raw))
	for _, listing := range raw {
		listing = scrub(listing)
		identity, ok, err := f.identifier.Identity(listing)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			out.Stats.Invalid++
			continue
		}
		if matcher.Match(listing.Name) || matcher.Match(listing.Address) {
			out.Stats.Excluded++
			continue
		}
		candidates = append(candidates, candidate{identity: identity, listing: listing})
	}
	if len(candidates) == 0 {
		return out, nil
	}

	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.identity)
	}
	committed, err := f.lookup.CommittedIdentities(ctx, runID, ids)
	if err != nil {
		return Outcome{}, fmt.Errorf("lookup committed identities: %w", err)
	}

	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		if _, ok := committed[c.identity]; ok {
			out.Stats.DuplicateCommitted++
			continue
		}
		if _, ok := seen[c.identity]; ok {
			out.Stats.DuplicateBatch++
			continue
		}
		seen[c.identity] = struct{}{}
		payload, err := json.Marshal(c.listing)
		if err != nil {
			return Outcome{}, fmt.Errorf("encode listing: %w", err)
		}
		out.Results = append(out.Results, harvest.Result{
			RunID:       runID,
			Identity:    c.identity,
			UnitOrdinal: ordinal,
			Payload:     payload,
			FetchedAt:   fetchedAt,
		})
	}
	out.Stats.Kept = len(out.Results)
	return out, nil
}
