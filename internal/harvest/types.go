package harvest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// UnitStatus enumerates WorkUnit lifecycle states.
type UnitStatus string

// Supported unit states.
const (
	UnitPending UnitStatus = "pending"
	UnitClaimed UnitStatus = "claimed"
	UnitDone    UnitStatus = "done"
	UnitFailed  UnitStatus = "failed"
)

// Valid reports whether s is one of the known unit states.
func (s UnitStatus) Valid() bool {
	switch s {
	case UnitPending, UnitClaimed, UnitDone, UnitFailed:
		return true
	default:
		return false
	}
}

// ParseUnitStatus converts user input into a UnitStatus.
func ParseUnitStatus(raw string) (UnitStatus, error) {
	s := UnitStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown unit status %q", raw)
	}
	return s, nil
}

// City is one row of the city dimension.
type City struct {
	Name string `json:"name" mapstructure:"name"`
}

// Request is one search query, optionally bound to an exclude set.
type Request struct {
	Query      string `json:"query" mapstructure:"query"`
	ExcludeSet string `json:"exclude_set,omitempty" mapstructure:"exclude_set"`
}

// Category is one map category, optionally bound to an exclude set.
type Category struct {
	Name       string `json:"name" mapstructure:"name"`
	ExcludeSet string `json:"exclude_set,omitempty" mapstructure:"exclude_set"`
}

// ExcludeSet is a named, ordered list of phrases. It is immutable once a run starts.
type ExcludeSet struct {
	Name    string   `json:"name" mapstructure:"name"`
	Phrases []string `json:"phrases" mapstructure:"phrases"`
}

// Matrix is the validated configuration a run is enumerated from.
type Matrix struct {
	Cities            []City       `json:"cities"`
	Requests          []Request    `json:"requests"`
	Categories        []Category   `json:"categories"`
	ExcludeSets       []ExcludeSet `json:"exclude_sets,omitempty"`
	DefaultExcludeSet string       `json:"default_exclude_set,omitempty"`
}

// ExcludeSet returns the named set, if present.
func (m Matrix) ExcludeSet(name string) (ExcludeSet, bool) {
	for _, set := range m.ExcludeSets {
		if set.Name == name {
			return set, true
		}
	}
	return ExcludeSet{}, false
}

// Size returns the number of units the matrix expands into.
func (m Matrix) Size() int {
	return len(m.Cities) * len(m.Requests) * len(m.Categories)
}

// UnitKey is the identity of a WorkUnit within a run.
type UnitKey struct {
	City     string
	Request  string
	Category string
}

func (k UnitKey) String() string {
	return k.City + " / " + k.Request + " / " + k.Category
}

// WorkUnit is one (city, request, category) combination tracked by the store.
type WorkUnit struct {
	RunID       string     `json:"run_id"`
	Ordinal     int64      `json:"ordinal"`
	City        string     `json:"city"`
	Request     string     `json:"request"`
	Category    string     `json:"category"`
	ExcludeSet  string     `json:"exclude_set,omitempty"`
	Status      UnitStatus `json:"status"`
	LeaseOwner  string     `json:"lease_owner,omitempty"`
	LeaseExpiry time.Time  `json:"lease_expiry,omitzero"`
	ClaimedAt   time.Time  `json:"claimed_at,omitzero"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
}

// Key returns the unit identity triple.
func (u WorkUnit) Key() UnitKey {
	return UnitKey{City: u.City, Request: u.Request, Category: u.Category}
}

// RunParams are the per-run execution knobs captured when the run is created.
type RunParams struct {
	Concurrency       int           `json:"concurrency"`
	RequestsPerSecond float64       `json:"requests_per_second"`
	Burst             int           `json:"burst"`
	MaxAttempts       int           `json:"max_attempts"`
	LeaseDuration     time.Duration `json:"lease_duration"`
	FetchTimeout      time.Duration `json:"fetch_timeout"`
}

// Validate rejects parameters the dispatcher cannot run with.
func (p RunParams) Validate() error {
	switch {
	case p.Concurrency <= 0:
		return NewConfigurationError("concurrency must be > 0")
	case p.RequestsPerSecond < 0:
		return NewConfigurationError("requests_per_second must be >= 0")
	case p.MaxAttempts <= 0:
		return NewConfigurationError("max_attempts must be > 0")
	case p.LeaseDuration <= 0:
		return NewConfigurationError("lease_duration must be > 0")
	case p.FetchTimeout <= 0:
		return NewConfigurationError("fetch_timeout must be > 0")
	case p.FetchTimeout >= p.LeaseDuration:
		return NewConfigurationError("fetch_timeout must be shorter than lease_duration")
	}
	// A claimed unit waits for a token before it fetches; with every worker
	// queued that wait approaches Concurrency/RPS. The lease must cover it.
	if need := p.FetchTimeout + p.CommitMargin() + p.TokenWait(); need >= p.LeaseDuration {
		return NewConfigurationError(
			"lease_duration %s must exceed fetch_timeout + commit margin + concurrency/requests_per_second (%s)",
			p.LeaseDuration, need)
	}
	return nil
}

// CommitMargin is the slice of a lease reserved for filtering and committing.
func (p RunParams) CommitMargin() time.Duration {
	return p.LeaseDuration / 10
}

// TokenWait is the longest a worker should queue for a rate-limit token when
// all Concurrency workers compete; zero when the rate is unlimited.
func (p RunParams) TokenWait() time.Duration {
	if p.RequestsPerSecond <= 0 {
		return 0
	}
	return time.Duration(float64(p.Concurrency) / p.RequestsPerSecond * float64(time.Second))
}

// Run is one crawl execution. The store owns it until an explicit purge.
type Run struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Matrix     Matrix    `json:"matrix"`
	Params     RunParams `json:"params"`
	CreatedAt  time.Time `json:"created_at"`
	Cancelled  bool      `json:"cancelled"`
	LockOwner  string    `json:"lock_owner,omitempty"`
	LockExpiry time.Time `json:"lock_expiry,omitzero"`
}

// RunCounts aggregates unit states for a run.
type RunCounts struct {
	Pending int `json:"pending"`
	Claimed int `json:"claimed"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
	Results int `json:"results"`
}

// Total is the number of units seeded for the run.
func (c RunCounts) Total() int {
	return c.Pending + c.Claimed + c.Done + c.Failed
}

// Drained reports whether no unit is waiting or in flight.
func (c RunCounts) Drained() bool {
	return c.Pending == 0 && c.Claimed == 0
}

// Add bumps the counter for status by n.
func (c *RunCounts) Add(status UnitStatus, n int) {
	switch status {
	case UnitPending:
		c.Pending += n
	case UnitClaimed:
		c.Claimed += n
	case UnitDone:
		c.Done += n
	case UnitFailed:
		c.Failed += n
	}
}

// RawListing is a single listing as returned by a Fetcher.
type RawListing struct {
	ProviderID string            `json:"provider_id,omitempty"`
	Name       string            `json:"name"`
	Address    string            `json:"address,omitempty"`
	Phone      string            `json:"phone,omitempty"`
	Website    string            `json:"website,omitempty"`
	Rating     string            `json:"rating,omitempty"`
	Reviews    string            `json:"reviews,omitempty"`
	URL        string            `json:"url,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Result is a committed listing, unique per (run, identity).
type Result struct {
	RunID       string          `json:"run_id"`
	Identity    string          `json:"identity"`
	UnitOrdinal int64           `json:"unit_ordinal"`
	Payload     json.RawMessage `json:"payload"`
	FetchedAt   time.Time       `json:"fetched_at"`

	// Populated by ListResults from the owning unit.
	City     string `json:"city,omitempty"`
	Request  string `json:"request,omitempty"`
	Category string `json:"category,omitempty"`
}

// Listing decodes the stored payload.
func (r Result) Listing() (RawListing, error) {
	var listing RawListing
	if len(r.Payload) == 0 {
		return listing, nil
	}
	if err := json.Unmarshal(r.Payload, &listing); err != nil {
		return RawListing{}, fmt.Errorf("decode result payload: %w", err)
	}
	return listing, nil
}

// Completion is the input to Store.CompleteUnit.
type Completion struct {
	RunID      string
	Ordinal    int64
	LeaseOwner string
	Results    []Result
}

// Failure is the input to Store.FailUnit.
type Failure struct {
	RunID       string
	Ordinal     int64
	LeaseOwner  string
	Err         string
	Permanent   bool
	MaxAttempts int
}

// MaxErrorLength bounds the persisted last_error text.
const MaxErrorLength = 2000

// TruncateError clips an error message to MaxErrorLength bytes on a rune boundary.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorLength {
		return msg
	}
	cut := MaxErrorLength
	for cut > 0 && !isRuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// UnitFilter narrows ListUnits.
type UnitFilter struct {
	Status UnitStatus
	Limit  int
}

// FetchRequest is what the dispatcher hands to a Fetcher.
type FetchRequest struct {
	RunID    string
	Ordinal  int64
	City     string
	Request  string
	Category string
	Timeout  time.Duration
}

// UnitCommitted is the notification published after a successful commit.
type UnitCommitted struct {
	RunID       string    `json:"run_id"`
	Ordinal     int64     `json:"ordinal"`
	City        string    `json:"city"`
	Request     string    `json:"request"`
	Category    string    `json:"category"`
	Identities  []string  `json:"identities"`
	Inserted    int       `json:"inserted"`
	Excluded    int       `json:"excluded"`
	Duplicates  int       `json:"duplicates"`
	CommittedAt time.Time `json:"committed_at"`
}
