// Package catalog discovers servable tile sources in a PostGIS database and
// holds them as immutable snapshots. A Registry publishes the current
// snapshot and replaces it atomically on refresh.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/faucetdb/tilefaucet/internal/model"
)

// ErrDiscovery classifies fatal discovery failures.
var ErrDiscovery = errors.New("source discovery failed")

// DiscoveryError is a fatal discovery failure. It matches ErrDiscovery.
type DiscoveryError struct {
	Reason string
	Err    error
}

func (e *DiscoveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("discovery: %s: %v", e.Reason, e.Err)
	}
	return "discovery: " + e.Reason
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

func (e *DiscoveryError) Is(target error) bool { return target == ErrDiscovery }

// Level is the severity of a Diagnostic.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
)

// Diagnostic records a non-fatal discovery finding about one database object.
type Diagnostic struct {
	Level   Level  `json:"level"`
	Source  string `json:"source"`
	Message string `json:"message"`
}

// Catalog is an immutable snapshot of the servable sources.
type Catalog struct {
	sources      map[string]model.Source
	ordered      []model.Source
	conflicts    map[string][]string
	diagnostics  []Diagnostic
	postgis      string
	discoveredAt time.Time
}

// New builds a snapshot from already-identified sources. conflicts maps an
// identifier to the qualified names of the objects that competed for it.
func New(sources []model.Source, conflicts map[string][]string, diagnostics []Diagnostic) *Catalog {
	c := &Catalog{
		sources:      make(map[string]model.Source, len(sources)),
		conflicts:    make(map[string][]string, len(conflicts)),
		diagnostics:  append([]Diagnostic(nil), diagnostics...),
		discoveredAt: time.Now().UTC(),
	}
	for _, s := range sources {
		c.sources[s.ID] = s
	}
	for id, names := range conflicts {
		c.conflicts[id] = append([]string(nil), names...)
	}
	c.ordered = make([]model.Source, 0, len(c.sources))
	for _, s := range c.sources {
		c.ordered = append(c.ordered, s)
	}
	sort.Slice(c.ordered, func(i, j int) bool { return c.ordered[i].ID < c.ordered[j].ID })
	return c
}

// Lookup returns the source with the given identifier.
func (c *Catalog) Lookup(id string) (model.Source, bool) {
	s, ok := c.sources[id]
	return s, ok
}

// Conflicted reports whether id was claimed by more than one object and is
// therefore not servable.
func (c *Catalog) Conflicted(id string) bool {
	_, ok := c.conflicts[id]
	return ok
}

// Conflicts returns the conflicted identifiers and their claimants.
func (c *Catalog) Conflicts() map[string][]string {
	out := make(map[string][]string, len(c.conflicts))
	for id, names := range c.conflicts {
		out[id] = append([]string(nil), names...)
	}
	return out
}

// Sources returns every servable source ordered by identifier.
func (c *Catalog) Sources() []model.Source {
	return append([]model.Source(nil), c.ordered...)
}

// Len returns the number of servable sources.
func (c *Catalog) Len() int { return len(c.sources) }

// Diagnostics returns the findings recorded during discovery.
func (c *Catalog) Diagnostics() []Diagnostic {
	return append([]Diagnostic(nil), c.diagnostics...)
}

// PostGISVersion is the extension version seen during discovery.
func (c *Catalog) PostGISVersion() string { return c.postgis }

// DiscoveredAt is when the snapshot was built.
func (c *Catalog) DiscoveredAt() time.Time { return c.discoveredAt }
