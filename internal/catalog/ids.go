package catalog

import (
	"sort"
	"strings"

	"github.com/faucetdb/tilefaucet/internal/model"
)

// candidate is a discovered object waiting for an identifier.
type candidate struct {
	source model.Source
	// names are the identifiers the object may take, shortest first.
	names []string
	level int
	// fixed is set when an operator override chose the identifier.
	fixed bool
}

func (c *candidate) id() string {
	if c.fixed {
		return c.source.ID
	}
	return c.names[c.level]
}

func (c *candidate) canPromote() bool {
	return !c.fixed && c.level < len(c.names)-1
}

func (c *candidate) qualified() string {
	return c.names[len(c.names)-1]
}

// tableNames returns the identifier ladder for a table source.
func tableNames(schema, table, column string) []string {
	return []string{table, schema + "." + table, schema + "." + table + "." + column}
}

// functionNames returns the identifier ladder for a function source.
func functionNames(schema, name string) []string {
	return []string{name, schema + "." + name}
}

// validID reports whether id can be used in a tile URL.
func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, ",/")
}

// assignIDs gives every candidate a unique identifier. Candidates colliding
// with each other, or with a reserved name, move one step down their ladder
// until they are unique. Operator-chosen identifiers never move. Candidates
// still colliding when they cannot move are reported as conflicts and left
// out of the result.
func assignIDs(cands []*candidate, reserved map[string]bool) ([]model.Source, map[string][]string, []Diagnostic) {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].qualified() < cands[j].qualified()
	})

	for {
		groups := make(map[string][]*candidate)
		for _, c := range cands {
			groups[c.id()] = append(groups[c.id()], c)
		}
		promoted := false
		for id, group := range groups {
			if len(group) < 2 && !reserved[id] {
				continue
			}
			for _, c := range group {
				if c.canPromote() {
					c.level++
					promoted = true
				}
			}
		}
		if !promoted {
			break
		}
	}

	groups := make(map[string][]*candidate)
	for _, c := range cands {
		groups[c.id()] = append(groups[c.id()], c)
	}

	var (
		sources     []model.Source
		conflicts   = make(map[string][]string)
		diagnostics []Diagnostic
	)
	for _, c := range cands {
		id := c.id()
		group := groups[id]
		switch {
		case len(group) > 1:
			if _, seen := conflicts[id]; seen {
				continue
			}
			names := make([]string, 0, len(group))
			for _, g := range group {
				names = append(names, g.qualified())
			}
			conflicts[id] = names
			diagnostics = append(diagnostics, Diagnostic{
				Level:   LevelWarn,
				Source:  id,
				Message: "identifier is claimed by " + strings.Join(names, ", ") + "; none of them is served",
			})
		case reserved[id]:
			diagnostics = append(diagnostics, Diagnostic{
				Level:   LevelWarn,
				Source:  c.qualified(),
				Message: "identifier " + id + " is reserved by the server; source is not served",
			})
		case !validID(id):
			diagnostics = append(diagnostics, Diagnostic{
				Level:   LevelWarn,
				Source:  c.qualified(),
				Message: "identifier " + id + " contains ',' or '/'; source is not served",
			})
		default:
			s := c.source
			s.ID = id
			sources = append(sources, s)
		}
	}
	return sources, conflicts, diagnostics
}
