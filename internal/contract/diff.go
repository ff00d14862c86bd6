package contract

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/faucetdb/tilefaucet/internal/model"
)

// DiffSource compares two versions of the same source and returns the
// differences a client would notice.
func DiffSource(old, live model.Source) []DriftItem {
	var items []DriftItem
	id := live.ID

	if old.Kind != live.Kind {
		return []DriftItem{{
			Type:        DriftBreaking,
			Category:    "kind_changed",
			SourceID:    id,
			OldValue:    string(old.Kind),
			NewValue:    string(live.Kind),
			Description: fmt.Sprintf("Source %q changed from a %s to a %s source", id, old.Kind, live.Kind),
		}}
	}

	if old.Kind == model.SourceKindTable && old.Table != nil && live.Table != nil {
		items = append(items, diffTable(id, *old.Table, *live.Table)...)
	}
	if old.Kind == model.SourceKindFunction && old.Function != nil && live.Function != nil {
		oldSig, liveSig := signature(*old.Function), signature(*live.Function)
		if oldSig != liveSig {
			items = append(items, DriftItem{
				Type:        DriftBreaking,
				Category:    "params_changed",
				SourceID:    id,
				OldValue:    oldSig,
				NewValue:    liveSig,
				Description: fmt.Sprintf("Function parameters of source %q changed", id),
			})
		}
	}

	if old.Kind == model.SourceKindPMTiles && old.Archive != nil && live.Archive != nil {
		if old.Archive.Format != live.Archive.Format {
			items = append(items, DriftItem{
				Type:        DriftBreaking,
				Category:    "format_changed",
				SourceID:    id,
				OldValue:    string(old.Archive.Format),
				NewValue:    string(live.Archive.Format),
				Description: fmt.Sprintf("Archive behind source %q now holds %s tiles", id, live.Archive.Format),
			})
		}
		if old.Archive.Path != live.Archive.Path {
			items = append(items, DriftItem{
				Type:        DriftAdditive,
				Category:    "path_changed",
				SourceID:    id,
				OldValue:    old.Archive.Path,
				NewValue:    live.Archive.Path,
				Description: fmt.Sprintf("Source %q is now read from %s", id, live.Archive.Path),
			})
		}
	}

	oldZoom := zoomRange(old.Options)
	liveZoom := zoomRange(live.Options)
	if oldZoom != liveZoom {
		// Narrowing the range removes tiles clients may already request.
		typ := DriftAdditive
		if live.Options.MinZoom > old.Options.MinZoom || live.Options.MaxZoom < old.Options.MaxZoom {
			typ = DriftBreaking
		}
		items = append(items, DriftItem{
			Type:        typ,
			Category:    "zoom_changed",
			SourceID:    id,
			OldValue:    oldZoom,
			NewValue:    liveZoom,
			Description: fmt.Sprintf("Zoom range of source %q changed from %s to %s", id, oldZoom, liveZoom),
		})
	}

	return items
}

func diffTable(id string, old, live model.TableSource) []DriftItem {
	var items []DriftItem

	if old.SRID != live.SRID {
		items = append(items, DriftItem{
			Type:        DriftAdditive,
			Category:    "srid_changed",
			SourceID:    id,
			OldValue:    strconv.Itoa(old.SRID),
			NewValue:    strconv.Itoa(live.SRID),
			Description: fmt.Sprintf("SRID of source %q changed from %d to %d", id, old.SRID, live.SRID),
		})
	}
	if old.GeometryType != live.GeometryType {
		items = append(items, DriftItem{
			Type:        DriftBreaking,
			Category:    "geometry_type_changed",
			SourceID:    id,
			OldValue:    string(old.GeometryType),
			NewValue:    string(live.GeometryType),
			Description: fmt.Sprintf("Geometry type of source %q changed from %s to %s", id, old.GeometryType, live.GeometryType),
		})
	}

	liveByName := make(map[string]model.PropertyType, len(live.Properties))
	for _, p := range live.Properties {
		liveByName[p.Name] = p.Type
	}
	oldByName := make(map[string]model.PropertyType, len(old.Properties))
	for _, p := range old.Properties {
		oldByName[p.Name] = p.Type
	}

	for _, p := range old.Properties {
		liveType, exists := liveByName[p.Name]
		if !exists {
			items = append(items, DriftItem{
				Type:        DriftBreaking,
				Category:    "property_removed",
				SourceID:    id,
				Property:    p.Name,
				OldValue:    string(p.Type),
				Description: fmt.Sprintf("Property %q was removed from source %q", p.Name, id),
			})
			continue
		}
		if liveType != p.Type {
			items = append(items, DriftItem{
				Type:        DriftBreaking,
				Category:    "property_type_changed",
				SourceID:    id,
				Property:    p.Name,
				OldValue:    string(p.Type),
				NewValue:    string(liveType),
				Description: fmt.Sprintf("Property %q of source %q changed from %s to %s", p.Name, id, p.Type, liveType),
			})
		}
	}
	for _, p := range live.Properties {
		if _, exists := oldByName[p.Name]; !exists {
			items = append(items, DriftItem{
				Type:        DriftAdditive,
				Category:    "property_added",
				SourceID:    id,
				Property:    p.Name,
				NewValue:    string(p.Type),
				Description: fmt.Sprintf("Property %q was added to source %q", p.Name, id),
			})
		}
	}
	return items
}

func signature(fn model.FunctionSource) string {
	parts := make([]string, 0, len(fn.Params)+1)
	for _, p := range fn.Params {
		s := p.Name + " " + p.Type
		if p.HasDefault {
			s += "?"
		}
		parts = append(parts, s)
	}
	return "(" + strings.Join(parts, ", ") + ") " + string(fn.ReturnKind)
}

func zoomRange(o model.TileOptions) string {
	return fmt.Sprintf("%d-%d", o.MinZoom, o.MaxZoom)
}

// DiffCatalog compares the sources of two snapshots, matched by id.
func DiffCatalog(old, live []model.Source) DriftReport {
	report := DriftReport{
		Added:     []string{},
		Removed:   []string{},
		Changed:   []string{},
		Items:     []DriftItem{},
		CheckedAt: time.Now().UTC(),
	}

	liveByID := make(map[string]model.Source, len(live))
	for _, s := range live {
		liveByID[s.ID] = s
	}
	oldByID := make(map[string]model.Source, len(old))
	for _, s := range old {
		oldByID[s.ID] = s
	}

	for _, o := range old {
		l, exists := liveByID[o.ID]
		if !exists {
			report.Removed = append(report.Removed, o.ID)
			report.Items = append(report.Items, DriftItem{
				Type:        DriftBreaking,
				Category:    "source_removed",
				SourceID:    o.ID,
				OldValue:    o.QualifiedName(),
				Description: fmt.Sprintf("Source %q is no longer served", o.ID),
			})
			continue
		}
		if items := DiffSource(o, l); len(items) > 0 {
			report.Changed = append(report.Changed, o.ID)
			report.Items = append(report.Items, items...)
		}
	}
	for _, l := range live {
		if _, exists := oldByID[l.ID]; !exists {
			report.Added = append(report.Added, l.ID)
			report.Items = append(report.Items, DriftItem{
				Type:        DriftAdditive,
				Category:    "source_added",
				SourceID:    l.ID,
				NewValue:    l.QualifiedName(),
				Description: fmt.Sprintf("Source %q is now served from %s", l.ID, l.QualifiedName()),
			})
		}
	}

	sort.Strings(report.Added)
	sort.Strings(report.Removed)
	sort.Strings(report.Changed)

	for _, item := range report.Items {
		switch item.Type {
		case DriftAdditive:
			report.AdditiveCount++
		case DriftBreaking:
			report.BreakingCount++
		}
	}
	report.HasDrift = len(report.Items) > 0
	report.HasBreaking = report.BreakingCount > 0

	return report
}
