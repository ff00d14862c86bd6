package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/paulmach/orb"

	"github.com/faucetdb/tilefaucet/internal/connector"
	"github.com/faucetdb/tilefaucet/internal/model"
	"github.com/faucetdb/tilefaucet/internal/query"
)

// Introspector reads spatial metadata from the database.
type Introspector interface {
	PostGISVersion(ctx context.Context) (string, error)
	GeometryColumns(ctx context.Context) ([]connector.GeometryColumn, error)
	Columns(ctx context.Context) ([]connector.Column, error)
	PrimaryKeys(ctx context.Context) ([]connector.PrimaryKey, error)
	Functions(ctx context.Context) ([]connector.Routine, error)
	EstimatedExtent(ctx context.Context, g connector.GeometryColumn) (orb.Bound, error)
}

// Options control discovery.
type Options struct {
	// Schemas limits discovery to the named schemas. Empty means all.
	Schemas []string
	// DefaultSRID is assumed for geometry columns registered with SRID 0.
	// Zero means such columns are skipped.
	DefaultSRID int
	// EstimateBounds asks the planner for each table's extent.
	EstimateBounds bool
	// FailOnEmpty makes a catalog with no sources a fatal error.
	FailOnEmpty bool
	// SkipTables and SkipFunctions turn off one kind of auto-discovery.
	SkipTables    bool
	SkipFunctions bool
	// Defaults are the tile options every source starts from.
	Defaults model.TileOptions
	// Overrides are keyed by schema.name or schema.table.column.
	Overrides map[string]model.SourceOverride
	// Reserved identifiers are never given to a source.
	Reserved []string
	// Archives are file-backed sources published next to the discovered
	// ones. Their identifiers are fixed like override ids.
	Archives []model.Source
}

// DefaultOptions returns discovery defaults: whole-world bounds, zoom 0-22,
// 4096 extent, clipping on and the default zoom policy.
func DefaultOptions() Options {
	return Options{
		Defaults: model.TileOptions{
			MinZoom: 0,
			MaxZoom: 22,
			Bounds:  model.WorldBounds,
			Extent:  model.DefaultExtent,
			Clip:    true,
			Policy:  model.DefaultZoomPolicy(),
		},
	}
}

// Discover introspects the database and builds a catalog snapshot.
func Discover(ctx context.Context, in Introspector, opts Options) (*Catalog, error) {
	version, err := in.PostGISVersion(ctx)
	if err != nil {
		return nil, &DiscoveryError{Reason: "checking for PostGIS", Err: err}
	}
	if version == "" {
		return nil, &DiscoveryError{Reason: "the PostGIS extension is not installed"}
	}

	d := &discovery{opts: opts, in: in}
	var cands []*candidate

	if !opts.SkipTables {
		tables, err := d.tables(ctx)
		if err != nil {
			return nil, err
		}
		cands = append(cands, tables...)
	}
	if !opts.SkipFunctions {
		fns, err := d.functions(ctx)
		if err != nil {
			return nil, err
		}
		cands = append(cands, fns...)
	}
	for _, src := range opts.Archives {
		if ov, ok := d.opts.Overrides[src.ID]; ok && ov.Hide {
			d.note(LevelInfo, src.QualifiedName(), "hidden by configuration")
			continue
		}
		cands = append(cands, &candidate{
			source: src,
			names:  []string{src.ID, src.QualifiedName()},
			fixed:  true,
		})
	}

	reserved := make(map[string]bool, len(opts.Reserved))
	for _, r := range opts.Reserved {
		reserved[r] = true
	}
	sources, conflicts, diags := assignIDs(cands, reserved)
	d.diags = append(d.diags, diags...)

	if len(sources) == 0 {
		if opts.FailOnEmpty {
			return nil, &DiscoveryError{Reason: "no servable tables, functions or archives were found"}
		}
		d.warn("", "no servable tables, functions or archives were found")
	}

	c := New(sources, conflicts, d.diags)
	c.postgis = version
	return c, nil
}

type discovery struct {
	opts  Options
	in    Introspector
	diags []Diagnostic
}

func (d *discovery) note(level Level, source, format string, args ...any) {
	d.diags = append(d.diags, Diagnostic{Level: level, Source: source, Message: fmt.Sprintf(format, args...)})
}

func (d *discovery) warn(source, format string, args ...any) {
	d.note(LevelWarn, source, format, args...)
}

func (d *discovery) inScope(schema string) bool {
	return len(d.opts.Schemas) == 0 || slices.Contains(d.opts.Schemas, schema)
}

// override returns the override for the most specific key that has one.
func (d *discovery) override(keys ...string) (model.SourceOverride, bool) {
	for _, k := range keys {
		if o, ok := d.opts.Overrides[k]; ok {
			return o, true
		}
	}
	return model.SourceOverride{}, false
}

func (d *discovery) tables(ctx context.Context) ([]*candidate, error) {
	geoms, err := d.in.GeometryColumns(ctx)
	if err != nil {
		return nil, &DiscoveryError{Reason: "listing geometry columns", Err: err}
	}
	columns, err := d.in.Columns(ctx)
	if err != nil {
		return nil, &DiscoveryError{Reason: "listing columns", Err: err}
	}
	pks, err := d.in.PrimaryKeys(ctx)
	if err != nil {
		return nil, &DiscoveryError{Reason: "listing primary keys", Err: err}
	}

	colsByTable := make(map[string][]connector.Column)
	for _, c := range columns {
		k := c.Schema + "." + c.Table
		colsByTable[k] = append(colsByTable[k], c)
	}
	for _, cols := range colsByTable {
		sort.SliceStable(cols, func(i, j int) bool { return cols[i].Position < cols[j].Position })
	}
	pkByTable := make(map[string]string, len(pks))
	for _, pk := range pks {
		pkByTable[pk.Schema+"."+pk.Table] = pk.Column
	}
	geomCols := make(map[string]map[string]bool)
	for _, g := range geoms {
		k := g.Schema + "." + g.Table
		if geomCols[k] == nil {
			geomCols[k] = make(map[string]bool)
		}
		geomCols[k][g.Column] = true
	}

	var cands []*candidate
	for _, g := range geoms {
		if !d.inScope(g.Schema) {
			continue
		}
		tableKey := g.Schema + "." + g.Table
		qualified := tableKey + "." + g.Column
		ov, hasOv := d.override(qualified, tableKey)
		if ov.Hide {
			d.note(LevelInfo, qualified, "hidden by configuration")
			continue
		}

		srid := g.SRID
		if ov.SRID > 0 {
			srid = ov.SRID
		}
		if srid == 0 && g.Geography {
			srid = 4326
		}
		if srid == 0 {
			if d.opts.DefaultSRID == 0 {
				d.warn(qualified, "has SRID 0; set catalog.default_srid or a per-source srid to serve it")
				continue
			}
			d.note(LevelInfo, qualified, "has SRID 0, using default SRID %d", d.opts.DefaultSRID)
			srid = d.opts.DefaultSRID
		}

		gtype, ok := geometryType(g.Type)
		if !ok {
			d.warn(qualified, "geometry type %s cannot be encoded as a vector tile", g.Type)
			continue
		}

		tbl := &model.TableSource{
			Schema:         g.Schema,
			Table:          g.Table,
			GeometryColumn: g.Column,
			SRID:           srid,
			GeometryType:   gtype,
			Geography:      g.Geography,
		}

		integerCols := make(map[string]bool)
		for _, col := range colsByTable[tableKey] {
			if geomCols[tableKey][col.Name] {
				continue
			}
			pt, ok := propertyType(col.UDTName)
			if !ok {
				d.note(LevelDebug, qualified, "column %s of type %s is not published", col.Name, col.UDTName)
				continue
			}
			if pt == model.PropertyInteger {
				integerCols[col.Name] = true
			}
			if len(ov.Properties) > 0 && !slices.Contains(ov.Properties, col.Name) {
				continue
			}
			tbl.Properties = append(tbl.Properties, model.Property{Name: col.Name, Type: pt})
		}

		switch {
		case ov.IDColumn != "" && integerCols[ov.IDColumn]:
			tbl.IDColumn = ov.IDColumn
		case ov.IDColumn != "":
			d.warn(qualified, "id_column %s is not an integer column; features are published without ids", ov.IDColumn)
		case integerCols[pkByTable[tableKey]]:
			tbl.IDColumn = pkByTable[tableKey]
		}

		opts := d.opts.Defaults
		opts.Bounds = model.WorldBounds
		if d.opts.EstimateBounds && !g.Geography {
			b, err := d.in.EstimatedExtent(ctx, connector.GeometryColumn{
				Schema: g.Schema, Table: g.Table, Column: g.Column, SRID: srid,
			})
			if err != nil {
				d.note(LevelDebug, qualified, "bounds not estimated: %v", err)
			} else {
				opts.Bounds = clampBounds(b)
			}
		}
		opts = d.applyOverride(qualified, ov, hasOv, opts)

		c := &candidate{
			source: model.Source{Kind: model.SourceKindTable, Table: tbl, Options: opts},
			names:  tableNames(g.Schema, g.Table, g.Column),
		}
		if ov.ID != "" {
			c.source.ID = ov.ID
			c.fixed = true
		}
		cands = append(cands, c)
	}
	return cands, nil
}

func (d *discovery) functions(ctx context.Context) ([]*candidate, error) {
	routines, err := d.in.Functions(ctx)
	if err != nil {
		return nil, &DiscoveryError{Reason: "listing functions", Err: err}
	}

	var cands []*candidate
	for _, r := range routines {
		if !d.inScope(r.Schema) {
			continue
		}
		qualified := r.Schema + "." + r.Name

		var in, out []connector.RoutineParam
		for _, p := range r.Params {
			if p.IsInput() {
				in = append(in, p)
			}
			if p.IsOutput() {
				out = append(out, p)
			}
		}
		if len(in) < 3 || !query.IsCoordType(in[0].UDTName) || !query.IsCoordType(in[1].UDTName) || !query.IsCoordType(in[2].UDTName) {
			d.note(LevelDebug, qualified, "not a tile function: first three parameters must be integer z, x, y")
			continue
		}

		ov, hasOv := d.override(qualified)
		if ov.Hide {
			d.note(LevelInfo, qualified, "hidden by configuration")
			continue
		}

		fn := &model.FunctionSource{
			Schema:     r.Schema,
			Name:       r.Name,
			CoordTypes: [3]string{in[0].UDTName, in[1].UDTName, in[2].UDTName},
		}

		switch r.ReturnType {
		case "bytea":
			fn.ReturnKind = model.ReturnBytea
		case "record":
			if len(out) == 0 || out[0].UDTName != "bytea" || out[0].Name == "" {
				d.warn(qualified, "returns a record whose first column is not a named bytea")
				continue
			}
			fn.ReturnKind = model.ReturnRecord
			fn.ReturnColumn = out[0].Name
		case "geometry":
			fn.ReturnKind = model.ReturnGeometry
		default:
			d.warn(qualified, "return type %s is not bytea, record or geometry", r.ReturnType)
			continue
		}

		usable := true
		for _, p := range in[3:] {
			supported := p.Name != "" && query.IsParamType(p.UDTName)
			if supported {
				fn.Params = append(fn.Params, model.FunctionParam{Name: p.Name, Type: p.UDTName, HasDefault: p.HasDefault})
				continue
			}
			if p.HasDefault {
				d.note(LevelDebug, qualified, "parameter %q of type %s is left at its default", p.Name, p.UDTName)
				continue
			}
			d.warn(qualified, "parameter %q of type %s cannot be passed from a request", p.Name, p.UDTName)
			usable = false
			break
		}
		if !usable {
			continue
		}

		opts := d.applyOverride(qualified, ov, hasOv, d.opts.Defaults)
		if opts.Bounds == (orb.Bound{}) {
			opts.Bounds = model.WorldBounds
		}

		c := &candidate{
			source: model.Source{Kind: model.SourceKindFunction, Function: fn, Options: opts},
			names:  functionNames(r.Schema, r.Name),
		}
		if ov.ID != "" {
			c.source.ID = ov.ID
			c.fixed = true
		}
		cands = append(cands, c)
	}
	return cands, nil
}

// applyOverride layers ov onto opts and rejects a resulting zoom range that
// is out of order.
func (d *discovery) applyOverride(qualified string, ov model.SourceOverride, has bool, opts model.TileOptions) model.TileOptions {
	if !has {
		return opts
	}
	merged := ov.Apply(opts)
	if merged.MinZoom < 0 || merged.MaxZoom > model.MaxZoom || merged.MinZoom > merged.MaxZoom {
		d.warn(qualified, "zoom range %d-%d is invalid, keeping %d-%d", merged.MinZoom, merged.MaxZoom, opts.MinZoom, opts.MaxZoom)
		merged.MinZoom, merged.MaxZoom = opts.MinZoom, opts.MaxZoom
	}
	if merged.Extent <= 0 {
		merged.Extent = model.DefaultExtent
	}
	return merged
}

// geometryType maps a geometry_columns type to the published class. Measured
// variants (POINTM and the like) map like their plain counterparts.
func geometryType(t string) (model.GeometryType, bool) {
	t = strings.ToUpper(t)
	if strings.HasSuffix(t, "M") && t != "GEOMETRYM" {
		t = strings.TrimSuffix(t, "M")
	}
	switch t {
	case "POINT", "MULTIPOINT":
		return model.GeometryPoint, true
	case "LINESTRING", "MULTILINESTRING", "CIRCULARSTRING", "COMPOUNDCURVE", "MULTICURVE":
		return model.GeometryLine, true
	case "POLYGON", "MULTIPOLYGON", "CURVEPOLYGON", "MULTISURFACE":
		return model.GeometryPolygon, true
	case "GEOMETRY", "GEOMETRYM", "GEOMETRYCOLLECTION":
		return model.GeometryUnspecified, true
	}
	return "", false
}

// propertyType maps a column udt name to a property type.
func propertyType(udt string) (model.PropertyType, bool) {
	switch udt {
	case "text", "varchar", "bpchar", "char", "name", "citext":
		return model.PropertyText, true
	case "int2", "int4", "int8":
		return model.PropertyInteger, true
	case "float4", "float8", "numeric":
		return model.PropertyReal, true
	case "bool":
		return model.PropertyBoolean, true
	}
	return "", false
}

func clampBounds(b orb.Bound) orb.Bound {
	w := model.WorldBounds
	return orb.Bound{
		Min: orb.Point{max(b.Min[0], w.Min[0]), max(b.Min[1], w.Min[1])},
		Max: orb.Point{min(b.Max[0], w.Max[0]), min(b.Max[1], w.Max[1])},
	}
}

// IsDiscoveryError reports whether err is a fatal discovery failure.
func IsDiscoveryError(err error) bool {
	return errors.Is(err, ErrDiscovery)
}
