package catalog

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/paulmach/orb"

	"github.com/faucetdb/tilefaucet/internal/connector"
	"github.com/faucetdb/tilefaucet/internal/model"
)

func ids(c *Catalog) []string {
	var out []string
	for _, s := range c.Sources() {
		out = append(out, s.ID)
	}
	return out
}

func hasDiagnostic(c *Catalog, source, fragment string) bool {
	for _, d := range c.Diagnostics() {
		if d.Source == source && strings.Contains(d.Message, fragment) {
			return true
		}
	}
	return false
}

func discover(t *testing.T, db *fakeDB, opts Options) *Catalog {
	t.Helper()
	c, err := Discover(context.Background(), db, opts)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	return c
}

func TestDiscover_TablesAndIdentifiers(t *testing.T) {
	db := &fakeDB{version: "3.4.2"}
	db.addTable("public", "roads", "geom", 4326, "MULTILINESTRING", col("gid", "int4"), col("name", "varchar"))
	db.addTable("transport", "roads", "geom", 3857, "LINESTRING", col("name", "text"))
	db.addTable("public", "contours", "geom", 3857, "LINESTRING", col("elevation", "float8"))
	db.pks = []connector.PrimaryKey{{Schema: "public", Table: "roads", Column: "gid"}}

	c := discover(t, db, DefaultOptions())

	want := []string{"contours", "public.roads", "transport.roads"}
	if got := ids(c); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	if c.Conflicted("roads") {
		t.Error("roads should be resolved by schema qualification, not conflicted")
	}
	if _, ok := c.Lookup("roads"); ok {
		t.Error("bare roads should not be servable")
	}

	roads, _ := c.Lookup("public.roads")
	if roads.Table.IDColumn != "gid" {
		t.Errorf("IDColumn = %q, want gid", roads.Table.IDColumn)
	}
	if roads.Table.GeometryType != model.GeometryLine {
		t.Errorf("GeometryType = %s", roads.Table.GeometryType)
	}
	wantProps := []model.Property{{Name: "gid", Type: model.PropertyInteger}, {Name: "name", Type: model.PropertyText}}
	if len(roads.Table.Properties) != 2 || roads.Table.Properties[0] != wantProps[0] || roads.Table.Properties[1] != wantProps[1] {
		t.Errorf("Properties = %+v", roads.Table.Properties)
	}
	if roads.Options.Extent != 4096 || !roads.Options.Clip || roads.Options.MaxZoom != 22 {
		t.Errorf("defaults not applied: %+v", roads.Options)
	}
	if roads.Options.Bounds != model.WorldBounds {
		t.Errorf("Bounds = %v, want world", roads.Options.Bounds)
	}
	if c.PostGISVersion() != "3.4.2" {
		t.Errorf("PostGISVersion = %q", c.PostGISVersion())
	}
}

func TestDiscover_MultipleGeometryColumns(t *testing.T) {
	db := &fakeDB{version: "3.4.2"}
	db.addTable("public", "places", "geom", 4326, "POINT")
	db.geoms = append(db.geoms, connector.GeometryColumn{Schema: "public", Table: "places", Column: "footprint", SRID: 4326, Type: "POLYGON"})
	db.addTable("other", "places", "geom", 4326, "POINT")

	c := discover(t, db, DefaultOptions())
	want := []string{"other.places", "public.places.footprint", "public.places.geom"}
	if got := ids(c); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("ids = %v, want %v", got, want)
	}

	footprint, _ := c.Lookup("public.places.footprint")
	for _, p := range footprint.Table.Properties {
		if p.Name == "geom" {
			t.Error("other geometry columns must not be published as properties")
		}
	}
}

func TestDiscover_OverloadedFunctionsConflict(t *testing.T) {
	db := &fakeDB{version: "3.4.2"}
	a := tileFunc("public", "tiles", "bytea")
	b := tileFunc("public", "tiles", "bytea", in("layer", "text"))
	b.SpecificName = "tiles_2"
	db.routines = []connector.Routine{a, b}
	db.addTable("public", "water", "geom", 3857, "POLYGON")

	c := discover(t, db, DefaultOptions())

	if !c.Conflicted("public.tiles") {
		t.Fatal("expected public.tiles to be conflicted")
	}
	if _, ok := c.Lookup("public.tiles"); ok {
		t.Error("conflicted identifier must not be servable")
	}
	if _, ok := c.Lookup("water"); !ok {
		t.Error("unrelated sources must still be served")
	}
	if names := c.Conflicts()["public.tiles"]; len(names) != 2 {
		t.Errorf("claimants = %v", names)
	}
}

func TestDiscover_SRIDZero(t *testing.T) {
	db := &fakeDB{version: "3.4.2"}
	db.addTable("public", "legacy", "geom", 0, "POINT")

	c := discover(t, db, DefaultOptions())
	if c.Len() != 0 {
		t.Fatalf("expected SRID 0 table to be skipped, got %v", ids(c))
	}
	if !hasDiagnostic(c, "public.legacy.geom", "SRID 0") {
		t.Errorf("missing SRID diagnostic: %+v", c.Diagnostics())
	}

	opts := DefaultOptions()
	opts.DefaultSRID = 4326
	c = discover(t, db, opts)
	src, ok := c.Lookup("legacy")
	if !ok || src.Table.SRID != 4326 {
		t.Fatalf("expected legacy with default SRID, got %+v", src)
	}

	opts = DefaultOptions()
	opts.Overrides = map[string]model.SourceOverride{"public.legacy": {SRID: 2056}}
	c = discover(t, db, opts)
	if src, _ := c.Lookup("legacy"); src.Table == nil || src.Table.SRID != 2056 {
		t.Errorf("per-source SRID not applied: %+v", src)
	}
}

func TestDiscover_GeometryTypes(t *testing.T) {
	tests := []struct {
		typ  string
		want model.GeometryType
		ok   bool
	}{
		{"POINT", model.GeometryPoint, true},
		{"MULTIPOINTM", model.GeometryPoint, true},
		{"CircularString", model.GeometryLine, true},
		{"COMPOUNDCURVE", model.GeometryLine, true},
		{"CURVEPOLYGON", model.GeometryPolygon, true},
		{"MULTISURFACE", model.GeometryPolygon, true},
		{"GEOMETRY", model.GeometryUnspecified, true},
		{"GEOMETRYCOLLECTION", model.GeometryUnspecified, true},
		{"TIN", "", false},
		{"TRIANGLE", "", false},
		{"POLYHEDRALSURFACE", "", false},
	}
	for _, tt := range tests {
		got, ok := geometryType(tt.typ)
		if ok != tt.ok || got != tt.want {
			t.Errorf("geometryType(%q) = %q, %v; want %q, %v", tt.typ, got, ok, tt.want, tt.ok)
		}
	}
}

func TestDiscover_UnsupportedGeometrySkipped(t *testing.T) {
	db := &fakeDB{version: "3.4.2"}
	db.addTable("public", "terrain", "geom", 3857, "TIN")
	db.addTable("public", "parcels", "geom", 3857, "MULTIPOLYGON")

	c := discover(t, db, DefaultOptions())
	if got := ids(c); len(got) != 1 || got[0] != "parcels" {
		t.Errorf("ids = %v", got)
	}
	if !hasDiagnostic(c, "public.terrain.geom", "TIN") {
		t.Errorf("missing diagnostic for TIN: %+v", c.Diagnostics())
	}
}

func TestDiscover_PropertyTypes(t *testing.T) {
	db := &fakeDB{version: "3.4.2"}
	db.addTable("public", "poi", "geom", 3857, "POINT",
		col("name", "text"), col("rank", "int8"), col("score", "numeric"),
		col("open", "bool"), col("tags", "jsonb"), col("updated", "timestamptz"))

	c := discover(t, db, DefaultOptions())
	poi, _ := c.Lookup("poi")
	got := map[string]model.PropertyType{}
	for _, p := range poi.Table.Properties {
		got[p.Name] = p.Type
	}
	want := map[string]model.PropertyType{
		"name": model.PropertyText, "rank": model.PropertyInteger,
		"score": model.PropertyReal, "open": model.PropertyBoolean,
	}
	if len(got) != len(want) {
		t.Fatalf("properties = %v", got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %s, want %s", k, got[k], v)
		}
	}
	if poi.Table.IDColumn != "" {
		t.Error("no primary key means no id column")
	}
}

func TestDiscover_Functions(t *testing.T) {
	db := &fakeDB{version: "3.4.2"}
	record := tileFunc("public", "with_record", "record",
		connector.RoutineParam{Mode: "OUT", Name: "mvt", UDTName: "bytea"},
		connector.RoutineParam{Mode: "OUT", Name: "size", UDTName: "int4"})
	filtered := tileFunc("public", "filtered", "bytea",
		in("name", "text"),
		connector.RoutineParam{Mode: "IN", Name: "opts", UDTName: "hstore", HasDefault: true},
		connector.RoutineParam{Mode: "IN", Name: "query_params", UDTName: "jsonb", HasDefault: true})
	db.routines = []connector.Routine{
		tileFunc("public", "plain", "bytea"),
		record,
		filtered,
		tileFunc("public", "points", "geometry"),
		tileFunc("public", "wrong_return", "text"),
		tileFunc("public", "needs_hstore", "bytea", in("opts", "hstore")),
		tileFunc("public", "bad_record", "record", connector.RoutineParam{Mode: "OUT", Name: "n", UDTName: "int4"}),
		{Schema: "public", Name: "helper", ReturnType: "int4", Params: []connector.RoutineParam{in("a", "text")}},
		{Schema: "public", Name: "floaty", ReturnType: "bytea", Params: []connector.RoutineParam{in("z", "float8"), in("x", "int4"), in("y", "int4")}},
	}

	c := discover(t, db, DefaultOptions())

	want := []string{"filtered", "plain", "points", "with_record"}
	if got := ids(c); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("ids = %v, want %v", got, want)
	}

	rec, _ := c.Lookup("with_record")
	if rec.Function.ReturnKind != model.ReturnRecord || rec.Function.ReturnColumn != "mvt" {
		t.Errorf("record function = %+v", rec.Function)
	}
	f, _ := c.Lookup("filtered")
	if len(f.Function.Params) != 2 || f.Function.Params[0].Name != "name" || f.Function.Params[1].Type != "jsonb" {
		t.Errorf("filtered params = %+v", f.Function.Params)
	}
	if f.Function.CoordTypes != [3]string{"int4", "int4", "int4"} {
		t.Errorf("coord types = %v", f.Function.CoordTypes)
	}
	pts, _ := c.Lookup("points")
	if pts.Function.ReturnKind != model.ReturnGeometry || pts.Options.Bounds != model.WorldBounds {
		t.Errorf("points = %+v", pts)
	}

	for _, name := range []string{"public.wrong_return", "public.needs_hstore", "public.bad_record"} {
		found := false
		for _, d := range c.Diagnostics() {
			if d.Source == name && d.Level == LevelWarn {
				found = true
			}
		}
		if !found {
			t.Errorf("expected a warning for %s", name)
		}
	}
	if !hasDiagnostic(c, "public.helper", "not a tile function") {
		t.Error("non-tile functions should be noted at debug level")
	}
}

func TestDiscover_Overrides(t *testing.T) {
	db := &fakeDB{version: "3.4.2"}
	db.addTable("public", "roads", "geom", 3857, "LINESTRING", col("gid", "int8"), col("name", "text"), col("ref", "text"))
	db.addTable("public", "secret", "geom", 3857, "POINT")
	db.routines = []connector.Routine{tileFunc("public", "heat", "bytea")}

	minZ, maxZ, buf := 4, 16, 256
	clip := false
	opts := DefaultOptions()
	opts.Overrides = map[string]model.SourceOverride{
		"public.roads.geom": {
			ID: "streets", MinZoom: &minZ, MaxZoom: &maxZ, Clip: &clip, Buffer: &buf,
			Properties: []string{"name"}, IDColumn: "gid", Attribution: "© contributors",
			Bounds: &[4]float64{5, 45, 11, 48},
		},
		"public.secret": {Hide: true},
		"public.heat":   {ID: "streets"},
	}

	c := discover(t, db, opts)

	if !c.Conflicted("streets") {
		t.Fatal("two overrides choosing the same id must conflict")
	}
	if _, ok := c.Lookup("secret"); ok {
		t.Error("hidden source must not be served")
	}

	delete(opts.Overrides, "public.heat")
	c = discover(t, db, opts)
	s, ok := c.Lookup("streets")
	if !ok {
		t.Fatalf("override id not applied: %v", ids(c))
	}
	if s.Options.MinZoom != 4 || s.Options.MaxZoom != 16 || s.Options.Clip || s.Options.Policy.Buffer != 256 {
		t.Errorf("options = %+v", s.Options)
	}
	if len(s.Table.Properties) != 1 || s.Table.Properties[0].Name != "name" {
		t.Errorf("properties = %+v", s.Table.Properties)
	}
	if s.Table.IDColumn != "gid" {
		t.Errorf("IDColumn = %q", s.Table.IDColumn)
	}
	wantBounds := orb.Bound{Min: orb.Point{5, 45}, Max: orb.Point{11, 48}}
	if s.Options.Bounds != wantBounds {
		t.Errorf("Bounds = %v", s.Options.Bounds)
	}
	if _, ok := c.Lookup("heat"); !ok {
		t.Error("function without override should keep its bare name")
	}
}

func TestDiscover_OverrideTakesNameFromDiscovered(t *testing.T) {
	db := &fakeDB{version: "3.4.2"}
	db.addTable("public", "roads", "geom", 3857, "LINESTRING")
	db.addTable("public", "highways", "geom", 3857, "LINESTRING")

	opts := DefaultOptions()
	opts.Overrides = map[string]model.SourceOverride{"public.highways": {ID: "roads"}}
	c := discover(t, db, opts)

	hw, ok := c.Lookup("roads")
	if !ok || hw.Table.Table != "highways" {
		t.Fatalf("override should win the bare name, got %+v", hw)
	}
	if _, ok := c.Lookup("public.roads"); !ok {
		t.Errorf("discovered roads should move to its qualified name, ids = %v", ids(c))
	}
}

func TestDiscover_InvalidZoomOverride(t *testing.T) {
	db := &fakeDB{version: "3.4.2"}
	db.addTable("public", "roads", "geom", 3857, "LINESTRING")
	minZ, maxZ := 10, 5
	opts := DefaultOptions()
	opts.Overrides = map[string]model.SourceOverride{"public.roads": {MinZoom: &minZ, MaxZoom: &maxZ}}

	c := discover(t, db, opts)
	s, _ := c.Lookup("roads")
	if s.Options.MinZoom != 0 || s.Options.MaxZoom != 22 {
		t.Errorf("invalid zoom range should fall back, got %d-%d", s.Options.MinZoom, s.Options.MaxZoom)
	}
	if !hasDiagnostic(c, "public.roads.geom", "invalid") {
		t.Error("expected a diagnostic for the invalid zoom range")
	}
}

func TestDiscover_ReservedAndInvalidIdentifiers(t *testing.T) {
	db := &fakeDB{version: "3.4.2"}
	db.addTable("public", "catalog", "geom", 3857, "POINT")
	db.addTable("public", "a/b", "geom", 3857, "POINT")

	opts := DefaultOptions()
	opts.Reserved = []string{"catalog", "healthz"}
	c := discover(t, db, opts)

	if _, ok := c.Lookup("catalog"); ok {
		t.Error("reserved identifier must not be assigned")
	}
	if _, ok := c.Lookup("public.catalog"); !ok {
		t.Errorf("reserved name should be qualified, ids = %v", ids(c))
	}
	for _, id := range ids(c) {
		if strings.ContainsAny(id, ",/") {
			t.Errorf("identifier %q contains a separator", id)
		}
	}
}

func TestDiscover_SchemaFilterAndSkips(t *testing.T) {
	db := &fakeDB{version: "3.4.2"}
	db.addTable("public", "roads", "geom", 3857, "LINESTRING")
	db.addTable("staging", "roads_new", "geom", 3857, "LINESTRING")
	db.routines = []connector.Routine{tileFunc("public", "heat", "bytea")}

	opts := DefaultOptions()
	opts.Schemas = []string{"public"}
	c := discover(t, db, opts)
	if got := ids(c); strings.Join(got, ",") != "heat,roads" {
		t.Errorf("ids = %v", got)
	}

	opts.SkipFunctions = true
	c = discover(t, db, opts)
	if got := ids(c); strings.Join(got, ",") != "roads" {
		t.Errorf("ids = %v", got)
	}
}

func TestDiscover_EstimateBounds(t *testing.T) {
	db := &fakeDB{version: "3.4.2", extents: map[string]orb.Bound{
		"public.roads.geom": {Min: orb.Point{-200, 10}, Max: orb.Point{20, 89}},
	}}
	db.addTable("public", "roads", "geom", 4326, "LINESTRING")
	db.addTable("public", "rivers", "geom", 4326, "LINESTRING")

	opts := DefaultOptions()
	opts.EstimateBounds = true
	c := discover(t, db, opts)

	roads, _ := c.Lookup("roads")
	want := orb.Bound{Min: orb.Point{-180, 10}, Max: orb.Point{20, model.WorldBounds.Max[1]}}
	if roads.Options.Bounds != want {
		t.Errorf("roads bounds = %v, want %v", roads.Options.Bounds, want)
	}
	rivers, _ := c.Lookup("rivers")
	if rivers.Options.Bounds != model.WorldBounds {
		t.Errorf("estimation failure should fall back to world bounds, got %v", rivers.Options.Bounds)
	}
}

func TestDiscover_Errors(t *testing.T) {
	tests := []struct {
		name string
		db   *fakeDB
		opts Options
	}{
		{"postgis missing", &fakeDB{}, DefaultOptions()},
		{"version query fails", &fakeDB{version: "3.4", failOn: "version"}, DefaultOptions()},
		{"geometry columns fail", &fakeDB{version: "3.4", failOn: "geoms"}, DefaultOptions()},
		{"functions fail", &fakeDB{version: "3.4", failOn: "functions"}, DefaultOptions()},
		{"empty with fail_on_empty", &fakeDB{version: "3.4"}, Options{FailOnEmpty: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Discover(context.Background(), tt.db, tt.opts)
			if !errors.Is(err, ErrDiscovery) {
				t.Fatalf("expected ErrDiscovery, got %v", err)
			}
			var de *DiscoveryError
			if !errors.As(err, &de) {
				t.Fatalf("expected *DiscoveryError, got %T", err)
			}
			if tt.db.failOn != "" && !errors.Is(err, errIntrospect) {
				t.Error("introspection error should be wrapped")
			}
		})
	}
}

func TestDiscover_EmptyIsAWarning(t *testing.T) {
	c := discover(t, &fakeDB{version: "3.4"}, DefaultOptions())
	if c.Len() != 0 {
		t.Fatal("expected no sources")
	}
	found := false
	for _, d := range c.Diagnostics() {
		if d.Level == LevelWarn && strings.Contains(d.Message, "no servable") {
			found = true
		}
	}
	if !found {
		t.Error("expected a warning about the empty catalog")
	}
}

func TestDiscover_Deterministic(t *testing.T) {
	build := func() *fakeDB {
		db := &fakeDB{version: "3.4.2"}
		db.addTable("b", "roads", "geom", 3857, "LINESTRING")
		db.addTable("a", "roads", "geom", 3857, "LINESTRING")
		db.addTable("a", "roads", "geom2", 3857, "LINESTRING")
		return db
	}
	first := ids(discover(t, build(), DefaultOptions()))
	db := build()
	slices.Reverse(db.geoms)
	second := ids(discover(t, db, DefaultOptions()))
	if strings.Join(first, ",") != strings.Join(second, ",") {
		t.Errorf("identifiers depend on introspection order: %v vs %v", first, second)
	}
	want := "a.roads.geom,a.roads.geom2,b.roads"
	if strings.Join(first, ",") != want {
		t.Errorf("ids = %v, want %s", first, want)
	}
}

func TestDiscover_Archives(t *testing.T) {
	db := &fakeDB{version: "3.4.2"}
	db.addTable("public", "basemap", "geom", 3857, "POLYGON")
	db.addTable("public", "roads", "geom", 3857, "LINESTRING")

	basemap := model.Source{
		ID:      "basemap",
		Kind:    model.SourceKindPMTiles,
		Archive: &model.ArchiveSource{Path: "/data/planet.pmtiles", Format: model.FormatMVT},
		Options: model.TileOptions{MaxZoom: 14, Bounds: model.WorldBounds},
	}
	hidden := basemap
	hidden.ID = "terrain"
	hidden.Archive = &model.ArchiveSource{Path: "/data/terrain.pmtiles", Format: model.FormatPNG}

	opts := DefaultOptions()
	opts.Archives = []model.Source{basemap, hidden}
	opts.Overrides = map[string]model.SourceOverride{"terrain": {Hide: true}}
	c := discover(t, db, opts)

	got, ok := c.Lookup("basemap")
	if !ok || got.Kind != model.SourceKindPMTiles || got.Archive.Path != "/data/planet.pmtiles" {
		t.Fatalf("archive should keep its id, got %+v", got)
	}
	if _, ok := c.Lookup("public.basemap"); !ok {
		t.Errorf("table should move to its qualified name, ids = %v", ids(c))
	}
	if _, ok := c.Lookup("terrain"); ok {
		t.Error("hidden archive should not be served")
	}
	if _, ok := c.Lookup("roads"); !ok {
		t.Error("unrelated table should keep its bare name")
	}
}

func TestDiscover_ArchivesOnly(t *testing.T) {
	opts := DefaultOptions()
	opts.FailOnEmpty = true
	opts.Archives = []model.Source{{
		ID:      "basemap",
		Kind:    model.SourceKindPMTiles,
		Archive: &model.ArchiveSource{Path: "/data/planet.pmtiles", Format: model.FormatMVT},
	}}
	c := discover(t, &fakeDB{version: "3.4.2"}, opts)
	if got := ids(c); len(got) != 1 || got[0] != "basemap" {
		t.Errorf("ids = %v", got)
	}
}
