package query

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/faucetdb/tilefaucet/internal/model"
)

// webMercatorSRID is the SRID ST_TileEnvelope works in.
const webMercatorSRID = 3857

// mvtGeomAlias names the encoded geometry column inside the tile subquery.
const mvtGeomAlias = "mvtgeom"

// Statement is a parameterized SQL query returning a single bytea tile.
type Statement struct {
	SQL  string
	Args []any
}

// argList collects bound arguments and hands out typed $n placeholders.
type argList struct {
	args []any
}

func (a *argList) add(v any, cast string) string {
	a.args = append(a.args, v)
	return "$" + strconv.Itoa(len(a.args)) + "::" + cast
}

// Build returns the statement rendering coord for src. Request parameters are
// only consulted for function sources.
func Build(src model.Source, coord model.TileCoord, params url.Values) (Statement, error) {
	switch src.Kind {
	case model.SourceKindTable:
		if src.Table == nil {
			return Statement{}, fmt.Errorf("source %q: missing table descriptor", src.ID)
		}
		return buildTable(src, coord)
	case model.SourceKindFunction:
		if src.Function == nil {
			return Statement{}, fmt.Errorf("source %q: missing function descriptor", src.ID)
		}
		return buildFunction(src, coord, params)
	}
	return Statement{}, fmt.Errorf("source %q: unknown source kind %q", src.ID, src.Kind)
}

// tileArgs binds the coordinate, extent and buffer shared by every encoded
// geometry query.
type tileArgs struct {
	z, x, y        string
	extent, buffer string
}

func bindTile(args *argList, src model.Source, coord model.TileCoord) tileArgs {
	extent := src.Options.Extent
	if extent <= 0 {
		extent = model.DefaultExtent
	}
	return tileArgs{
		z:      args.add(coord.Z, "integer"),
		x:      args.add(coord.X, "integer"),
		y:      args.add(coord.Y, "integer"),
		extent: args.add(extent, "integer"),
		buffer: args.add(src.Options.Policy.BufferAt(coord.Z), "integer"),
	}
}

func (t tileArgs) envelope() string {
	return "ST_TileEnvelope(" + t.z + ", " + t.x + ", " + t.y + ")"
}

func buildTable(src model.Source, coord model.TileCoord) (Statement, error) {
	tbl := src.Table
	if err := ValidateIdentifiers(tbl.Schema, tbl.Table, tbl.GeometryColumn); err != nil {
		return Statement{}, fmt.Errorf("source %q: %w", src.ID, err)
	}

	extent := src.Options.Extent
	if extent <= 0 {
		extent = model.DefaultExtent
	}
	buffer := src.Options.Policy.BufferAt(coord.Z)

	args := &argList{}
	t := bindTile(args, src, coord)
	layer := args.add(src.ID, "text")

	column := QuoteIdentifier(tbl.GeometryColumn)
	if tbl.Geography {
		column += "::geometry"
	}

	// Geometry as written into the tile.
	geom := "ST_CurveToLine(" + column + ")"
	if tbl.SRID != webMercatorSRID {
		geom = "ST_Transform(" + geom + ", " + strconv.Itoa(webMercatorSRID) + ")"
	}
	if tol := src.Options.Policy.ToleranceAt(coord.Z); tol > 0 {
		metres := tol * model.TileWidth(coord.Z) / float64(extent)
		geom = "ST_SimplifyPreserveTopology(" + geom + ", " + args.add(metres, "float8") + ")"
	}

	// Index-friendly filter in the source SRID, widened by the buffer.
	margin := float64(buffer) / float64(extent)
	filterEnv := "ST_TileEnvelope(" + t.z + ", " + t.x + ", " + t.y + ", margin => " + args.add(margin, "float8") + ")"
	if tbl.SRID != webMercatorSRID {
		filterEnv = "ST_Transform(" + filterEnv + ", " + args.add(tbl.SRID, "integer") + ")"
	}

	clip := "false"
	if src.Options.Clip {
		clip = "true"
	}

	var cols []string
	cols = append(cols, "ST_AsMVTGeom("+geom+", "+t.envelope()+", "+t.extent+", "+t.buffer+", "+clip+") AS "+mvtGeomAlias)

	idArg := ""
	if tbl.IDColumn != "" {
		if err := ValidateIdentifier(tbl.IDColumn); err != nil {
			return Statement{}, fmt.Errorf("source %q: %w", src.ID, err)
		}
		cols = append(cols, QuoteIdentifier(tbl.IDColumn))
		idArg = ", " + args.add(tbl.IDColumn, "text")
	}
	for _, p := range tbl.Properties {
		if p.Name == tbl.IDColumn || p.Name == mvtGeomAlias {
			continue
		}
		if err := ValidateIdentifier(p.Name); err != nil {
			return Statement{}, fmt.Errorf("source %q: %w", src.ID, err)
		}
		cols = append(cols, QuoteIdentifier(p.Name))
	}

	var b strings.Builder
	b.WriteString("SELECT ST_AsMVT(tile, ")
	b.WriteString(layer)
	b.WriteString(", ")
	b.WriteString(t.extent)
	b.WriteString(", '" + mvtGeomAlias + "'")
	b.WriteString(idArg)
	b.WriteString(") FROM (SELECT ")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(" FROM ")
	b.WriteString(QuoteQualified(tbl.Schema, tbl.Table))
	b.WriteString(" WHERE ")
	b.WriteString(column)
	b.WriteString(" && ")
	b.WriteString(filterEnv)
	b.WriteString(") AS tile")

	return Statement{SQL: b.String(), Args: args.args}, nil
}

func buildFunction(src model.Source, coord model.TileCoord, params url.Values) (Statement, error) {
	fn := src.Function
	if err := ValidateIdentifiers(fn.Schema, fn.Name); err != nil {
		return Statement{}, fmt.Errorf("source %q: %w", src.ID, err)
	}
	for i, typ := range fn.CoordTypes {
		if !IsCoordType(typ) {
			return Statement{}, fmt.Errorf("source %q: coordinate parameter %d has unsupported type %q", src.ID, i+1, typ)
		}
	}
	for _, p := range fn.Params {
		if !IsParamType(p.Type) {
			return Statement{}, fmt.Errorf("source %q: parameter %q has unsupported type %q", src.ID, p.Name, p.Type)
		}
		if err := ValidateIdentifier(p.Name); err != nil {
			return Statement{}, fmt.Errorf("source %q: %w", src.ID, err)
		}
	}

	args := &argList{}
	callArgs := []string{
		args.add(coord.Z, fn.CoordTypes[0]),
		args.add(coord.X, fn.CoordTypes[1]),
		args.add(coord.Y, fn.CoordTypes[2]),
	}
	named, err := functionArgs(src, params, args)
	if err != nil {
		return Statement{}, err
	}
	callArgs = append(callArgs, named...)
	call := QuoteQualified(fn.Schema, fn.Name) + "(" + strings.Join(callArgs, ", ") + ")"

	switch fn.ReturnKind {
	case model.ReturnBytea:
		return Statement{SQL: "SELECT " + call, Args: args.args}, nil

	case model.ReturnRecord:
		if err := ValidateIdentifier(fn.ReturnColumn); err != nil {
			return Statement{}, fmt.Errorf("source %q: %w", src.ID, err)
		}
		return Statement{
			SQL:  "SELECT t." + QuoteIdentifier(fn.ReturnColumn) + " FROM " + call + " AS t",
			Args: args.args,
		}, nil

	case model.ReturnGeometry:
		// The function hands back bare geometries; encode them as a single
		// layer named after the source.
		t := bindTile(args, src, coord)
		layer := args.add(src.ID, "text")
		clip := "false"
		if src.Options.Clip {
			clip = "true"
		}
		geom := "ST_Transform(ST_CurveToLine(g.fgeom), " + strconv.Itoa(webMercatorSRID) + ")"
		sql := "SELECT ST_AsMVT(tile, " + layer + ", " + t.extent + ", '" + mvtGeomAlias + "') FROM (" +
			"SELECT ST_AsMVTGeom(" + geom + ", " + t.envelope() + ", " + t.extent + ", " + t.buffer + ", " + clip + ") AS " + mvtGeomAlias +
			" FROM " + call + " AS g(fgeom)) AS tile"
		return Statement{SQL: sql, Args: args.args}, nil
	}
	return Statement{}, fmt.Errorf("source %q: unsupported return kind %q", src.ID, fn.ReturnKind)
}
