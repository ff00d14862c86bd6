package catalog

import (
	"context"
	"errors"

	"github.com/paulmach/orb"

	"github.com/faucetdb/tilefaucet/internal/connector"
)

// fakeDB is an in-memory Introspector.
type fakeDB struct {
	version  string
	geoms    []connector.GeometryColumn
	columns  []connector.Column
	pks      []connector.PrimaryKey
	routines []connector.Routine
	extents  map[string]orb.Bound
	failOn   string
}

var errIntrospect = errors.New("connection reset by peer")

func (f *fakeDB) fail(op string) error {
	if f.failOn == op {
		return errIntrospect
	}
	return nil
}

func (f *fakeDB) PostGISVersion(ctx context.Context) (string, error) {
	return f.version, f.fail("version")
}

func (f *fakeDB) GeometryColumns(ctx context.Context) ([]connector.GeometryColumn, error) {
	return f.geoms, f.fail("geoms")
}

func (f *fakeDB) Columns(ctx context.Context) ([]connector.Column, error) {
	return f.columns, f.fail("columns")
}

func (f *fakeDB) PrimaryKeys(ctx context.Context) ([]connector.PrimaryKey, error) {
	return f.pks, f.fail("pks")
}

func (f *fakeDB) Functions(ctx context.Context) ([]connector.Routine, error) {
	return f.routines, f.fail("functions")
}

func (f *fakeDB) EstimatedExtent(ctx context.Context, g connector.GeometryColumn) (orb.Bound, error) {
	b, ok := f.extents[g.Schema+"."+g.Table+"."+g.Column]
	if !ok {
		return orb.Bound{}, errors.New("no statistics")
	}
	return b, nil
}

func (f *fakeDB) addTable(schema, table, geom string, srid int, typ string, cols ...connector.Column) {
	f.geoms = append(f.geoms, connector.GeometryColumn{Schema: schema, Table: table, Column: geom, SRID: srid, Type: typ})
	f.columns = append(f.columns, connector.Column{Schema: schema, Table: table, Name: geom, UDTName: "geometry", Position: 100})
	for i, c := range cols {
		c.Schema, c.Table, c.Position = schema, table, i+1
		f.columns = append(f.columns, c)
	}
}

func col(name, udt string) connector.Column {
	return connector.Column{Name: name, UDTName: udt}
}

func in(name, udt string) connector.RoutineParam {
	return connector.RoutineParam{Mode: "IN", Name: name, UDTName: udt}
}

func tileFunc(schema, name, ret string, extra ...connector.RoutineParam) connector.Routine {
	params := []connector.RoutineParam{in("z", "int4"), in("x", "int4"), in("y", "int4")}
	params = append(params, extra...)
	for i := range params {
		params[i].Position = i + 1
	}
	return connector.Routine{Schema: schema, Name: name, SpecificName: name + "_1", ReturnType: ret, Params: params}
}
