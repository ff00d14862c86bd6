package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/paulmach/orb"

	"github.com/faucetdb/tilefaucet/internal/connector"
)

// systemSchemaFilter excludes schemas that never hold tile sources.
const systemSchemaFilter = `NOT IN ('pg_catalog', 'information_schema', 'topology', 'tiger')`

// routineRow holds one row of information_schema.routines. Parameters are
// fetched separately and attached by specific name.
type routineRow struct {
	connector.Routine
}

// paramRow holds one row of information_schema.parameters.
type paramRow struct {
	Schema       string `db:"specific_schema"`
	SpecificName string `db:"specific_name"`
	connector.RoutineParam
}

// extentRow holds an estimated extent in EPSG:4326.
type extentRow struct {
	XMin sql.NullFloat64 `db:"xmin"`
	YMin sql.NullFloat64 `db:"ymin"`
	XMax sql.NullFloat64 `db:"xmax"`
	YMax sql.NullFloat64 `db:"ymax"`
}

// ErrNoExtent is returned by EstimatedExtent when the planner has no
// statistics for the column.
var ErrNoExtent = errors.New("no estimated extent available")

// PostGISVersion returns the installed PostGIS extension version, or an
// empty string when the extension is not installed.
func (c *PostgresConnector) PostGISVersion(ctx context.Context) (string, error) {
	const query = `SELECT extversion FROM pg_extension WHERE extname = 'postgis'`

	var version string
	err := c.db.GetContext(ctx, &version, query)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query postgis version: %w", err)
	}
	return version, nil
}

// GeometryColumns lists every registered geometry and geography column.
func (c *PostgresConnector) GeometryColumns(ctx context.Context) ([]connector.GeometryColumn, error) {
	query := `SELECT f_table_schema, f_table_name, f_geometry_column, srid, type, false AS geography
		FROM geometry_columns
		WHERE f_table_schema ` + systemSchemaFilter + `
		UNION ALL
		SELECT f_table_schema, f_table_name, f_geography_column, srid, type, true AS geography
		FROM geography_columns
		WHERE f_table_schema ` + systemSchemaFilter + `
		ORDER BY 1, 2, 3`

	var rows []connector.GeometryColumn
	if err := c.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("query geometry columns: %w", err)
	}
	return rows, nil
}

// Columns lists the columns of every user table and view.
func (c *PostgresConnector) Columns(ctx context.Context) ([]connector.Column, error) {
	query := `SELECT table_schema, table_name, column_name, udt_name, ordinal_position
		FROM information_schema.columns
		WHERE table_schema ` + systemSchemaFilter + `
		ORDER BY table_schema, table_name, ordinal_position`

	var rows []connector.Column
	if err := c.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	return rows, nil
}

// PrimaryKeys lists primary keys that consist of exactly one column.
func (c *PostgresConnector) PrimaryKeys(ctx context.Context) ([]connector.PrimaryKey, error) {
	query := `SELECT kcu.table_schema, kcu.table_name, MIN(kcu.column_name) AS column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
			AND tc.table_name = kcu.table_name
		WHERE tc.constraint_type = 'PRIMARY KEY'
			AND tc.table_schema ` + systemSchemaFilter + `
		GROUP BY kcu.table_schema, kcu.table_name
		HAVING COUNT(*) = 1`

	var rows []connector.PrimaryKey
	if err := c.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("query primary keys: %w", err)
	}
	return rows, nil
}

// Functions lists user functions with their parameters attached.
func (c *PostgresConnector) Functions(ctx context.Context) ([]connector.Routine, error) {
	routineQuery := `SELECT routine_schema, routine_name, specific_name, type_udt_name
		FROM information_schema.routines
		WHERE routine_type = 'FUNCTION'
			AND routine_schema ` + systemSchemaFilter + `
		ORDER BY routine_schema, routine_name, specific_name`

	var routines []routineRow
	if err := c.db.SelectContext(ctx, &routines, routineQuery); err != nil {
		return nil, fmt.Errorf("query routines: %w", err)
	}

	paramQuery := `SELECT specific_schema, specific_name, ordinal_position, parameter_mode,
			COALESCE(parameter_name, '') AS parameter_name, udt_name,
			parameter_default IS NOT NULL AS has_default
		FROM information_schema.parameters
		WHERE specific_schema ` + systemSchemaFilter + `
		ORDER BY specific_schema, specific_name, ordinal_position`

	var params []paramRow
	if err := c.db.SelectContext(ctx, &params, paramQuery); err != nil {
		return nil, fmt.Errorf("query routine parameters: %w", err)
	}

	type key struct{ schema, specific string }
	byRoutine := make(map[key][]connector.RoutineParam)
	for _, p := range params {
		k := key{p.Schema, p.SpecificName}
		byRoutine[k] = append(byRoutine[k], p.RoutineParam)
	}

	result := make([]connector.Routine, 0, len(routines))
	for _, r := range routines {
		rt := r.Routine
		rt.Params = byRoutine[key{rt.Schema, rt.SpecificName}]
		result = append(result, rt)
	}
	return result, nil
}

// EstimatedExtent returns the planner's estimate of a geometry column's
// extent, reprojected to EPSG:4326.
func (c *PostgresConnector) EstimatedExtent(ctx context.Context, g connector.GeometryColumn) (orb.Bound, error) {
	const query = `SELECT ST_XMin(e) AS xmin, ST_YMin(e) AS ymin, ST_XMax(e) AS xmax, ST_YMax(e) AS ymax
		FROM (
			SELECT ST_Transform(ST_SetSRID(ST_EstimatedExtent($1, $2, $3)::geometry, $4::integer), 4326) AS e
		) AS extent`

	var row extentRow
	if err := c.db.GetContext(ctx, &row, query, g.Schema, g.Table, g.Column, g.SRID); err != nil {
		return orb.Bound{}, fmt.Errorf("estimate extent of %s.%s.%s: %w", g.Schema, g.Table, g.Column, err)
	}
	if !row.XMin.Valid || !row.YMin.Valid || !row.XMax.Valid || !row.YMax.Valid {
		return orb.Bound{}, ErrNoExtent
	}
	return orb.Bound{
		Min: orb.Point{row.XMin.Float64, row.YMin.Float64},
		Max: orb.Point{row.XMax.Float64, row.YMax.Float64},
	}, nil
}
