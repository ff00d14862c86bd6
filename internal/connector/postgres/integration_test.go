package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/faucetdb/tilefaucet/internal/connector"
	"github.com/faucetdb/tilefaucet/internal/connector/postgres"
)

func TestMain(m *testing.M) {
	if os.Getenv("TILEFAUCET_INTEGRATION") == "" || os.Getenv("DATABASE_URL") == "" {
		fmt.Println("skipping integration tests: set TILEFAUCET_INTEGRATION=1 and DATABASE_URL to run")
		os.Exit(0)
	}
	os.Exit(m.Run())
}

const fixture = `
CREATE EXTENSION IF NOT EXISTS postgis;
DROP SCHEMA IF EXISTS tf_it CASCADE;
CREATE SCHEMA tf_it;
CREATE TABLE tf_it.roads (
	gid integer PRIMARY KEY,
	name text,
	lanes int4,
	geom geometry(LineString, 4326)
);
INSERT INTO tf_it.roads VALUES (1, 'Main', 2, ST_GeomFromText('LINESTRING(0 0, 1 1)', 4326));
CREATE FUNCTION tf_it.filtered(z integer, x integer, y integer, name text DEFAULT 'x')
RETURNS bytea AS $$ SELECT ''::bytea $$ LANGUAGE sql IMMUTABLE;
`

func connect(t *testing.T) *postgres.PostgresConnector {
	t.Helper()
	c := postgres.New()
	if err := c.Connect(connector.ConnectionConfig{DSN: os.Getenv("DATABASE_URL"), MaxOpenConns: 2}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { c.Disconnect() })
	if _, err := c.DB().Exec(fixture); err != nil {
		t.Fatalf("loading fixture: %v", err)
	}
	t.Cleanup(func() { c.DB().Exec(`DROP SCHEMA IF EXISTS tf_it CASCADE`) })
	return c
}

func TestIntrospection(t *testing.T) {
	c := connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	t.Run("Ping", func(t *testing.T) {
		if err := c.Ping(ctx); err != nil {
			t.Fatalf("Ping failed: %v", err)
		}
	})

	t.Run("PostGISVersion", func(t *testing.T) {
		v, err := c.PostGISVersion(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if v == "" {
			t.Fatal("expected a PostGIS version")
		}
	})

	t.Run("GeometryColumns", func(t *testing.T) {
		cols, err := c.GeometryColumns(ctx)
		if err != nil {
			t.Fatal(err)
		}
		for _, g := range cols {
			if g.Schema == "tf_it" && g.Table == "roads" {
				if g.Column != "geom" || g.SRID != 4326 || g.Type != "LINESTRING" || g.Geography {
					t.Errorf("unexpected geometry column: %+v", g)
				}
				return
			}
		}
		t.Error("tf_it.roads.geom not reported")
	})

	t.Run("PrimaryKeys", func(t *testing.T) {
		pks, err := c.PrimaryKeys(ctx)
		if err != nil {
			t.Fatal(err)
		}
		for _, pk := range pks {
			if pk.Schema == "tf_it" && pk.Table == "roads" && pk.Column == "gid" {
				return
			}
		}
		t.Error("primary key of tf_it.roads not reported")
	})

	t.Run("Functions", func(t *testing.T) {
		fns, err := c.Functions(ctx)
		if err != nil {
			t.Fatal(err)
		}
		for _, f := range fns {
			if f.Schema != "tf_it" || f.Name != "filtered" {
				continue
			}
			if f.ReturnType != "bytea" || len(f.Params) != 4 {
				t.Fatalf("unexpected routine: %+v", f)
			}
			if !f.Params[3].HasDefault || f.Params[3].Name != "name" {
				t.Errorf("unexpected fourth parameter: %+v", f.Params[3])
			}
			return
		}
		t.Error("tf_it.filtered not reported")
	})

	t.Run("EstimatedExtent", func(t *testing.T) {
		if _, err := c.DB().ExecContext(ctx, `ANALYZE tf_it.roads`); err != nil {
			t.Fatal(err)
		}
		b, err := c.EstimatedExtent(ctx, connector.GeometryColumn{Schema: "tf_it", Table: "roads", Column: "geom", SRID: 4326})
		if err != nil {
			t.Fatal(err)
		}
		if b.Max[0] < 0.9 || b.Max[1] < 0.9 {
			t.Errorf("unexpected extent %v", b)
		}
	})
}
