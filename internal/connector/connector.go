// Package connector defines the metadata connection used to discover tile
// sources, and the rows it reports. Tile rendering does not go through this
// package; it uses the session pool in internal/pool.
package connector

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/paulmach/orb"
)

// GeometryColumn is one row of geometry_columns or geography_columns.
type GeometryColumn struct {
	Schema    string `db:"f_table_schema"`
	Table     string `db:"f_table_name"`
	Column    string `db:"f_geometry_column"`
	SRID      int    `db:"srid"`
	Type      string `db:"type"`
	Geography bool   `db:"geography"`
}

// Column is a column of a table or view.
type Column struct {
	Schema   string `db:"table_schema"`
	Table    string `db:"table_name"`
	Name     string `db:"column_name"`
	UDTName  string `db:"udt_name"`
	Position int    `db:"ordinal_position"`
}

// PrimaryKey is a single-column primary key.
type PrimaryKey struct {
	Schema string `db:"table_schema"`
	Table  string `db:"table_name"`
	Column string `db:"column_name"`
}

// Routine is a user function together with its parameters in declaration
// order.
type Routine struct {
	Schema       string `db:"routine_schema"`
	Name         string `db:"routine_name"`
	SpecificName string `db:"specific_name"`
	// ReturnType is the udt name of the return type: bytea, record,
	// geometry, and so on.
	ReturnType string `db:"type_udt_name"`
	Params     []RoutineParam
}

// RoutineParam is one declared parameter of a Routine.
type RoutineParam struct {
	Position   int    `db:"ordinal_position"`
	Mode       string `db:"parameter_mode"` // IN, OUT or INOUT
	Name       string `db:"parameter_name"`
	UDTName    string `db:"udt_name"`
	HasDefault bool   `db:"has_default"`
}

// IsInput reports whether the parameter is passed by the caller.
func (p RoutineParam) IsInput() bool {
	return p.Mode == "IN" || p.Mode == "INOUT"
}

// IsOutput reports whether the parameter is part of the result.
func (p RoutineParam) IsOutput() bool {
	return p.Mode == "OUT" || p.Mode == "INOUT"
}

// ConnectionConfig holds database connection parameters.
type ConnectionConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Connector is a metadata connection to a spatial database.
type Connector interface {
	// Connection management
	Connect(cfg ConnectionConfig) error
	Disconnect() error
	Ping(ctx context.Context) error
	DB() *sqlx.DB

	// Introspection
	PostGISVersion(ctx context.Context) (string, error)
	GeometryColumns(ctx context.Context) ([]GeometryColumn, error)
	Columns(ctx context.Context) ([]Column, error)
	PrimaryKeys(ctx context.Context) ([]PrimaryKey, error)
	Functions(ctx context.Context) ([]Routine, error)
	EstimatedExtent(ctx context.Context, g GeometryColumn) (orb.Bound, error)

	DriverName() string
}

// SanitizeDSN ensures that URL-style DSNs (postgres://, postgresql://) have
// their userinfo properly percent-encoded. Raw passwords containing @, #, %
// or other URL-special characters otherwise make the URL parser mis-split the
// authority component. Keyword/value DSNs are returned unchanged.
func SanitizeDSN(dsn string) string {
	schemeEnd := strings.Index(dsn, "://")
	if schemeEnd < 0 {
		return dsn
	}

	scheme := dsn[:schemeEnd]
	rest := dsn[schemeEnd+3:]

	query := ""
	if qi := strings.IndexByte(rest, '?'); qi >= 0 {
		query = rest[qi:]
		rest = rest[:qi]
	}

	// The last '@' separates userinfo from host and path.
	atIdx := strings.LastIndex(rest, "@")
	if atIdx < 0 {
		return dsn
	}
	userinfo := rest[:atIdx]
	hostpath := rest[atIdx+1:]

	user, pass, hasPass := strings.Cut(userinfo, ":")
	info := url.User(unescape(user))
	if hasPass {
		info = url.UserPassword(unescape(user), unescape(pass))
	}
	return scheme + "://" + info.String() + "@" + hostpath + query
}

// unescape decodes already percent-encoded input so it is not encoded twice.
func unescape(s string) string {
	if decoded, err := url.PathUnescape(s); err == nil {
		return decoded
	}
	return s
}

// RedactDSN masks the password of a DSN for display. URL-style DSNs keep the
// user name; keyword/value DSNs have their password= value replaced.
func RedactDSN(dsn string) string {
	if strings.Contains(dsn, "://") {
		u, err := url.Parse(SanitizeDSN(dsn))
		if err != nil {
			return "****"
		}
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
			return strings.Replace(u.String(), ":xxxxx@", ":****@", 1)
		}
		return u.String()
	}
	fields := strings.Fields(dsn)
	for i, f := range fields {
		if k, _, ok := strings.Cut(f, "="); ok && strings.EqualFold(k, "password") {
			fields[i] = k + "=****"
		}
	}
	return strings.Join(fields, " ")
}
