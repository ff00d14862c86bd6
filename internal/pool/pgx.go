package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// pgxSession adapts a single pgx connection to Session.
type pgxSession struct {
	conn *pgx.Conn
}

func (s *pgxSession) QueryTile(ctx context.Context, sql string, args ...any) ([]byte, error) {
	var tile []byte
	err := s.conn.QueryRow(ctx, sql, args...).Scan(&tile)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return tile, err
}

func (s *pgxSession) Ping(ctx context.Context) error  { return s.conn.Ping(ctx) }
func (s *pgxSession) Close(ctx context.Context) error { return s.conn.Close(ctx) }

// PgxConnector returns a Connector that opens pgx connections to dsn,
// tagging them with applicationName when it is set.
func PgxConnector(dsn, applicationName string) (Connector, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if applicationName != "" {
		cfg.RuntimeParams["application_name"] = applicationName
	}
	return func(ctx context.Context) (Session, error) {
		conn, err := pgx.ConnectConfig(ctx, cfg.Copy())
		if err != nil {
			return nil, err
		}
		return &pgxSession{conn: conn}, nil
	}, nil
}
