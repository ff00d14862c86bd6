package tiles

import "errors"

var (
	// ErrSourceNotFound means a requested identifier is not in the catalog.
	ErrSourceNotFound = errors.New("source not found")
	// ErrSourceConflict means a requested identifier is claimed by more than
	// one database object and is not served.
	ErrSourceConflict = errors.New("source identifier is ambiguous")
	// ErrCoordinateOutOfRange means the tile is off the grid or outside the
	// zoom range of a requested source.
	ErrCoordinateOutOfRange = errors.New("tile coordinate out of range")
	// ErrInvalidRequest means the request itself is malformed.
	ErrInvalidRequest = errors.New("invalid tile request")
	// ErrBackend means the database failed while rendering.
	ErrBackend = errors.New("tile backend error")
	// ErrPool means the pool had no free connection in time or is closed.
	// A failure to open a connection is an ErrBackend.
	ErrPool = errors.New("no database connection available")
	// ErrNotReady means no catalog has been loaded yet.
	ErrNotReady = errors.New("catalog not loaded")
)
