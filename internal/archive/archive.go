// Package archive serves pre-rendered tiles from PMTiles v3 files. Archives
// are opened once at startup and read with positional reads, so one Archive
// is safe for any number of concurrent tile requests.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/paulmach/orb"
	"github.com/protomaps/go-pmtiles/pmtiles"

	"github.com/faucetdb/tilefaucet/internal/model"
)

const (
	headerLen = 127
	// maxDepth bounds directory recursion; the format allows three leaf levels.
	maxDepth      = 4
	maxLeafCached = 64
)

// ErrUnsupported is returned by Open for archives whose tile type or
// compression cannot be served.
var ErrUnsupported = errors.New("unsupported pmtiles archive")

// Metadata is the subset of the archive's JSON metadata published in
// TileJSON.
type Metadata struct {
	Name         string              `json:"name"`
	Description  string              `json:"description"`
	Attribution  string              `json:"attribution"`
	VectorLayers []model.VectorLayer `json:"vector_layers"`
}

// Archive is one open PMTiles file.
type Archive struct {
	path   string
	f      *os.File
	header pmtiles.HeaderV3
	format model.TileFormat
	root   []pmtiles.EntryV3
	meta   Metadata
	// metaErr records unreadable metadata; the header still describes the
	// archive.
	metaErr error

	mu     sync.Mutex
	leaves map[uint64][]pmtiles.EntryV3
}

// Open reads the header, root directory and metadata of the archive at path.
func Open(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	a, err := newArchive(path, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return a, nil
}

func newArchive(path string, f *os.File) (*Archive, error) {
	buf := make([]byte, headerLen)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	header, err := pmtiles.DeserializeHeader(buf)
	if err != nil {
		return nil, fmt.Errorf("parse header of %s: %w", path, err)
	}

	a := &Archive{path: path, f: f, header: header, leaves: make(map[uint64][]pmtiles.EntryV3)}

	switch header.TileType {
	case pmtiles.Mvt:
		a.format = model.FormatMVT
	case pmtiles.Png:
		a.format = model.FormatPNG
	case pmtiles.Jpeg:
		a.format = model.FormatJPEG
	case pmtiles.Webp:
		a.format = model.FormatWebP
	default:
		return nil, fmt.Errorf("%w: %s has tile type %d", ErrUnsupported, path, header.TileType)
	}
	for _, c := range []pmtiles.Compression{header.InternalCompression, header.TileCompression} {
		if !supportedCompression(c) {
			return nil, fmt.Errorf("%w: %s uses compression %d", ErrUnsupported, path, c)
		}
	}

	a.root, err = a.readDirectory(header.RootOffset, header.RootLength)
	if err != nil {
		return nil, err
	}

	if header.MetadataLength > 0 {
		raw, err := a.readSection(header.MetadataOffset, header.MetadataLength, header.InternalCompression)
		if err == nil {
			err = json.Unmarshal(raw, &a.meta)
		}
		a.metaErr = err
	}
	return a, nil
}

func supportedCompression(c pmtiles.Compression) bool {
	switch c {
	case pmtiles.UnknownCompression, pmtiles.NoCompression, pmtiles.Gzip, pmtiles.Zstd:
		return true
	}
	return false
}

// Path returns the file the archive was opened from.
func (a *Archive) Path() string { return a.path }

// Format returns the tile encoding stored in the archive.
func (a *Archive) Format() model.TileFormat { return a.format }

// MetadataErr reports why the JSON metadata could not be read, or nil.
func (a *Archive) MetadataErr() error { return a.metaErr }

// Source describes the archive as a catalog source named id. Zoom range and
// bounds come from the header; attribution and layers from the metadata.
func (a *Archive) Source(id string) model.Source {
	h := a.header
	bounds := orb.Bound{
		Min: orb.Point{float64(h.MinLonE7) / 1e7, float64(h.MinLatE7) / 1e7},
		Max: orb.Point{float64(h.MaxLonE7) / 1e7, float64(h.MaxLatE7) / 1e7},
	}
	if bounds.IsZero() || bounds.IsEmpty() {
		bounds = model.WorldBounds
	}

	src := model.Source{
		ID:   id,
		Kind: model.SourceKindPMTiles,
		Archive: &model.ArchiveSource{
			Path:   a.path,
			Format: a.format,
		},
		Options: model.TileOptions{
			MinZoom:     int(h.MinZoom),
			MaxZoom:     int(h.MaxZoom),
			Bounds:      bounds,
			Attribution: a.meta.Attribution,
			Extent:      model.DefaultExtent,
		},
	}
	if a.format == model.FormatMVT {
		for _, l := range a.meta.VectorLayers {
			if l.Fields == nil {
				l.Fields = map[string]string{}
			}
			src.Archive.Layers = append(src.Archive.Layers, l)
		}
	}
	return src
}

// Tile returns the uncompressed tile at c, or nil when the archive holds no
// tile there.
func (a *Archive) Tile(ctx context.Context, c model.TileCoord) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Z < int(a.header.MinZoom) || c.Z > int(a.header.MaxZoom) || !c.Valid() {
		return nil, nil
	}

	tileID := pmtiles.ZxyToID(uint8(c.Z), uint32(c.X), uint32(c.Y))
	entries := a.root
	for depth := 0; depth < maxDepth; depth++ {
		entry, ok := pmtiles.FindTile(entries, tileID)
		if !ok {
			return nil, nil
		}
		if entry.RunLength > 0 {
			return a.readSection(a.header.TileDataOffset+entry.Offset, uint64(entry.Length), a.header.TileCompression)
		}
		leaf, err := a.leaf(a.header.LeafDirectoryOffset+entry.Offset, uint64(entry.Length))
		if err != nil {
			return nil, err
		}
		entries = leaf
	}
	return nil, fmt.Errorf("archive %s: directory deeper than %d levels", a.path, maxDepth)
}

// leaf returns a leaf directory, caching a bounded number of them.
func (a *Archive) leaf(offset, length uint64) ([]pmtiles.EntryV3, error) {
	a.mu.Lock()
	entries, ok := a.leaves[offset]
	a.mu.Unlock()
	if ok {
		return entries, nil
	}

	entries, err := a.readDirectory(offset, length)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	if len(a.leaves) >= maxLeafCached {
		for k := range a.leaves {
			delete(a.leaves, k)
			break
		}
	}
	a.leaves[offset] = entries
	a.mu.Unlock()
	return entries, nil
}

func (a *Archive) readDirectory(offset, length uint64) ([]pmtiles.EntryV3, error) {
	raw := make([]byte, length)
	if _, err := a.f.ReadAt(raw, int64(offset)); err != nil {
		return nil, fmt.Errorf("read directory of %s: %w", a.path, err)
	}
	return pmtiles.DeserializeEntries(bytes.NewBuffer(raw), a.header.InternalCompression), nil
}

// readSection reads length bytes at offset and undoes compression c.
func (a *Archive) readSection(offset, length uint64, c pmtiles.Compression) ([]byte, error) {
	raw := make([]byte, length)
	if _, err := a.f.ReadAt(raw, int64(offset)); err != nil {
		return nil, fmt.Errorf("read %s at %d: %w", a.path, offset, err)
	}
	return decompress(raw, c)
}

func decompress(raw []byte, c pmtiles.Compression) ([]byte, error) {
	switch c {
	case pmtiles.Gzip:
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case pmtiles.Zstd:
		zr, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return zr.DecodeAll(raw, nil)
	default:
		return raw, nil
	}
}

// Close releases the file.
func (a *Archive) Close() error {
	return a.f.Close()
}
