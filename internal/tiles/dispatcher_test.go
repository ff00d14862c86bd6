package tiles

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"

	"github.com/faucetdb/tilefaucet/internal/catalog"
	"github.com/faucetdb/tilefaucet/internal/model"
	"github.com/faucetdb/tilefaucet/internal/pool"
	"github.com/faucetdb/tilefaucet/internal/query"
)

// staticSnapshots always returns the same catalog.
type staticSnapshots struct{ c *catalog.Catalog }

func (s staticSnapshots) Current() *catalog.Catalog { return s.c }

type fakeResult struct {
	data  []byte
	delay time.Duration
	err   error
}

// fakePool answers a query with the result registered for the first quoted
// table or function name found in its SQL.
type fakePool struct {
	results    map[string]fakeResult
	acquireErr error

	acquired atomic.Int32
	released atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32

	mu       sync.Mutex
	canceled []string
}

func (p *fakePool) Acquire(ctx context.Context) (Conn, error) {
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	p.acquired.Add(1)
	return &fakeConn{p: p}, nil
}

type fakeConn struct {
	p *fakePool
}

func (c *fakeConn) QueryTile(ctx context.Context, sql string, args ...any) ([]byte, error) {
	n := c.p.inFlight.Add(1)
	defer c.p.inFlight.Add(-1)
	for {
		old := c.p.peak.Load()
		if n <= old || c.p.peak.CompareAndSwap(old, n) {
			break
		}
	}

	for name, r := range c.p.results {
		if !strings.Contains(sql, `"`+name+`"`) {
			continue
		}
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			c.p.mu.Lock()
			c.p.canceled = append(c.p.canceled, name)
			c.p.mu.Unlock()
			return nil, ctx.Err()
		}
		return r.data, r.err
	}
	return nil, errors.New("unexpected query: " + sql)
}

func (c *fakeConn) Release() { c.p.released.Add(1) }

func layerBytes(t *testing.T, name string, n int) []byte {
	t.Helper()
	fc := geojson.NewFeatureCollection()
	for i := 0; i < n; i++ {
		fc.Append(geojson.NewFeature(orb.Point{float64(10 * i), float64(10 * i)}))
	}
	layer := mvt.NewLayer(name, fc)
	layer.Version = 2
	layer.Extent = 4096
	b, err := mvt.Marshal(mvt.Layers{layer})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func layerNames(t *testing.T, data []byte) []string {
	t.Helper()
	layers, err := mvt.Unmarshal(data)
	if err != nil {
		t.Fatalf("decoding tile: %v", err)
	}
	names := make([]string, len(layers))
	for i, l := range layers {
		names[i] = l.Name
	}
	return names
}

func tableSource(id string, minZoom, maxZoom int) model.Source {
	return model.Source{
		ID:   id,
		Kind: model.SourceKindTable,
		Table: &model.TableSource{
			Schema: "public", Table: id, GeometryColumn: "geom",
			SRID: 3857, GeometryType: model.GeometryLine,
			Properties: []model.Property{{Name: "name", Type: model.PropertyText}},
		},
		Options: model.TileOptions{
			MinZoom: minZoom, MaxZoom: maxZoom, Extent: 4096, Clip: true,
			Bounds: model.WorldBounds, Policy: model.DefaultZoomPolicy(),
		},
	}
}

func newTestDispatcher(p Pool, cfg Config, srcs ...model.Source) *Dispatcher {
	cat := catalog.New(srcs, map[string][]string{"roads_dup": {"a.roads_dup", "b.roads_dup"}}, nil)
	return NewDispatcher(staticSnapshots{cat}, p, cfg)
}

func TestGetTile_SingleSourcePassThrough(t *testing.T) {
	roads := layerBytes(t, "roads", 3)
	p := &fakePool{results: map[string]fakeResult{"roads": {data: roads}}}
	d := newTestDispatcher(p, Config{}, tableSource("roads", 0, 22))

	tile, err := d.GetTile(context.Background(), Request{SourceIDs: []string{"roads"}, Coord: model.TileCoord{Z: 10, X: 512, Y: 300}})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(tile.Data, roads) {
		t.Error("single source bytes should pass through unchanged")
	}
	if p.released.Load() != p.acquired.Load() {
		t.Errorf("acquired %d, released %d", p.acquired.Load(), p.released.Load())
	}
}

func TestGetTile_CompositeKeepsRequestOrder(t *testing.T) {
	p := &fakePool{results: map[string]fakeResult{
		"roads":    {data: layerBytes(t, "roads", 2), delay: 40 * time.Millisecond},
		"contours": {data: layerBytes(t, "contours", 5)},
	}}
	d := newTestDispatcher(p, Config{}, tableSource("roads", 0, 22), tableSource("contours", 0, 22))

	tests := []struct {
		ids  []string
		want string
	}{
		{[]string{"roads", "contours"}, "roads,contours"},
		{[]string{"contours", "roads"}, "contours,roads"},
	}
	for _, tt := range tests {
		tile, err := d.GetTile(context.Background(), Request{SourceIDs: tt.ids, Coord: model.TileCoord{Z: 5, X: 3, Y: 4}})
		if err != nil {
			t.Fatal(err)
		}
		if got := strings.Join(layerNames(t, tile.Data), ","); got != tt.want {
			t.Errorf("layers = %s, want %s", got, tt.want)
		}
	}
}

func TestGetTile_Empty(t *testing.T) {
	p := &fakePool{results: map[string]fakeResult{
		"roads":    {data: nil},
		"contours": {data: []byte{}},
	}}
	d := newTestDispatcher(p, Config{}, tableSource("roads", 0, 22), tableSource("contours", 0, 22))

	tile, err := d.GetTile(context.Background(), Request{SourceIDs: []string{"roads", "contours"}, Coord: model.TileCoord{Z: 1}})
	if err != nil {
		t.Fatal(err)
	}
	if !tile.Empty() {
		t.Errorf("expected empty tile, got %d bytes", len(tile.Data))
	}
}

func TestGetTile_PartiallyEmptyComposite(t *testing.T) {
	contours := layerBytes(t, "contours", 1)
	p := &fakePool{results: map[string]fakeResult{
		"roads":    {data: nil},
		"contours": {data: contours},
	}}
	d := newTestDispatcher(p, Config{}, tableSource("roads", 0, 22), tableSource("contours", 0, 22))

	tile, err := d.GetTile(context.Background(), Request{SourceIDs: []string{"roads", "contours"}, Coord: model.TileCoord{Z: 1}})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(tile.Data, contours) {
		t.Error("expected only the contours layer")
	}
}

func TestGetTile_RequestErrors(t *testing.T) {
	p := &fakePool{results: map[string]fakeResult{"roads": {}}}
	d := newTestDispatcher(p, Config{}, tableSource("roads", 2, 14), tableSource("contours", 0, 10))

	tests := []struct {
		name  string
		ids   []string
		coord model.TileCoord
		want  error
	}{
		{"unknown source", []string{"rivers"}, model.TileCoord{Z: 3}, ErrSourceNotFound},
		{"one unknown in composite", []string{"roads", "rivers"}, model.TileCoord{Z: 3}, ErrSourceNotFound},
		{"conflicted", []string{"roads_dup"}, model.TileCoord{Z: 3}, ErrSourceConflict},
		{"duplicate ids", []string{"roads", "roads"}, model.TileCoord{Z: 3}, ErrInvalidRequest},
		{"no ids", nil, model.TileCoord{Z: 3}, ErrInvalidRequest},
		{"off grid beats unknown source", []string{"missing"}, model.TileCoord{Z: 0, X: 5, Y: 5}, ErrCoordinateOutOfRange},
		{"off grid beats conflict", []string{"roads_dup"}, model.TileCoord{Z: 1, X: 2}, ErrCoordinateOutOfRange},
		{"x off grid", []string{"roads"}, model.TileCoord{Z: 3, X: 8}, ErrCoordinateOutOfRange},
		{"negative y", []string{"roads"}, model.TileCoord{Z: 3, Y: -1}, ErrCoordinateOutOfRange},
		{"zoom too deep", []string{"roads"}, model.TileCoord{Z: 31}, ErrCoordinateOutOfRange},
		{"below minzoom", []string{"roads"}, model.TileCoord{Z: 1}, ErrCoordinateOutOfRange},
		{"above maxzoom", []string{"roads"}, model.TileCoord{Z: 15}, ErrCoordinateOutOfRange},
		{"outside composite intersection", []string{"roads", "contours"}, model.TileCoord{Z: 12}, ErrCoordinateOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.GetTile(context.Background(), Request{SourceIDs: tt.ids, Coord: tt.coord})
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if p.acquired.Load() != 0 {
		t.Errorf("invalid requests must not touch the database, acquired %d", p.acquired.Load())
	}
}

func TestGetTile_BackendErrorCancelsSiblings(t *testing.T) {
	p := &fakePool{results: map[string]fakeResult{
		"roads":    {err: errors.New(`relation "roads" does not exist`), delay: 5 * time.Millisecond},
		"contours": {data: []byte{1}, delay: 5 * time.Second},
	}}
	d := newTestDispatcher(p, Config{}, tableSource("roads", 0, 22), tableSource("contours", 0, 22))

	start := time.Now()
	tile, err := d.GetTile(context.Background(), Request{SourceIDs: []string{"contours", "roads"}, Coord: model.TileCoord{Z: 2}})
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("expected ErrBackend, got %v", err)
	}
	if !strings.Contains(err.Error(), `"roads"`) {
		t.Errorf("error should name the failing source: %v", err)
	}
	if tile.Data != nil {
		t.Error("no partial tile on failure")
	}
	if time.Since(start) > time.Second {
		t.Error("the slow sibling was not cancelled")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.canceled) != 1 || p.canceled[0] != "contours" {
		t.Errorf("canceled = %v", p.canceled)
	}
	if p.released.Load() != p.acquired.Load() {
		t.Errorf("acquired %d, released %d", p.acquired.Load(), p.released.Load())
	}
}

func TestGetTile_PoolTimeout(t *testing.T) {
	p := &fakePool{acquireErr: &pool.Error{Op: "acquire", Err: pool.ErrAcquireTimeout}}
	d := newTestDispatcher(p, Config{}, tableSource("roads", 0, 22))

	_, err := d.GetTile(context.Background(), Request{SourceIDs: []string{"roads"}, Coord: model.TileCoord{Z: 2}})
	if !errors.Is(err, ErrPool) {
		t.Fatalf("expected ErrPool, got %v", err)
	}
	if !errors.Is(err, pool.ErrAcquireTimeout) {
		t.Error("pool error should wrap the cause")
	}
	if errors.Is(err, ErrBackend) {
		t.Error("pool exhaustion is distinct from a backend error")
	}
}

// flakyDB opens one good session and refuses every later connection.
type flakyDB struct {
	opened atomic.Int32
}

type okSession struct{}

func (okSession) QueryTile(ctx context.Context, sql string, args ...any) ([]byte, error) {
	return nil, nil
}
func (okSession) Ping(ctx context.Context) error  { return nil }
func (okSession) Close(ctx context.Context) error { return nil }

func (db *flakyDB) connect(ctx context.Context) (pool.Session, error) {
	if db.opened.Add(1) > 1 {
		return nil, errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")
	}
	return okSession{}, nil
}

func TestGetTile_ConnectFailureIsBackendError(t *testing.T) {
	db := &flakyDB{}
	p, err := pool.New(context.Background(), pool.Config{MaxConns: 2, AcquireTimeout: time.Second}, db.connect)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	defer p.Close()

	conn, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	conn.Discard()

	d := newTestDispatcher(FromPool(p), Config{}, tableSource("roads", 0, 22))
	_, err = d.GetTile(context.Background(), Request{SourceIDs: []string{"roads"}, Coord: model.TileCoord{Z: 1}})
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("expected ErrBackend, got %v", err)
	}
	if errors.Is(err, ErrPool) {
		t.Error("a refused connection is not pool exhaustion")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("error should carry the cause: %v", err)
	}
}

func TestGetTile_ClosedPoolIsPoolError(t *testing.T) {
	p := &fakePool{acquireErr: &pool.Error{Op: "acquire", Err: pool.ErrClosed}}
	d := newTestDispatcher(p, Config{}, tableSource("roads", 0, 22))

	_, err := d.GetTile(context.Background(), Request{SourceIDs: []string{"roads"}, Coord: model.TileCoord{Z: 2}})
	if !errors.Is(err, ErrPool) || errors.Is(err, ErrBackend) {
		t.Fatalf("expected only ErrPool, got %v", err)
	}
}

func TestGetTile_QueryTimeout(t *testing.T) {
	p := &fakePool{results: map[string]fakeResult{"roads": {delay: 5 * time.Second}}}
	d := newTestDispatcher(p, Config{QueryTimeout: 20 * time.Millisecond}, tableSource("roads", 0, 22))

	_, err := d.GetTile(context.Background(), Request{SourceIDs: []string{"roads"}, Coord: model.TileCoord{Z: 2}})
	if !errors.Is(err, ErrBackend) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected backend deadline error, got %v", err)
	}
}

func TestGetTile_FanoutLimit(t *testing.T) {
	results := map[string]fakeResult{}
	var srcs []model.Source
	var ids []string
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		results[id] = fakeResult{data: []byte{byte(id[0])}, delay: 10 * time.Millisecond}
		srcs = append(srcs, tableSource(id, 0, 22))
		ids = append(ids, id)
	}
	p := &fakePool{results: results}
	d := newTestDispatcher(p, Config{MaxFanout: 2}, srcs...)

	tile, err := d.GetTile(context.Background(), Request{SourceIDs: ids, Coord: model.TileCoord{Z: 2}})
	if err != nil {
		t.Fatal(err)
	}
	if string(tile.Data) != "abcdef" {
		t.Errorf("data = %q, want abcdef", tile.Data)
	}
	if peak := p.peak.Load(); peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestGetTile_FunctionParams(t *testing.T) {
	fn := model.Source{
		ID:   "filtered",
		Kind: model.SourceKindFunction,
		Function: &model.FunctionSource{
			Schema: "public", Name: "filtered", CoordTypes: [3]string{"int4", "int4", "int4"},
			Params:     []model.FunctionParam{{Name: "name", Type: "text"}},
			ReturnKind: model.ReturnBytea,
		},
		Options: model.TileOptions{MaxZoom: 22},
	}
	p := &fakePool{results: map[string]fakeResult{"filtered": {data: []byte{7}}}}
	d := newTestDispatcher(p, Config{}, fn)

	_, err := d.GetTile(context.Background(), Request{SourceIDs: []string{"filtered"}, Coord: model.TileCoord{Z: 1}})
	var pe *query.ParamError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParamError, got %v", err)
	}

	tile, err := d.GetTile(context.Background(), Request{
		SourceIDs: []string{"filtered"},
		Coord:     model.TileCoord{Z: 1},
		Params:    url.Values{"name": {"main"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(tile.Data, []byte{7}) {
		t.Errorf("data = %v", tile.Data)
	}
}

func TestGetTile_NotReady(t *testing.T) {
	d := NewDispatcher(staticSnapshots{}, &fakePool{}, Config{})
	_, err := d.GetTile(context.Background(), Request{SourceIDs: []string{"roads"}})
	if !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
}

func TestGetTile_ConcurrentRequests(t *testing.T) {
	p := &fakePool{results: map[string]fakeResult{
		"roads":    {data: layerBytes(t, "roads", 1), delay: time.Millisecond},
		"contours": {data: layerBytes(t, "contours", 1)},
	}}
	d := newTestDispatcher(p, Config{MaxFanout: 4}, tableSource("roads", 0, 22), tableSource("contours", 0, 22))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids := []string{"roads", "contours"}
			want := "roads,contours"
			if i%2 == 1 {
				ids = []string{"contours", "roads"}
				want = "contours,roads"
			}
			tile, err := d.GetTile(context.Background(), Request{SourceIDs: ids, Coord: model.TileCoord{Z: 3, X: i % 8}})
			if err != nil {
				t.Error(err)
				return
			}
			layers, err := mvt.Unmarshal(tile.Data)
			if err != nil {
				t.Error(err)
				return
			}
			var names []string
			for _, l := range layers {
				names = append(names, l.Name)
			}
			if got := strings.Join(names, ","); got != want {
				t.Errorf("request %d: layers = %s, want %s", i, got, want)
			}
		}(i)
	}
	wg.Wait()
}

// fakeArchives serves tiles keyed by archive path.
type fakeArchives struct {
	tiles map[string][]byte
	err   error
	reads atomic.Int32
}

func (a *fakeArchives) Tile(ctx context.Context, path string, c model.TileCoord) ([]byte, error) {
	a.reads.Add(1)
	if a.err != nil {
		return nil, a.err
	}
	return a.tiles[path], nil
}

func archiveSource(id string, format model.TileFormat) model.Source {
	return model.Source{
		ID:      id,
		Kind:    model.SourceKindPMTiles,
		Archive: &model.ArchiveSource{Path: "/data/" + id + ".pmtiles", Format: format},
		Options: model.TileOptions{MinZoom: 0, MaxZoom: 14, Extent: 4096, Bounds: model.WorldBounds},
	}
}

func TestGetTile_ArchiveSource(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n")
	archives := &fakeArchives{tiles: map[string][]byte{"/data/hillshade.pmtiles": png}}
	p := &fakePool{}
	d := newTestDispatcher(p, Config{Archives: archives}, archiveSource("hillshade", model.FormatPNG))

	tile, err := d.GetTile(context.Background(), Request{SourceIDs: []string{"hillshade"}, Coord: model.TileCoord{Z: 3, X: 1, Y: 2}})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(tile.Data, png) || tile.Format != model.FormatPNG {
		t.Errorf("tile = %q (%s)", tile.Data, tile.Format)
	}
	if p.acquired.Load() != 0 {
		t.Error("archive reads must not take a pool connection")
	}
}

func TestGetTile_ArchiveInComposite(t *testing.T) {
	archives := &fakeArchives{tiles: map[string][]byte{"/data/basemap.pmtiles": layerBytes(t, "water", 2)}}
	p := &fakePool{results: map[string]fakeResult{"roads": {data: layerBytes(t, "roads", 1)}}}
	d := newTestDispatcher(p, Config{Archives: archives},
		tableSource("roads", 0, 22), archiveSource("basemap", model.FormatMVT))

	tile, err := d.GetTile(context.Background(), Request{SourceIDs: []string{"basemap", "roads"}, Coord: model.TileCoord{Z: 4, X: 2, Y: 2}})
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(layerNames(t, tile.Data), ","); got != "water,roads" {
		t.Errorf("layers = %s", got)
	}
	if tile.Format != model.FormatMVT {
		t.Errorf("format = %s", tile.Format)
	}
}

func TestGetTile_ArchiveErrors(t *testing.T) {
	tests := []struct {
		name     string
		archives Archives
		ids      []string
		want     error
	}{
		{"raster in composite", &fakeArchives{}, []string{"hillshade", "roads"}, ErrInvalidRequest},
		{"read failure", &fakeArchives{err: errors.New("read /data/hillshade.pmtiles: EOF")}, []string{"hillshade"}, ErrBackend},
		{"no reader", nil, []string{"hillshade"}, ErrBackend},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePool{results: map[string]fakeResult{"roads": {data: layerBytes(t, "roads", 1)}}}
			d := newTestDispatcher(p, Config{Archives: tt.archives},
				tableSource("roads", 0, 22), archiveSource("hillshade", model.FormatPNG))

			_, err := d.GetTile(context.Background(), Request{SourceIDs: tt.ids, Coord: model.TileCoord{Z: 2, X: 1, Y: 1}})
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
