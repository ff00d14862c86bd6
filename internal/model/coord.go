package model

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// MaxZoom is the deepest zoom level the tile grid supports.
const MaxZoom = 30

// webMercatorWidth is the circumference of the EPSG:3857 world in metres.
const webMercatorWidth = 40075016.685578488

// TileCoord is a slippy-map tile address.
type TileCoord struct {
	Z int `json:"z"`
	X int `json:"x"`
	Y int `json:"y"`
}

// Valid reports whether the coordinate lies on the 2^z by 2^z grid.
func (c TileCoord) Valid() bool {
	if c.Z < 0 || c.Z > MaxZoom {
		return false
	}
	n := 1 << uint(c.Z)
	return c.X >= 0 && c.X < n && c.Y >= 0 && c.Y < n
}

// Tile converts the coordinate to an orb maptile. Only call on valid coordinates.
func (c TileCoord) Tile() maptile.Tile {
	return maptile.New(uint32(c.X), uint32(c.Y), maptile.Zoom(c.Z))
}

// Bound returns the tile's extent in EPSG:4326.
func (c TileCoord) Bound() orb.Bound {
	return c.Tile().Bound()
}

func (c TileCoord) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y)
}

// TileWidth returns the width of one tile at zoom z in EPSG:3857 metres.
func TileWidth(z int) float64 {
	return webMercatorWidth / float64(uint64(1)<<uint(z))
}
