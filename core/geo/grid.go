package geo

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Grid bounds of the per-city local coordinate system.
const (
	GridMin = 0
	GridMax = 999
)

// Point is a position in a city's local grid.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Distance returns the Euclidean distance between two grid points.
func Distance(a, b Point) float64 {
	return floats.Distance([]float64{a.X, a.Y}, []float64{b.X, b.Y}, 2)
}

// InGrid reports whether p lies inside the local grid bounds.
func (p Point) InGrid() bool {
	return p.X >= GridMin && p.X <= GridMax && p.Y >= GridMin && p.Y <= GridMax
}

// Clamp returns p with both coordinates clamped to the grid bounds.
func (p Point) Clamp() Point {
	c := p
	if c.X < GridMin {
		c.X = GridMin
	}
	if c.X > GridMax {
		c.X = GridMax
	}
	if c.Y < GridMin {
		c.Y = GridMin
	}
	if c.Y > GridMax {
		c.Y = GridMax
	}
	return c
}

// StepToward moves p toward dest by at most step units and reports whether
// the destination was reached.
func StepToward(p, dest Point, step float64) (Point, bool) {
	d := Distance(p, dest)
	if d <= step || d == 0 {
		return dest, true
	}
	return Point{
		X: p.X + (dest.X-p.X)/d*step,
		Y: p.Y + (dest.Y-p.Y)/d*step,
	}, false
}

// Origin anchors a city grid to geodetic coordinates. One grid unit spans
// roughly ten metres.
type Origin struct {
	Lng float64
	Lat float64
}

const (
	metersPerUnit   = 10.0
	metersPerDegree = 111320.0
)

// Converter translates local grid coordinates to geodetic ones and back.
// The conversion itself is pure; the converter only carries the per-city
// origin table.
type Converter struct {
	origins map[string]Origin
}

// NewConverter builds a converter from a city→origin table.
func NewConverter(origins map[string]Origin) *Converter {
	cp := make(map[string]Origin, len(origins))
	for c, o := range origins {
		cp[c] = o
	}
	return &Converter{origins: cp}
}

// ToGeodetic converts a grid point of the given city to (lng, lat).
func (c *Converter) ToGeodetic(p Point, city string) (float64, float64, error) {
	o, ok := c.origins[city]
	if !ok {
		return 0, 0, fmt.Errorf("geo: unknown city %q", city)
	}
	deg := metersPerUnit / metersPerDegree
	return o.Lng + p.X*deg, o.Lat + p.Y*deg, nil
}

// FromGeodetic converts (lng, lat) back to a grid point of the given city.
func (c *Converter) FromGeodetic(lng, lat float64, city string) (Point, error) {
	o, ok := c.origins[city]
	if !ok {
		return Point{}, fmt.Errorf("geo: unknown city %q", city)
	}
	deg := metersPerUnit / metersPerDegree
	return Point{X: (lng - o.Lng) / deg, Y: (lat - o.Lat) / deg}, nil
}
