package pointcloud

import (
	"math/rand"

	"github.com/golang/geo/r3"
)

// MakeCubeSurface samples the surface of an axis-aligned cube centered at the
// origin on a regular grid, colored with a smooth positional gradient so that
// photometric residuals have signal. Useful for registration tests.
func MakeCubeSurface(halfExtent, step float64) *PointCloud {
	var positions, colors []r3.Vector
	add := func(p r3.Vector) {
		positions = append(positions, p)
		colors = append(colors, r3.Vector{
			X: (p.X + halfExtent) / (2 * halfExtent),
			Y: (p.Y + halfExtent) / (2 * halfExtent),
			Z: (p.Z + halfExtent) / (2 * halfExtent),
		})
	}
	for u := -halfExtent; u <= halfExtent; u += step {
		for v := -halfExtent; v <= halfExtent; v += step {
			add(r3.Vector{X: u, Y: v, Z: -halfExtent})
			add(r3.Vector{X: u, Y: v, Z: halfExtent})
			add(r3.Vector{X: u, Y: -halfExtent, Z: v})
			add(r3.Vector{X: u, Y: halfExtent, Z: v})
			add(r3.Vector{X: -halfExtent, Y: u, Z: v})
			add(r3.Vector{X: halfExtent, Y: u, Z: v})
		}
	}
	pc, err := NewWithAttributes(positions, nil, colors)
	if err != nil {
		panic(err)
	}
	return pc
}

// MakePlane samples the z=0 plane on a regular grid.
func MakePlane(halfExtent, step float64) *PointCloud {
	var positions []r3.Vector
	for u := -halfExtent; u <= halfExtent; u += step {
		for v := -halfExtent; v <= halfExtent; v += step {
			positions = append(positions, r3.Vector{X: u, Y: v})
		}
	}
	return New(positions)
}

// MakeRandomCloud returns n points uniformly distributed in a cube of the
// given half extent, deterministically from the seed.
func MakeRandomCloud(n int, halfExtent float64, seed int64) *PointCloud {
	//nolint:gosec
	r := rand.New(rand.NewSource(seed))
	positions := make([]r3.Vector, n)
	for i := range positions {
		positions[i] = r3.Vector{
			X: (2*r.Float64() - 1) * halfExtent,
			Y: (2*r.Float64() - 1) * halfExtent,
			Z: (2*r.Float64() - 1) * halfExtent,
		}
	}
	return New(positions)
}
