package pointcloud

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// VoxelCoords stores voxel coordinates in voxel grid axes.
type VoxelCoords struct {
	I, J, K int64
}

// IsEqual tests if two VoxelCoords are the same.
func (c VoxelCoords) IsEqual(c2 VoxelCoords) bool {
	return c.I == c2.I && c.J == c2.J && c.K == c2.K
}

// GetVoxelCoordinates computes the voxel coordinates of a point, given the
// origin of the grid and the voxel edge length.
func GetVoxelCoordinates(pt, ptMin r3.Vector, voxelSize float64) VoxelCoords {
	return VoxelCoords{
		I: int64(math.Floor((pt.X - ptMin.X) / voxelSize)),
		J: int64(math.Floor((pt.Y - ptMin.Y) / voxelSize)),
		K: int64(math.Floor((pt.Z - ptMin.Z) / voxelSize)),
	}
}

// voxelAccum accumulates the points binned into one voxel so their attributes
// can be averaged.
type voxelAccum struct {
	count    int
	position r3.Vector
	normal   r3.Vector
	color    r3.Vector
}

// DownsampleVoxel partitions space into cubes of edge voxelSize and replaces
// each occupied cube's points with their mean. Normals are averaged and
// re-normalized (a degenerate mean becomes the zero marker); colors are
// averaged. Output points are ordered by voxel coordinates so results are
// deterministic for a given input.
func DownsampleVoxel(pc *PointCloud, voxelSize float64) (*PointCloud, error) {
	if voxelSize <= 0 {
		return nil, errors.Errorf("voxelSize must be positive, got %f", voxelSize)
	}
	meta := pc.MetaData()
	ptMin := r3.Vector{X: meta.MinX, Y: meta.MinY, Z: meta.MinZ}
	if pc.Size() == 0 {
		ptMin = r3.Vector{}
	}

	voxels := make(map[VoxelCoords]*voxelAccum)
	keys := make([]VoxelCoords, 0)
	for i, p := range pc.positions {
		coords := GetVoxelCoordinates(p, ptMin, voxelSize)
		vox, ok := voxels[coords]
		if !ok {
			vox = &voxelAccum{}
			voxels[coords] = vox
			keys = append(keys, coords)
		}
		vox.count++
		vox.position = vox.position.Add(p)
		if pc.HasNormals() {
			vox.normal = vox.normal.Add(pc.normals[i])
		}
		if pc.HasColors() {
			vox.color = vox.color.Add(pc.colors[i])
		}
	}

	// map iteration order must not leak into the output
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.I != b.I {
			return a.I < b.I
		}
		if a.J != b.J {
			return a.J < b.J
		}
		return a.K < b.K
	})

	positions := make([]r3.Vector, 0, len(keys))
	var normals, colors []r3.Vector
	if pc.HasNormals() {
		normals = make([]r3.Vector, 0, len(keys))
	}
	if pc.HasColors() {
		colors = make([]r3.Vector, 0, len(keys))
	}
	for _, k := range keys {
		vox := voxels[k]
		inv := 1. / float64(vox.count)
		positions = append(positions, vox.position.Mul(inv))
		if pc.HasNormals() {
			n := vox.normal.Mul(inv)
			if n.Norm2() > 0 {
				n = n.Normalize()
			}
			normals = append(normals, n)
		}
		if pc.HasColors() {
			colors = append(colors, vox.color.Mul(inv))
		}
	}
	return NewWithAttributes(positions, normals, colors)
}
