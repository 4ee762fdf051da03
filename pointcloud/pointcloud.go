// Package pointcloud defines a dense point cloud with optional per-point
// normals and colors, and the spatial operations registration needs: voxel
// downsampling, k-d tree queries, and surface normal estimation.
//
// Clouds are immutable once constructed. Downsampling and transformation
// produce new clouds; TransformInPlace exists for the one case where a caller
// explicitly owns a working copy.
package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/openscan/cloudalign/spatialmath"
)

// MetaData is data about what's stored in the point cloud.
type MetaData struct {
	HasNormals bool
	HasColors  bool

	MinX, MaxX float64
	MinY, MaxY float64
	MinZ, MaxZ float64

	TotalX, TotalY, TotalZ float64
}

// PointCloud is an ordered collection of points. Positions are required;
// normals and colors, when present, are parallel slices of the same length.
// Colors are RGB triples with components in [0,1].
type PointCloud struct {
	positions []r3.Vector
	normals   []r3.Vector
	colors    []r3.Vector
	meta      MetaData
}

// NewMetaData creates a new MetaData.
func NewMetaData() MetaData {
	return MetaData{
		MinX: math.MaxFloat64,
		MinY: math.MaxFloat64,
		MinZ: math.MaxFloat64,
		MaxX: -math.MaxFloat64,
		MaxY: -math.MaxFloat64,
		MaxZ: -math.MaxFloat64,
	}
}

// Merge updates the meta data with the new point.
func (meta *MetaData) Merge(v r3.Vector) {
	if v.X > meta.MaxX {
		meta.MaxX = v.X
	}
	if v.Y > meta.MaxY {
		meta.MaxY = v.Y
	}
	if v.Z > meta.MaxZ {
		meta.MaxZ = v.Z
	}
	if v.X < meta.MinX {
		meta.MinX = v.X
	}
	if v.Y < meta.MinY {
		meta.MinY = v.Y
	}
	if v.Z < meta.MinZ {
		meta.MinZ = v.Z
	}
	meta.TotalX += v.X
	meta.TotalY += v.Y
	meta.TotalZ += v.Z
}

// Center returns the mean position over the cloud the metadata was built from.
func (meta *MetaData) Center(size int) r3.Vector {
	if size == 0 {
		return r3.Vector{}
	}
	n := float64(size)
	return r3.Vector{X: meta.TotalX / n, Y: meta.TotalY / n, Z: meta.TotalZ / n}
}

// New returns a cloud over the given positions. The slice is copied.
func New(positions []r3.Vector) *PointCloud {
	pc, err := NewWithAttributes(positions, nil, nil)
	if err != nil {
		// nil attributes cannot fail validation
		panic(err)
	}
	return pc
}

// NewWithAttributes returns a cloud over the given positions with optional
// normals and colors. Non-nil attribute slices must match the position count.
// All slices are copied.
func NewWithAttributes(positions, normals, colors []r3.Vector) (*PointCloud, error) {
	if normals != nil && len(normals) != len(positions) {
		return nil, errors.Errorf("have %d normals for %d points", len(normals), len(positions))
	}
	if colors != nil && len(colors) != len(positions) {
		return nil, errors.Errorf("have %d colors for %d points", len(colors), len(positions))
	}
	pc := &PointCloud{
		positions: append([]r3.Vector(nil), positions...),
		meta:      NewMetaData(),
	}
	if normals != nil {
		pc.normals = append([]r3.Vector(nil), normals...)
		pc.meta.HasNormals = true
	}
	if colors != nil {
		pc.colors = append([]r3.Vector(nil), colors...)
		pc.meta.HasColors = true
	}
	for _, p := range pc.positions {
		pc.meta.Merge(p)
	}
	return pc, nil
}

// Size returns the number of points in the cloud.
func (pc *PointCloud) Size() int {
	return len(pc.positions)
}

// MetaData returns meta data.
func (pc *PointCloud) MetaData() MetaData {
	return pc.meta
}

// Point returns the position of point i.
func (pc *PointCloud) Point(i int) r3.Vector {
	return pc.positions[i]
}

// HasNormals returns whether the cloud carries per-point normals.
func (pc *PointCloud) HasNormals() bool {
	return pc.normals != nil
}

// Normal returns the unit normal of point i. A zero vector marks a point whose
// neighborhood was too degenerate to estimate a normal for.
func (pc *PointCloud) Normal(i int) r3.Vector {
	return pc.normals[i]
}

// HasColors returns whether the cloud carries per-point colors.
func (pc *PointCloud) HasColors() bool {
	return pc.colors != nil
}

// Color returns the RGB color of point i with components in [0,1].
func (pc *PointCloud) Color(i int) r3.Vector {
	return pc.colors[i]
}

// Intensity returns the grayscale intensity of point i, the channel mean.
func (pc *PointCloud) Intensity(i int) float64 {
	c := pc.colors[i]
	return (c.X + c.Y + c.Z) / 3.
}

// Iterate iterates over all points in the cloud and calls the given function
// for each point. If the supplied function returns false, iteration stops.
func (pc *PointCloud) Iterate(fn func(i int, p r3.Vector) bool) {
	for i, p := range pc.positions {
		if !fn(i, p) {
			return
		}
	}
}

// Clone returns a deep copy of the cloud.
func (pc *PointCloud) Clone() *PointCloud {
	out := &PointCloud{
		positions: append([]r3.Vector(nil), pc.positions...),
		meta:      pc.meta,
	}
	if pc.normals != nil {
		out.normals = append([]r3.Vector(nil), pc.normals...)
	}
	if pc.colors != nil {
		out.colors = append([]r3.Vector(nil), pc.colors...)
	}
	return out
}

// Transform returns a new cloud with the rigid motion applied to every
// position, and to every normal (rotation only). Colors carry over.
func (pc *PointCloud) Transform(rt *spatialmath.RigidTransform) *PointCloud {
	out := pc.Clone()
	out.TransformInPlace(rt)
	return out
}

// TransformInPlace applies the rigid motion to an owned working copy. Bounds
// metadata is recomputed.
func (pc *PointCloud) TransformInPlace(rt *spatialmath.RigidTransform) {
	meta := NewMetaData()
	meta.HasNormals = pc.meta.HasNormals
	meta.HasColors = pc.meta.HasColors
	for i, p := range pc.positions {
		pc.positions[i] = rt.TransformPoint(p)
		meta.Merge(pc.positions[i])
	}
	for i, n := range pc.normals {
		pc.normals[i] = rt.TransformDirection(n)
	}
	pc.meta = meta
}
