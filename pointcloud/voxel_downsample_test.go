package pointcloud

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestVoxelCoordinates(t *testing.T) {
	min := r3.Vector{}
	c := GetVoxelCoordinates(r3.Vector{X: 0.05, Y: 0.19, Z: 0.3}, min, 0.1)
	test.That(t, c, test.ShouldResemble, VoxelCoords{0, 1, 3})
	test.That(t, c.IsEqual(VoxelCoords{0, 1, 3}), test.ShouldBeTrue)
	test.That(t, c.IsEqual(VoxelCoords{0, 1, 2}), test.ShouldBeFalse)
}

func TestDownsampleVoxelValidation(t *testing.T) {
	pc := MakeRandomCloud(10, 1, 1)
	_, err := DownsampleVoxel(pc, 0)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = DownsampleVoxel(pc, -0.5)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDownsampleVoxelAveraging(t *testing.T) {
	positions := []r3.Vector{
		// two points in one voxel
		{X: 0.1, Y: 0.1, Z: 0.1},
		{X: 0.3, Y: 0.1, Z: 0.1},
		// one point far away in its own voxel
		{X: 10, Y: 10, Z: 10},
	}
	colors := []r3.Vector{
		{X: 1, Y: 0, Z: 0},
		{X: 0, Y: 1, Z: 0},
		{X: 0, Y: 0, Z: 1},
	}
	pc, err := NewWithAttributes(positions, nil, colors)
	test.That(t, err, test.ShouldBeNil)

	down, err := DownsampleVoxel(pc, 1.0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, down.Size(), test.ShouldEqual, 2)

	// voxel ordering is by ascending coordinates, so the merged pair comes first
	test.That(t, down.Point(0).X, test.ShouldAlmostEqual, 0.2)
	test.That(t, down.Point(0).Y, test.ShouldAlmostEqual, 0.1)
	test.That(t, down.Color(0).X, test.ShouldAlmostEqual, 0.5)
	test.That(t, down.Color(0).Y, test.ShouldAlmostEqual, 0.5)
	test.That(t, down.Point(1), test.ShouldResemble, r3.Vector{X: 10, Y: 10, Z: 10})
}

func TestDownsampleVoxelLaws(t *testing.T) {
	pc := MakeRandomCloud(2000, 1, 7)
	for _, voxelSize := range []float64{0.05, 0.2, 1.0} {
		down, err := DownsampleVoxel(pc, voxelSize)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, down.Size(), test.ShouldBeLessThanOrEqualTo, pc.Size())
		test.That(t, down.Size(), test.ShouldBeGreaterThan, 0)

		// every output point stays inside the input bounding box
		meta := pc.MetaData()
		down.Iterate(func(i int, p r3.Vector) bool {
			test.That(t, p.X, test.ShouldBeBetweenOrEqual, meta.MinX, meta.MaxX)
			test.That(t, p.Y, test.ShouldBeBetweenOrEqual, meta.MinY, meta.MaxY)
			test.That(t, p.Z, test.ShouldBeBetweenOrEqual, meta.MinZ, meta.MaxZ)
			return true
		})
	}
}

func TestDownsampleVoxelDeterministic(t *testing.T) {
	pc := MakeRandomCloud(500, 1, 11)
	a, err := DownsampleVoxel(pc, 0.25)
	test.That(t, err, test.ShouldBeNil)
	b, err := DownsampleVoxel(pc, 0.25)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, a.Size(), test.ShouldEqual, b.Size())
	for i := 0; i < a.Size(); i++ {
		test.That(t, a.Point(i), test.ShouldResemble, b.Point(i))
	}
}

func TestDownsampleVoxelNormals(t *testing.T) {
	positions := []r3.Vector{{X: 0.1, Y: 0.1, Z: 0.1}, {X: 0.2, Y: 0.2, Z: 0.2}}
	normals := []r3.Vector{{X: 0, Y: 0, Z: 1}, {X: 0, Y: 1, Z: 0}}
	pc, err := NewWithAttributes(positions, normals, nil)
	test.That(t, err, test.ShouldBeNil)

	down, err := DownsampleVoxel(pc, 1.0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, down.Size(), test.ShouldEqual, 1)
	// mean of the two normals, re-normalized
	n := down.Normal(0)
	test.That(t, n.Norm(), test.ShouldAlmostEqual, 1)
	test.That(t, n.Y, test.ShouldAlmostEqual, n.Z)

	// opposing normals average out to the degenerate zero marker
	pc2, err := NewWithAttributes(positions, []r3.Vector{{X: 0, Y: 0, Z: 1}, {X: 0, Y: 0, Z: -1}}, nil)
	test.That(t, err, test.ShouldBeNil)
	down2, err := DownsampleVoxel(pc2, 1.0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, down2.Normal(0), test.ShouldResemble, r3.Vector{})
}

func BenchmarkDownsampleVoxel(b *testing.B) {
	pc := MakeRandomCloud(100000, 1, 3)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := DownsampleVoxel(pc, 0.05)
		test.That(b, err, test.ShouldBeNil)
	}
}
