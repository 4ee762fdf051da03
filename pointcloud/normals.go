package pointcloud

import (
	"context"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/openscan/cloudalign/utils"
)

// minNormalNeighbors is the smallest neighborhood a plane can be fit to.
// Points with fewer neighbors get the zero-vector marker and are excluded from
// plane-based residuals downstream.
const minNormalNeighbors = 3

// EstimateNormals returns a copy of the cloud annotated with per-point unit
// normals. Each normal is the least-variance direction of the covariance of
// the point's neighborhood: up to maxNeighbors of the nearest points within
// searchRadius. The sign ambiguity is resolved by orienting every normal
// toward the viewpoint; a normal exactly orthogonal to the viewpoint direction
// is flipped so its first nonzero component is positive, keeping results
// stable across runs.
func EstimateNormals(ctx context.Context, pc *PointCloud, searchRadius float64, maxNeighbors int, viewpoint r3.Vector) (*PointCloud, error) {
	if searchRadius <= 0 {
		return nil, errors.Errorf("searchRadius must be positive, got %f", searchRadius)
	}
	if maxNeighbors < minNormalNeighbors {
		return nil, errors.Errorf("maxNeighbors must be at least %d, got %d", minNormalNeighbors, maxNeighbors)
	}

	kd := BuildKDTree(pc)
	normals := make([]r3.Vector, pc.Size())

	err := utils.GroupWorkParallel(
		ctx,
		pc.Size(),
		func(groupSize int) {},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			return func(memberNum, workNum int) {
				p := pc.positions[workNum]
				neighbors := kd.RadiusSearch(p, searchRadius)
				if len(neighbors) > maxNeighbors {
					neighbors = neighbors[:maxNeighbors]
				}
				if len(neighbors) < minNormalNeighbors {
					normals[workNum] = r3.Vector{}
					return
				}
				pts := make([]r3.Vector, len(neighbors))
				for i, n := range neighbors {
					pts[i] = pc.positions[n.Index]
				}
				normal := estimatePlaneNormalFromPoints(pts)
				normals[workNum] = orientNormal(normal, p, viewpoint)
			}, nil
		},
	)
	if err != nil {
		return nil, err
	}

	out := pc.Clone()
	out.normals = normals
	out.meta.HasNormals = true
	return out, nil
}

// estimatePlaneNormalFromPoints fits a plane to the points and returns its
// normal, the eigenvector of the neighborhood covariance with the smallest
// eigenvalue. Returns the zero vector if the decomposition fails.
func estimatePlaneNormalFromPoints(points []r3.Vector) r3.Vector {
	center := r3.Vector{}
	for _, pt := range points {
		center = center.Add(pt)
	}
	center = center.Mul(1. / float64(len(points)))

	var xx, xy, xz, yy, yz, zz float64
	for _, pt := range points {
		d := pt.Sub(center)
		xx += d.X * d.X
		xy += d.X * d.Y
		xz += d.X * d.Z
		yy += d.Y * d.Y
		yz += d.Y * d.Z
		zz += d.Z * d.Z
	}
	cov := mat.NewSymDense(3, []float64{
		xx, xy, xz,
		xy, yy, yz,
		xz, yz, zz,
	})

	var eig mat.EigenSym
	if ok := eig.Factorize(cov, true); !ok {
		return r3.Vector{}
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	// eigenvalues come back in ascending order; column 0 is the least-variance
	// direction
	normal := r3.Vector{X: vecs.At(0, 0), Y: vecs.At(1, 0), Z: vecs.At(2, 0)}
	if normal.Norm2() == 0 {
		return r3.Vector{}
	}
	return normal.Normalize()
}

// orientNormal flips the normal toward the viewpoint, with a deterministic
// tie-break when the normal is exactly orthogonal to the viewing direction.
func orientNormal(normal, point, viewpoint r3.Vector) r3.Vector {
	if normal.Norm2() == 0 {
		return normal
	}
	dot := normal.Dot(viewpoint.Sub(point))
	if dot < 0 {
		return normal.Mul(-1)
	}
	if dot == 0 {
		switch {
		case normal.X != 0:
			if normal.X < 0 {
				return normal.Mul(-1)
			}
		case normal.Y != 0:
			if normal.Y < 0 {
				return normal.Mul(-1)
			}
		case normal.Z < 0:
			return normal.Mul(-1)
		}
	}
	return normal
}
