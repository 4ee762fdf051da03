// Package registration aligns pairs of point clouds with a rigid motion.
//
// The entry points are RegisterICP for a single-resolution solve and
// RegisterMultiScale for the coarse-to-fine pipeline. Three transformation
// estimators are provided: point-to-point, point-to-plane, and colored ICP.
package registration

import (
	"context"

	"github.com/openscan/cloudalign/pointcloud"
	"github.com/openscan/cloudalign/utils"
)

// Correspondence pairs a source point with its nearest target point. It is
// regenerated every ICP iteration and owned by that iteration.
type Correspondence struct {
	SourceIndex     int
	TargetIndex     int
	SquaredDistance float64
}

// FindCorrespondences matches every point of the already-transformed source
// cloud against its nearest target point, keeping matches within maxDistance.
// Source points without a match in range contribute nothing; that is how
// partially overlapping scans are handled. Output follows source point order,
// the canonical ordering downstream consumers rely on.
func FindCorrespondences(
	ctx context.Context,
	sourceTransformed *pointcloud.PointCloud,
	targetTree *pointcloud.KDTree,
	maxDistance float64,
) []Correspondence {
	size := sourceTransformed.Size()
	candidates := make([]Correspondence, size)
	accepted := make([]bool, size)
	maxSquared := maxDistance * maxDistance

	//nolint:errcheck
	utils.GroupWorkParallel(
		ctx,
		size,
		func(groupSize int) {},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			return func(memberNum, workNum int) {
				idx, d2, ok := targetTree.NearestOne(sourceTransformed.Point(workNum))
				if !ok || d2 > maxSquared {
					return
				}
				candidates[workNum] = Correspondence{
					SourceIndex:     workNum,
					TargetIndex:     idx,
					SquaredDistance: d2,
				}
				accepted[workNum] = true
			}, nil
		},
	)

	out := make([]Correspondence, 0, size)
	for i := range candidates {
		if accepted[i] {
			out = append(out, candidates[i])
		}
	}
	return out
}
