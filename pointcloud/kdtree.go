package pointcloud

import (
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// KDTree is an immutable spatial index over the positions of one cloud.
// Build once, query from as many goroutines as needed; rebuild (never patch)
// when the underlying cloud changes.
type KDTree struct {
	tree *kdtree.Tree
	size int
}

// IndexedDistance is one query result: a point index into the indexed cloud
// and the squared Euclidean distance to the query.
type IndexedDistance struct {
	Index           int
	SquaredDistance float64
}

type kdPoint struct {
	pos   r3.Vector
	index int
}

func (p kdPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(kdPoint)
	switch d {
	case 0:
		return p.pos.X - q.pos.X
	case 1:
		return p.pos.Y - q.pos.Y
	default:
		return p.pos.Z - q.pos.Z
	}
}

func (p kdPoint) Dims() int { return 3 }

func (p kdPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(kdPoint)
	return p.pos.Sub(q.pos).Norm2()
}

type kdPoints []kdPoint

func (p kdPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p kdPoints) Len() int                              { return len(p) }
func (p kdPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }
func (p kdPoints) Pivot(d kdtree.Dim) int {
	return kdPlane{Dim: d, kdPoints: p}.Pivot()
}

// kdPlane is required by the gonum kdtree median-of-medians pivoting.
type kdPlane struct {
	kdtree.Dim
	kdPoints
}

func (p kdPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.kdPoints[i].pos.X < p.kdPoints[j].pos.X
	case 1:
		return p.kdPoints[i].pos.Y < p.kdPoints[j].pos.Y
	default:
		return p.kdPoints[i].pos.Z < p.kdPoints[j].pos.Z
	}
}

func (p kdPlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }

func (p kdPlane) Slice(start, end int) kdtree.SortSlicer {
	p.kdPoints = p.kdPoints[start:end]
	return p
}

func (p kdPlane) Swap(i, j int) {
	p.kdPoints[i], p.kdPoints[j] = p.kdPoints[j], p.kdPoints[i]
}

// BuildKDTree builds a balanced k-d tree over the cloud's positions. An empty
// cloud yields a tree that reports no matches for every query.
func BuildKDTree(pc *PointCloud) *KDTree {
	points := make(kdPoints, pc.Size())
	for i, p := range pc.positions {
		points[i] = kdPoint{pos: p, index: i}
	}
	kd := &KDTree{size: len(points)}
	if len(points) > 0 {
		kd.tree = kdtree.New(points, true)
	}
	return kd
}

// Size returns the number of indexed points.
func (kd *KDTree) Size() int {
	return kd.size
}

// NearestOne returns the index of the point closest to q and the squared
// distance to it. ok is false when the tree is empty.
func (kd *KDTree) NearestOne(q r3.Vector) (index int, squaredDistance float64, ok bool) {
	if kd.size == 0 {
		return 0, 0, false
	}
	got, dist := kd.tree.Nearest(kdPoint{pos: q, index: -1})
	if got == nil {
		return 0, 0, false
	}
	return got.(kdPoint).index, dist, true
}

// RadiusSearch returns every indexed point within radius of q, sorted by
// ascending squared distance.
func (kd *KDTree) RadiusSearch(q r3.Vector, radius float64) []IndexedDistance {
	if kd.size == 0 || radius <= 0 {
		return nil
	}
	keeper := kdtree.NewDistKeeper(radius * radius)
	kd.tree.NearestSet(keeper, kdPoint{pos: q, index: -1})
	return collectResults(keeper.Heap)
}

// KNearest returns up to k indexed points closest to q, sorted by ascending
// squared distance.
func (kd *KDTree) KNearest(q r3.Vector, k int) []IndexedDistance {
	if kd.size == 0 || k <= 0 {
		return nil
	}
	keeper := kdtree.NewNKeeper(k)
	kd.tree.NearestSet(keeper, kdPoint{pos: q, index: -1})
	return collectResults(keeper.Heap)
}

func collectResults(heap []kdtree.ComparableDist) []IndexedDistance {
	out := make([]IndexedDistance, 0, len(heap))
	for _, cd := range heap {
		if cd.Comparable == nil {
			// the keeper's sentinel entry
			continue
		}
		out = append(out, IndexedDistance{
			Index:           cd.Comparable.(kdPoint).index,
			SquaredDistance: cd.Dist,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SquaredDistance != out[j].SquaredDistance {
			return out[i].SquaredDistance < out[j].SquaredDistance
		}
		return out[i].Index < out[j].Index
	})
	return out
}
