package registration

import "github.com/pkg/errors"

var (
	// ErrNoCorrespondences is returned when the first ICP iteration finds no
	// point pairs at all, meaning the clouds do not overlap under the initial
	// guess. Later iterations absorb an empty match set without error.
	ErrNoCorrespondences = errors.New("no correspondences found between source and target")

	// ErrMissingNormals is returned when an estimator needs normals a cloud
	// does not carry.
	ErrMissingNormals = errors.New("point cloud is missing normals")

	// ErrMissingColors is returned when an estimator needs colors a cloud does
	// not carry.
	ErrMissingColors = errors.New("point cloud is missing colors")
)
