package domain

// Orientation classifies which way a face points relative to the camera.
type Orientation string

const (
	OrientationCenter     Orientation = "center"
	OrientationLeft       Orientation = "left"
	OrientationRight      Orientation = "right"
	OrientationAngleLeft  Orientation = "angle_left"
	OrientationAngleRight Orientation = "angle_right"
	OrientationUnknown    Orientation = "unknown"
)

// Orientations lists every value the classifier can emit.
var Orientations = []Orientation{
	OrientationCenter,
	OrientationLeft,
	OrientationRight,
	OrientationAngleLeft,
	OrientationAngleRight,
	OrientationUnknown,
}

// Buckets are the three storage buckets used by cross-angle matching.
// Angled variants fold into their profile side.
var Buckets = []Orientation{
	OrientationCenter,
	OrientationLeft,
	OrientationRight,
}

// Bucket folds an orientation into its storage bucket. Unknown maps to
// center so low-information captures still land somewhere useful.
func (o Orientation) Bucket() Orientation {
	switch o {
	case OrientationLeft, OrientationAngleLeft:
		return OrientationLeft
	case OrientationRight, OrientationAngleRight:
		return OrientationRight
	default:
		return OrientationCenter
	}
}

// IsProfile reports whether the orientation is a full side profile.
func (o Orientation) IsProfile() bool {
	return o == OrientationLeft || o == OrientationRight
}

// Valid reports whether o is one of the known orientation values.
func (o Orientation) Valid() bool {
	switch o {
	case OrientationCenter, OrientationLeft, OrientationRight,
		OrientationAngleLeft, OrientationAngleRight, OrientationUnknown:
		return true
	}
	return false
}
