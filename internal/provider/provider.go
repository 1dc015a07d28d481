package provider

import "context"

// Detector locates faces in a photo and reports per-face geometry.
type Detector interface {
	// DetectFaces returns every face found in the image, with pixel-space
	// bounding boxes and whatever landmarks the backend exposes.
	DetectFaces(ctx context.Context, image []byte) ([]DetectedFace, error)
}

// Encoder turns a face crop into a biometric embedding vector.
type Encoder interface {
	// EncodeFace extracts the embedding for the (single) face in the crop.
	EncodeFace(ctx context.Context, image []byte) ([]float64, error)
}

// DetectedFace represents a detected face in the image
type DetectedFace struct {
	BoundingBox  BoundingBox `json:"bounding_box"`
	Confidence   float64     `json:"confidence"`
	QualityScore float64     `json:"quality_score"`
	Landmarks    *Landmarks  `json:"landmarks,omitempty"`
	Pose         *Pose       `json:"pose,omitempty"`
}

// Pose represents face orientation angles
type Pose struct {
	Pitch float64 `json:"pitch"` // up/down rotation
	Roll  float64 `json:"roll"`  // tilted rotation
	Yaw   float64 `json:"yaw"`   // left/right rotation
}

// BoundingBox represents the face area in the image, in pixels.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Point is a pixel coordinate within the source image.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Landmarks holds the facial keypoints used by orientation classification.
// Visibility scores are 0-10 when the backend reports them, nil otherwise.
type Landmarks struct {
	LeftEye            Point    `json:"left_eye"`
	RightEye           Point    `json:"right_eye"`
	NoseTip            Point    `json:"nose_tip"`
	LeftEyeVisibility  *float64 `json:"left_eye_visibility,omitempty"`
	RightEyeVisibility *float64 `json:"right_eye_visibility,omitempty"`
}
