package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"

	"github.com/eventpix/facematch/internal/analysis"
	"github.com/eventpix/facematch/internal/domain"
	"github.com/eventpix/facematch/internal/provider"
)

// Stage is the enrollment step the session is waiting on.
type Stage string

const (
	StageAwaitingFront Stage = "awaiting_front"
	StageAwaitingLeft  Stage = "awaiting_left"
	StageAwaitingRight Stage = "awaiting_right"
	StageComplete      Stage = "complete"
)

const (
	minFaceSize   = 100.0
	maxFaceSize   = 800.0
	minBrightness = 40.0
	maxBrightness = 220.0
	minSharpness  = 50.0

	// stabilityFrames is how many consecutive valid frames a pose must
	// hold before it is captured.
	stabilityFrames = 5

	// duplicatePoseThreshold is the minimum yaw separation, in degrees,
	// from every angle already captured in this session. It stops a user
	// who barely turns their head from enrolling the same pose twice.
	duplicatePoseThreshold = 20.0
)

type yawRange struct {
	min, max float64
}

var stageYaw = map[Stage]yawRange{
	StageAwaitingFront: {-15, 15},
	StageAwaitingLeft:  {-90, -25},
	StageAwaitingRight: {25, 90},
}

var stageBucket = map[Stage]domain.Orientation{
	StageAwaitingFront: domain.OrientationCenter,
	StageAwaitingLeft:  domain.OrientationLeft,
	StageAwaitingRight: domain.OrientationRight,
}

var nextStage = map[Stage]Stage{
	StageAwaitingFront: StageAwaitingLeft,
	StageAwaitingLeft:  StageAwaitingRight,
	StageAwaitingRight: StageComplete,
}

// Outcome reports what happened to one submitted frame.
type Outcome struct {
	Accepted    bool    `json:"accepted"`
	Stage       Stage   `json:"stage"`
	Feedback    string  `json:"feedback"`
	Yaw         float64 `json:"yaw"`
	StableCount int     `json:"stable_count"`
}

type capturedAngle struct {
	embedding []float64
	quality   float64 // 0-100
	yaw       float64
}

// Session walks a user through capturing three distinct head poses
// (front, left profile, right profile) for multi-angle enrollment. Each
// frame passes quality and pose gates, must differ from every pose already
// captured, and must hold stable across consecutive frames before it is
// accepted. A session serves one user and is not safe for concurrent use;
// the caller owns the wall-clock timeout for giving up on an unstable pose.
type Session struct {
	detector provider.Detector
	encoder  provider.Encoder
	logger   *slog.Logger

	stage       Stage
	stableCount int
	captures    map[Stage]capturedAngle
}

func NewSession(detector provider.Detector, encoder provider.Encoder, logger *slog.Logger) *Session {
	return &Session{
		detector: detector,
		encoder:  encoder,
		logger:   logger,
		stage:    StageAwaitingFront,
		captures: make(map[Stage]capturedAngle),
	}
}

func (s *Session) Stage() Stage {
	return s.stage
}

// Reset returns the session to its initial state, discarding captures.
func (s *Session) Reset() {
	s.stage = StageAwaitingFront
	s.stableCount = 0
	s.captures = make(map[Stage]capturedAngle)
	s.logger.Debug("capture session reset")
}

// ProcessFrame evaluates one live frame against the current stage's gates.
// Gate failures are not errors: they come back as feedback in the Outcome.
// Only detector/encoder failures and submitting to a finished session
// return an error.
func (s *Session) ProcessFrame(ctx context.Context, frame []byte) (*Outcome, error) {
	if s.stage == StageComplete {
		return nil, domain.ErrSessionComplete
	}

	faces, err := s.detector.DetectFaces(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("capture frame: %w", err)
	}

	if len(faces) == 0 {
		return s.reject("No face detected. Please position your face in the frame."), nil
	}
	if len(faces) > 1 {
		return s.reject("Multiple faces detected. Please ensure only one person is in frame."), nil
	}

	face := faces[0]
	longSide := math.Max(face.BoundingBox.Width, face.BoundingBox.Height)
	if longSide < minFaceSize {
		return s.reject("Face too small. Please move closer to the camera."), nil
	}
	if longSide > maxFaceSize {
		return s.reject("Face too large. Please move back from the camera."), nil
	}

	img, _, err := image.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, domain.ErrInvalidImage.WithError(err)
	}

	crop := analysis.GrayCrop(img, faceRect(face.BoundingBox), 256)
	if crop == nil {
		return s.reject("Cannot analyze face region. Please adjust position."), nil
	}

	brightness, _ := analysis.Stats(crop)
	if brightness < minBrightness {
		return s.reject("Too dark. Please improve lighting."), nil
	}
	if brightness > maxBrightness {
		return s.reject("Too bright. Please reduce lighting."), nil
	}

	sharpness := analysis.LaplacianVariance(crop)
	if sharpness < minSharpness {
		return s.reject("Image too blurry. Please hold still."), nil
	}

	if face.Landmarks == nil {
		return s.reject("Cannot detect facial features. Please adjust position."), nil
	}

	yaw := analysis.EstimateYaw(face.Landmarks, face.BoundingBox)

	if feedback, ok := s.validatePose(yaw); !ok {
		outcome := s.reject(feedback)
		outcome.Yaw = yaw
		return outcome, nil
	}

	if feedback, dup := s.duplicatePose(yaw); dup {
		outcome := s.reject(feedback)
		outcome.Yaw = yaw
		return outcome, nil
	}

	s.stableCount++
	if s.stableCount < stabilityFrames {
		return &Outcome{
			Stage:       s.stage,
			Feedback:    fmt.Sprintf("Hold steady... (%d/%d)", s.stableCount, stabilityFrames),
			Yaw:         yaw,
			StableCount: s.stableCount,
		}, nil
	}

	embedding, err := s.encoder.EncodeFace(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("encode captured pose: %w", err)
	}
	if len(embedding) == 0 {
		return nil, domain.ErrNoEncodingGenerated
	}

	quality := qualityScore(brightness, sharpness, face.BoundingBox.Width)
	captured := s.stage
	s.captures[captured] = capturedAngle{embedding: embedding, quality: quality, yaw: yaw}
	s.stage = nextStage[captured]
	s.stableCount = 0

	s.logger.Info("captured pose",
		"stage", captured,
		"yaw", yaw,
		"quality", quality,
	)

	return &Outcome{
		Accepted: true,
		Stage:    s.stage,
		Feedback: fmt.Sprintf("Captured at %.1f degrees.", yaw),
		Yaw:      yaw,
	}, nil
}

// Encodings returns the captured per-bucket embeddings for multi-angle
// enrollment. Only valid once the session is complete.
func (s *Session) Encodings() (map[domain.Orientation][]float64, error) {
	if s.stage != StageComplete {
		return nil, domain.ErrSessionIncomplete
	}

	out := make(map[domain.Orientation][]float64, len(s.captures))
	for stage, capture := range s.captures {
		out[stageBucket[stage]] = capture.embedding
	}
	return out, nil
}

// Qualities returns per-bucket quality scores scaled to [0,1], matching
// the embedding store's quality range.
func (s *Session) Qualities() (map[domain.Orientation]float64, error) {
	if s.stage != StageComplete {
		return nil, domain.ErrSessionIncomplete
	}

	out := make(map[domain.Orientation]float64, len(s.captures))
	for stage, capture := range s.captures {
		out[stageBucket[stage]] = capture.quality / 100
	}
	return out, nil
}

// CompositeEmbedding averages the three captured embeddings and
// re-normalizes to unit length, for single-vector compatibility paths.
func (s *Session) CompositeEmbedding() ([]float64, error) {
	if s.stage != StageComplete {
		return nil, domain.ErrSessionIncomplete
	}

	var composite []float64
	for _, capture := range s.captures {
		if composite == nil {
			composite = make([]float64, len(capture.embedding))
		}
		for i, v := range capture.embedding {
			composite[i] += v
		}
	}

	var norm float64
	for i := range composite {
		composite[i] /= float64(len(s.captures))
		norm += composite[i] * composite[i]
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return nil, domain.ErrNoEncodingGenerated
	}
	for i := range composite {
		composite[i] /= norm
	}
	return composite, nil
}

func (s *Session) reject(feedback string) *Outcome {
	s.stableCount = 0
	return &Outcome{Stage: s.stage, Feedback: feedback}
}

func (s *Session) validatePose(yaw float64) (string, bool) {
	r := stageYaw[s.stage]
	if yaw >= r.min && yaw <= r.max {
		return "", true
	}

	switch s.stage {
	case StageAwaitingFront:
		if yaw < r.min {
			return fmt.Sprintf("Turn right. Currently at %.1f degrees, need %.0f to %.0f.", yaw, r.min, r.max), false
		}
		return fmt.Sprintf("Turn left. Currently at %.1f degrees, need %.0f to %.0f.", yaw, r.min, r.max), false
	case StageAwaitingLeft:
		if yaw > r.max {
			return fmt.Sprintf("Turn more to the left. Currently at %.1f degrees.", yaw), false
		}
		return fmt.Sprintf("Turn less to the left. Currently at %.1f degrees.", yaw), false
	case StageAwaitingRight:
		if yaw < r.min {
			return fmt.Sprintf("Turn more to the right. Currently at %.1f degrees.", yaw), false
		}
		return fmt.Sprintf("Turn less to the right. Currently at %.1f degrees.", yaw), false
	}
	return fmt.Sprintf("Incorrect pose: %.1f degrees.", yaw), false
}

func (s *Session) duplicatePose(yaw float64) (string, bool) {
	for stage, capture := range s.captures {
		if math.Abs(yaw-capture.yaw) < duplicatePoseThreshold {
			return fmt.Sprintf(
				"Pose too similar to the %s capture at %.1f degrees. Turn to a different angle.",
				stageBucket[stage], capture.yaw,
			), true
		}
	}
	return "", false
}

// qualityScore grades a capture 0-100: brightness near 120, sharpness
// against a 200 ceiling, face width near 300px, weighted 0.3/0.5/0.2.
func qualityScore(brightness, sharpness, faceWidth float64) float64 {
	brightnessScore := clamp100(100 - math.Abs(brightness-120)/80*100)
	sharpnessScore := math.Min(100, sharpness/200*100)
	sizeScore := clamp100(100 - math.Abs(faceWidth-300)/200*100)

	return brightnessScore*0.3 + sharpnessScore*0.5 + sizeScore*0.2
}

func clamp100(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func faceRect(box provider.BoundingBox) image.Rectangle {
	return image.Rect(int(box.X), int(box.Y), int(box.X+box.Width), int(box.Y+box.Height))
}
