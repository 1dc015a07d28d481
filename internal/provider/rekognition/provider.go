package rekognition

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"github.com/aws/smithy-go"

	"github.com/eventpix/facematch/internal/provider"
)

const (
	// maxImageSize is the maximum image size supported by AWS Rekognition (5MB)
	maxImageSize = 5 * 1024 * 1024
	// minImageSize is the minimum image size for valid processing
	minImageSize = 100

	errCodeAccessDenied     = "AccessDeniedException"
	errCodeInvalidParameter = "InvalidParameterException"
)

// api is the subset of the Rekognition client used by the detector.
// Narrowed for testability.
type api interface {
	DetectFaces(ctx context.Context, params *rekognition.DetectFacesInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectFacesOutput, error)
}

// Detector implements provider.Detector using AWS Rekognition DetectFaces.
// Rekognition reports relative coordinates; the detector decodes the image
// header to convert boxes and landmarks into pixels.
type Detector struct {
	client api
}

// Ensure Detector implements provider.Detector at compile time
var _ provider.Detector = (*Detector)(nil)

// NewDetector creates a Rekognition-backed detector using the AWS default
// credential chain.
func NewDetector(ctx context.Context, cfg Config) (*Detector, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Detector{client: rekognition.NewFromConfig(awsCfg)}, nil
}

// NewDetectorWithClient wires a preconfigured client. Used in tests.
func NewDetectorWithClient(client api) *Detector {
	return &Detector{client: client}
}

// validateImage checks if image data is valid for Rekognition processing
func validateImage(img []byte) error {
	if len(img) == 0 {
		return ErrInvalidImage
	}
	if len(img) < minImageSize {
		return fmt.Errorf("%w: image too small (%d bytes, minimum %d)", ErrInvalidImage, len(img), minImageSize)
	}
	if len(img) > maxImageSize {
		return fmt.Errorf("%w: image too large (%d bytes, maximum %d)", ErrInvalidImage, len(img), maxImageSize)
	}
	return nil
}

// DetectFaces detects faces using the Rekognition DetectFaces API.
// Returns an empty slice if no faces are detected (not an error).
func (d *Detector) DetectFaces(ctx context.Context, img []byte) ([]provider.DetectedFace, error) {
	if err := validateImage(img); err != nil {
		return nil, err
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("%w: decode dimensions: %v", ErrInvalidImage, err)
	}
	w, h := float64(cfg.Width), float64(cfg.Height)

	input := &rekognition.DetectFacesInput{
		Image: &types.Image{
			Bytes: img,
		},
		Attributes: []types.Attribute{types.AttributeAll},
	}

	output, err := d.client.DetectFaces(ctx, input)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case errCodeAccessDenied:
				return nil, fmt.Errorf("detect faces: %w", ErrInvalidCredentials)
			case errCodeInvalidParameter:
				return nil, fmt.Errorf("%w: %s", ErrInvalidImage, apiErr.ErrorMessage())
			}
		}
		return nil, fmt.Errorf("detect faces: %w", err)
	}

	faces := make([]provider.DetectedFace, 0, len(output.FaceDetails))
	for _, detail := range output.FaceDetails {
		face := provider.DetectedFace{
			BoundingBox: provider.BoundingBox{
				X:      float64(*detail.BoundingBox.Left) * w,
				Y:      float64(*detail.BoundingBox.Top) * h,
				Width:  float64(*detail.BoundingBox.Width) * w,
				Height: float64(*detail.BoundingBox.Height) * h,
			},
			Confidence:   float64(*detail.Confidence) / 100.0,
			QualityScore: qualityScore(detail.Quality),
			Landmarks:    convertLandmarks(detail.Landmarks, w, h),
		}
		if detail.Pose != nil {
			face.Pose = &provider.Pose{
				Pitch: derefF32(detail.Pose.Pitch),
				Roll:  derefF32(detail.Pose.Roll),
				Yaw:   derefF32(detail.Pose.Yaw),
			}
		}
		faces = append(faces, face)
	}

	return faces, nil
}

// convertLandmarks extracts the keypoints orientation analysis needs,
// scaled to pixel coordinates. Returns nil when any of them is missing.
func convertLandmarks(landmarks []types.Landmark, w, h float64) *provider.Landmarks {
	var leftEye, rightEye, nose *provider.Point
	for _, lm := range landmarks {
		if lm.X == nil || lm.Y == nil {
			continue
		}
		pt := provider.Point{X: float64(*lm.X) * w, Y: float64(*lm.Y) * h}
		switch lm.Type {
		case types.LandmarkTypeEyeLeft:
			leftEye = &pt
		case types.LandmarkTypeEyeRight:
			rightEye = &pt
		case types.LandmarkTypeNose:
			nose = &pt
		}
	}
	if leftEye == nil || rightEye == nil || nose == nil {
		return nil
	}
	return &provider.Landmarks{
		LeftEye:  *leftEye,
		RightEye: *rightEye,
		NoseTip:  *nose,
	}
}

// qualityScore computes an overall quality score from Rekognition quality
// metrics. Returns a score between 0.0 (poor) and 1.0 (excellent).
func qualityScore(quality *types.ImageQuality) float64 {
	if quality == nil {
		return 0.0
	}

	brightness := 0.0
	sharpness := 0.0

	if quality.Brightness != nil {
		brightness = float64(*quality.Brightness) / 100.0
	}

	if quality.Sharpness != nil {
		sharpness = float64(*quality.Sharpness) / 100.0
	}

	// Sharpness weighs more heavily as it is critical for recognition
	return brightness*0.3 + sharpness*0.7
}

func derefF32(f *float32) float64 {
	if f == nil {
		return 0
	}
	return float64(*f)
}
