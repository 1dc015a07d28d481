package rekognition

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockAPI stubs the DetectFaces call
type mockAPI struct {
	detectFacesFunc func(ctx context.Context, params *rekognition.DetectFacesInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectFacesOutput, error)
}

func (m *mockAPI) DetectFaces(ctx context.Context, params *rekognition.DetectFacesInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectFacesOutput, error) {
	if m.detectFacesFunc != nil {
		return m.detectFacesFunc(ctx, params, optFns...)
	}
	return &rekognition.DetectFacesOutput{}, nil
}

// testImage returns a decodable PNG of the given dimensions.
func testImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.Gray{Y: uint8((x + y) % 256)})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDetector_DetectFaces(t *testing.T) {
	img := testImage(t, 200, 100)

	output := &rekognition.DetectFacesOutput{
		FaceDetails: []types.FaceDetail{
			{
				BoundingBox: &types.BoundingBox{
					Left:   aws.Float32(0.25),
					Top:    aws.Float32(0.1),
					Width:  aws.Float32(0.5),
					Height: aws.Float32(0.8),
				},
				Confidence: aws.Float32(99.0),
				Quality: &types.ImageQuality{
					Brightness: aws.Float32(80),
					Sharpness:  aws.Float32(90),
				},
				Pose: &types.Pose{
					Yaw:   aws.Float32(-30),
					Pitch: aws.Float32(5),
					Roll:  aws.Float32(1),
				},
				Landmarks: []types.Landmark{
					{Type: types.LandmarkTypeEyeLeft, X: aws.Float32(0.35), Y: aws.Float32(0.3)},
					{Type: types.LandmarkTypeEyeRight, X: aws.Float32(0.65), Y: aws.Float32(0.3)},
					{Type: types.LandmarkTypeNose, X: aws.Float32(0.45), Y: aws.Float32(0.5)},
				},
			},
		},
	}

	d := NewDetectorWithClient(&mockAPI{
		detectFacesFunc: func(ctx context.Context, params *rekognition.DetectFacesInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectFacesOutput, error) {
			assert.NotEmpty(t, params.Image.Bytes)
			return output, nil
		},
	})

	faces, err := d.DetectFaces(context.Background(), img)
	require.NoError(t, err)
	require.Len(t, faces, 1)

	face := faces[0]
	// Relative coords scaled to 200x100 pixels
	assert.InDelta(t, 50.0, face.BoundingBox.X, 0.001)
	assert.InDelta(t, 10.0, face.BoundingBox.Y, 0.001)
	assert.InDelta(t, 100.0, face.BoundingBox.Width, 0.001)
	assert.InDelta(t, 80.0, face.BoundingBox.Height, 0.001)
	assert.InDelta(t, 0.99, face.Confidence, 0.001)
	assert.InDelta(t, 0.8*0.3+0.9*0.7, face.QualityScore, 0.001)

	require.NotNil(t, face.Pose)
	assert.InDelta(t, -30.0, face.Pose.Yaw, 0.001)

	require.NotNil(t, face.Landmarks)
	assert.InDelta(t, 70.0, face.Landmarks.LeftEye.X, 0.001)
	assert.InDelta(t, 130.0, face.Landmarks.RightEye.X, 0.001)
	assert.InDelta(t, 90.0, face.Landmarks.NoseTip.X, 0.001)
	assert.InDelta(t, 50.0, face.Landmarks.NoseTip.Y, 0.001)
}

func TestDetector_DetectFaces_NoFaces(t *testing.T) {
	d := NewDetectorWithClient(&mockAPI{})

	faces, err := d.DetectFaces(context.Background(), testImage(t, 64, 64))
	require.NoError(t, err)
	assert.Empty(t, faces)
}

func TestDetector_DetectFaces_PartialLandmarks(t *testing.T) {
	output := &rekognition.DetectFacesOutput{
		FaceDetails: []types.FaceDetail{
			{
				BoundingBox: &types.BoundingBox{
					Left:   aws.Float32(0),
					Top:    aws.Float32(0),
					Width:  aws.Float32(1),
					Height: aws.Float32(1),
				},
				Confidence: aws.Float32(95),
				Landmarks: []types.Landmark{
					// Missing nose: landmarks should be dropped entirely
					{Type: types.LandmarkTypeEyeLeft, X: aws.Float32(0.3), Y: aws.Float32(0.3)},
					{Type: types.LandmarkTypeEyeRight, X: aws.Float32(0.7), Y: aws.Float32(0.3)},
				},
			},
		},
	}

	d := NewDetectorWithClient(&mockAPI{
		detectFacesFunc: func(ctx context.Context, params *rekognition.DetectFacesInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectFacesOutput, error) {
			return output, nil
		},
	})

	faces, err := d.DetectFaces(context.Background(), testImage(t, 64, 64))
	require.NoError(t, err)
	require.Len(t, faces, 1)
	assert.Nil(t, faces[0].Landmarks)
	assert.Equal(t, 0.0, faces[0].QualityScore)
}

func TestDetector_DetectFaces_InvalidImage(t *testing.T) {
	d := NewDetectorWithClient(&mockAPI{})

	tests := []struct {
		name  string
		image []byte
	}{
		{"empty image", nil},
		{"too small", []byte("tiny")},
		{"not decodable", bytes.Repeat([]byte{0xAB}, 500)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.DetectFaces(context.Background(), tt.image)
			assert.ErrorIs(t, err, ErrInvalidImage)
		})
	}
}

func TestDetector_DetectFaces_AccessDenied(t *testing.T) {
	d := NewDetectorWithClient(&mockAPI{
		detectFacesFunc: func(ctx context.Context, params *rekognition.DetectFacesInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectFacesOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "denied"}
		},
	})

	_, err := d.DetectFaces(context.Background(), testImage(t, 64, 64))
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestDetector_DetectFaces_PassesThroughErrors(t *testing.T) {
	boom := errors.New("network down")
	d := NewDetectorWithClient(&mockAPI{
		detectFacesFunc: func(ctx context.Context, params *rekognition.DetectFacesInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectFacesOutput, error) {
			return nil, boom
		},
	})

	_, err := d.DetectFaces(context.Background(), testImage(t, 64, 64))
	assert.ErrorIs(t, err, boom)
}
