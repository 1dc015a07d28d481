// Package face wires concrete detection and encoding backends from
// configuration.
package face

import (
	"context"
	"fmt"

	"github.com/eventpix/facematch/internal/config"
	"github.com/eventpix/facematch/internal/provider"
	"github.com/eventpix/facematch/internal/provider/deepface"
	"github.com/eventpix/facematch/internal/provider/mock"
	"github.com/eventpix/facematch/internal/provider/rekognition"
)

// BackendType names a face recognition backend.
type BackendType string

const (
	// BackendDeepFace runs detection and encoding against a DeepFace API
	// instance (local, for dev and self-hosted deployments).
	BackendDeepFace BackendType = "deepface"
	// BackendRekognition uses AWS Rekognition for detection (cloud).
	BackendRekognition BackendType = "rekognition"
	// BackendMock is the deterministic in-process backend for tests.
	BackendMock BackendType = "mock"
)

// NewDetector builds the face detector selected by DETECTOR_TYPE.
//
// Environment variables:
//   - DETECTOR_TYPE: "rekognition", "deepface" or "mock" (default: "rekognition")
//   - AWS_REGION: region for Rekognition (default: "us-east-1")
//   - DEEPFACE_URL: DeepFace API URL (default: "http://localhost:5005")
func NewDetector(ctx context.Context, cfg *config.Config) (provider.Detector, error) {
	switch BackendType(cfg.DetectorType) {
	case BackendRekognition, "":
		detector, err := rekognition.NewDetector(ctx, rekognition.Config{Region: cfg.AWSRegion})
		if err != nil {
			return nil, fmt.Errorf("create rekognition detector: %w", err)
		}
		return detector, nil

	case BackendDeepFace:
		return deepface.NewProvider(deepfaceConfig(cfg)), nil

	case BackendMock:
		return mock.NewWithDimension(cfg.EmbeddingDim), nil

	default:
		return nil, fmt.Errorf("unknown detector type %q (supported: %s, %s, %s)",
			cfg.DetectorType, BackendRekognition, BackendDeepFace, BackendMock)
	}
}

// NewEncoder builds the embedding backend selected by ENCODER_TYPE.
// Rekognition exposes no raw embedding API, so encoding always runs
// through DeepFace or the mock backend.
func NewEncoder(cfg *config.Config) (provider.Encoder, error) {
	switch BackendType(cfg.EncoderType) {
	case BackendDeepFace, "":
		return deepface.NewProvider(deepfaceConfig(cfg)), nil

	case BackendMock:
		return mock.NewWithDimension(cfg.EmbeddingDim), nil

	default:
		return nil, fmt.Errorf("unknown encoder type %q (supported: %s, %s)",
			cfg.EncoderType, BackendDeepFace, BackendMock)
	}
}

func deepfaceConfig(cfg *config.Config) deepface.Config {
	deepfaceCfg := deepface.DefaultConfig()
	if cfg.DeepFaceURL != "" {
		deepfaceCfg.BaseURL = cfg.DeepFaceURL
	}
	return deepfaceCfg
}
