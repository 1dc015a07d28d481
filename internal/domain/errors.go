package domain

import (
	"fmt"
)

type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Err        error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches AppErrors by code so wrapped copies still compare equal to
// their sentinel.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func (e *AppError) WithError(err error) *AppError {
	return &AppError{
		Code:       e.Code,
		Message:    e.Message,
		StatusCode: e.StatusCode,
		Err:        err,
	}
}

// Pre-defined errors
var (
	ErrInternal = &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    "An unexpected error occurred",
		StatusCode: 500,
	}

	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
		StatusCode: 400,
	}

	ErrNotFound = &AppError{
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
		StatusCode: 404,
	}

	ErrIdentityNotFound = &AppError{
		Code:       "IDENTITY_NOT_FOUND",
		Message:    "Identity not found",
		StatusCode: 404,
	}

	ErrEmbeddingNotFound = &AppError{
		Code:       "EMBEDDING_NOT_FOUND",
		Message:    "No embeddings stored for identity",
		StatusCode: 404,
	}

	ErrEmbeddingRejected = &AppError{
		Code:       "EMBEDDING_REJECTED",
		Message:    "Embedding rejected: identity at capacity and quality does not improve the stored set",
		StatusCode: 409,
	}

	ErrDimensionMismatch = &AppError{
		Code:       "DIMENSION_MISMATCH",
		Message:    "Embedding dimensionality does not match the configured model",
		StatusCode: 422,
	}

	ErrInvalidImage = &AppError{
		Code:       "INVALID_IMAGE",
		Message:    "Invalid image format or corrupted file",
		StatusCode: 422,
	}

	ErrNoFaceDetected = &AppError{
		Code:       "NO_FACE_DETECTED",
		Message:    "No face detected in the image",
		StatusCode: 422,
	}

	ErrMultipleFaces = &AppError{
		Code:       "MULTIPLE_FACES",
		Message:    "Multiple faces detected, please provide image with single face",
		StatusCode: 422,
	}

	ErrLowQualityImage = &AppError{
		Code:       "LOW_QUALITY_IMAGE",
		Message:    "Image quality too low for reliable recognition",
		StatusCode: 422,
	}

	ErrNoEncodingGenerated = &AppError{
		Code:       "NO_ENCODING_GENERATED",
		Message:    "Encoder produced no embedding for the detected face",
		StatusCode: 422,
	}

	ErrEmptyPopulation = &AppError{
		Code:       "EMPTY_POPULATION",
		Message:    "No enrolled identities to match against",
		StatusCode: 404,
	}

	ErrSessionComplete = &AppError{
		Code:       "SESSION_COMPLETE",
		Message:    "Capture session already complete",
		StatusCode: 409,
	}

	ErrSessionIncomplete = &AppError{
		Code:       "SESSION_INCOMPLETE",
		Message:    "Capture session has not collected all required angles",
		StatusCode: 409,
	}

	ErrInvalidThreshold = &AppError{
		Code:       "INVALID_THRESHOLD",
		Message:    "Threshold must be between 0 and 1",
		StatusCode: 422,
	}

	ErrValidationFailed = &AppError{
		Code:       "VALIDATION_FAILED",
		Message:    "Request validation failed",
		StatusCode: 422,
	}
)
