package repository

import (
	"strings"

	"github.com/pgvector/pgvector-go"
)

// isUniqueViolation checks if the error is a unique constraint violation
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "23505") ||
		strings.Contains(errMsg, "unique") ||
		strings.Contains(errMsg, "duplicate key")
}

// toVector converts an embedding to the pgvector wire type
func toVector(embedding []float64) pgvector.Vector {
	floats := make([]float32, len(embedding))
	for i, v := range embedding {
		floats[i] = float32(v)
	}
	return pgvector.NewVector(floats)
}

// fromVector converts a scanned pgvector value back to []float64
func fromVector(vec pgvector.Vector) []float64 {
	slice := vec.Slice()
	if slice == nil {
		return nil
	}
	embedding := make([]float64, len(slice))
	for i, v := range slice {
		embedding[i] = float64(v)
	}
	return embedding
}
