// Package compressor defines the content compression collaborator used by
// recovery and an adapter for compressors that run as external processes.
package compressor

import (
	"context"
	"time"
)

// Request asks a compressor to shrink content.
type Request struct {
	Content string
	// TargetReductionPercent is the desired reduction, 0-100.
	TargetReductionPercent float64
	// PreservationThreshold is the minimum semantic preservation score, 0-1.
	PreservationThreshold float64
	MaxTime               time.Duration
	Aggressive            bool
}

// Result reports what a compressor achieved.
type Result struct {
	Status              string   `json:"status"`
	OriginalSize        int      `json:"original_size"`
	CompressedSize      int      `json:"compressed_size"`
	TokensSaved         int64    `json:"tokens_saved"`
	CompressionRatio    float64  `json:"compression_ratio"`
	ReductionPercentage float64  `json:"reduction_percentage"`
	PreservationScore   float64  `json:"preservation_score"`
	ProcessingTime      float64  `json:"processing_time"`
	MethodsUsed         []string `json:"methods_used"`
	MeetsPreservation   bool     `json:"meets_preservation_threshold"`
}

// Compressor shrinks content. Callers must tolerate failures and treat them
// as zero tokens saved.
type Compressor interface {
	Compress(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to Compressor.
type Func func(ctx context.Context, req Request) (Result, error)

// Compress implements Compressor.
func (f Func) Compress(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
