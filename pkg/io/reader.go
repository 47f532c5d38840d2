// Package io provides input/output utilities for connection records and
// detection results.
package io

import (
	"context"

	"github.com/hed1ad/kddbench/pkg/kdd"
)

// RecordReader is the interface for reading connection records from
// various sources.
type RecordReader interface {
	// Read returns the complete dataset.
	Read() ([]kdd.Record, error)

	// Stream returns a channel of records for incremental processing.
	// The error channel receives at most one error and is closed with
	// the record channel.
	Stream(ctx context.Context) (<-chan kdd.Record, <-chan error)

	// Close releases resources.
	Close() error
}

// Writer is the interface for writing detection results.
type Writer interface {
	// Write outputs a single result.
	Write(result Result) error

	// WriteAll outputs multiple results.
	WriteAll(results []Result) error

	// Close flushes and releases resources.
	Close() error
}

// Result represents the detection result for one record.
type Result struct {
	Index      int                `json:"index"`
	Label      string             `json:"label,omitempty"`
	Scores     map[string]float64 `json:"scores"`
	IsAnomaly  map[string]bool    `json:"is_anomaly"`
	Connection string             `json:"connection,omitempty"`
	Metadata   map[string]any     `json:"metadata,omitempty"`
}
