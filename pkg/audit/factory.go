package audit

import (
	"context"
	"fmt"
)

// SinkConfig selects an archive backend.
type SinkConfig struct {
	Type     string // "fs" (default), "s3" or "gcs"
	Dir      string
	Bucket   string
	Region   string
	Endpoint string
}

// NewSink builds the configured archive sink.
func NewSink(ctx context.Context, cfg SinkConfig) (Sink, error) {
	switch cfg.Type {
	case "", "fs":
		dir := cfg.Dir
		if dir == "" {
			dir = "data/audit"
		}
		return NewFileSink(dir)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("audit: bucket is required for S3 archive")
		}
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Sink(ctx, S3Config{Bucket: cfg.Bucket, Region: region, Endpoint: cfg.Endpoint})
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("audit: bucket is required for GCS archive")
		}
		return newGCSSink(ctx, cfg.Bucket)
	default:
		return nil, fmt.Errorf("audit: unsupported archive type %q", cfg.Type)
	}
}
