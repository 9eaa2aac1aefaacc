package archive

import (
	"context"
	"fmt"
)

// Kind names an archive backend.
type Kind string

const (
	KindFS  Kind = "fs"
	KindS3  Kind = "s3"
	KindGCS Kind = "gcs"
)

// Options selects and configures a backend. It is filled from config.Config.
type Options struct {
	Kind     Kind
	Dir      string
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// Open builds the backend named by opts.Kind; empty means fs.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Kind {
	case "", KindFS:
		if opts.Dir == "" {
			return nil, fmt.Errorf("archive: fs backend needs a directory")
		}
		return NewFileStore(opts.Dir)
	case KindS3:
		if opts.Bucket == "" {
			return nil, fmt.Errorf("archive: bucket is required for s3")
		}
		region := opts.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{Bucket: opts.Bucket, Region: region, Endpoint: opts.Endpoint, Prefix: opts.Prefix})
	case KindGCS:
		if opts.Bucket == "" {
			return nil, fmt.Errorf("archive: bucket is required for gcs")
		}
		return openGCS(ctx, opts)
	default:
		return nil, fmt.Errorf("archive: unsupported backend %q", opts.Kind)
	}
}
