package report

// Optional upload of the written JSON report to an S3-compatible bucket,
// grounded in the teacher's internal/s3 storage layer and minio_local.go
// test-server wrapper, both built on github.com/minio/minio-go.

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	runnerErrors "github.com/linux-test-project/runltp-ng-sub000/internal/errors"
)

// ArchiveConfig names the bucket a sealed Report should be mirrored to.
type ArchiveConfig struct {
	Endpoint  string
	Bucket    string
	Object    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Archive uploads doc as a single JSON object to an S3-compatible bucket.
// Purely additive: a failed archive upload never fails the session, the
// caller is expected to log.Warn on a non-nil return.
func Archive(ctx context.Context, doc Report, cfg ArchiveConfig) (err kv.Error) {
	body, errGo := json.MarshalIndent(doc, "", "  ")
	if errGo != nil {
		return runnerErrors.Wrap(runnerErrors.Configuration, errGo)
	}

	client, errGo := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if errGo != nil {
		return runnerErrors.Wrap(runnerErrors.Transport, errGo).With("stack", stack.Trace().TrimRuntime())
	}

	exists, errGo := client.BucketExists(ctx, cfg.Bucket)
	if errGo != nil {
		return runnerErrors.Wrap(runnerErrors.Transport, errGo).With("bucket", cfg.Bucket)
	}
	if !exists {
		if errGo = client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); errGo != nil {
			return runnerErrors.Wrap(runnerErrors.Transport, errGo).With("bucket", cfg.Bucket)
		}
	}

	reader := bytes.NewReader(body)
	if _, errGo = client.PutObject(ctx, cfg.Bucket, cfg.Object, reader, int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"}); errGo != nil {
		return runnerErrors.Wrap(runnerErrors.Transport, errGo).
			With("bucket", cfg.Bucket, "object", cfg.Object).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}
