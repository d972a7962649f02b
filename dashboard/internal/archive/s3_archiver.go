// Package archive uploads dashboard snapshots to object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/ILLUVRSE/testinfra/dashboard/internal/models"
)

// Archiver stores one snapshot and returns its object key.
type Archiver interface {
	ArchiveSnapshot(ctx context.Context, snap models.Snapshot, takenAt time.Time) (string, error)
}

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver writes snapshots to s3://<bucket>/<prefix>/snapshots/YYYY/MM/DD/<time>-<id>.json.
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader uploader
}

// NewS3Archiver loads AWS configuration from the environment (AWS_REGION, AWS_PROFILE, ...).
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(s3.NewFromConfig(cfg)),
	}, nil
}

type snapshotEnvelope struct {
	TakenAt  time.Time       `json:"takenAt"`
	Snapshot models.Snapshot `json:"snapshot"`
}

func (s *S3Archiver) ArchiveSnapshot(ctx context.Context, snap models.Snapshot, takenAt time.Time) (string, error) {
	if takenAt.IsZero() {
		takenAt = time.Now().UTC()
	}
	body, err := json.Marshal(snapshotEnvelope{TakenAt: takenAt, Snapshot: snap})
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	key := ObjectKey(s.prefix, takenAt, uuid.NewString())
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return key, nil
}

func ObjectKey(prefix string, takenAt time.Time, id string) string {
	ts := takenAt.UTC()
	year, month, day := ts.Date()
	return path.Join(prefix, "snapshots",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s-%s.json", ts.Format("150405"), id),
	)
}

// SnapshotSource is read by the Runner on each tick.
type SnapshotSource interface {
	Snapshot() models.Snapshot
	Version() uint64
}

// Runner archives the source on an interval, skipping ticks where nothing changed.
type Runner struct {
	archiver Archiver
	source   SnapshotSource
	interval time.Duration
	logger   *log.Logger
	now      func() time.Time

	lastVersion uint64
	archived    bool
}

func NewRunner(archiver Archiver, source SnapshotSource, interval time.Duration, logger *log.Logger) *Runner {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{
		archiver: archiver,
		source:   source,
		interval: interval,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ArchiveOnce(ctx); err != nil {
				r.logger.Printf("[archive] snapshot upload failed: %v", err)
			}
		}
	}
}

// ArchiveOnce uploads the current snapshot if it changed since the last upload. It returns the
// object key, or "" when skipped.
func (r *Runner) ArchiveOnce(ctx context.Context) (string, error) {
	version := r.source.Version()
	if r.archived && version == r.lastVersion {
		return "", nil
	}
	key, err := r.archiver.ArchiveSnapshot(ctx, r.source.Snapshot(), r.now())
	if err != nil {
		return "", err
	}
	r.lastVersion = version
	r.archived = true
	return key, nil
}
