package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"platebridge-pod/internal/config"
)

const putTimeout = 60 * time.Second

// PutObjectAPI is the slice of the S3 client the archiver needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver copies clips to an S3 bucket as evidence, independent of the portal upload.
type Archiver struct {
	client PutObjectAPI
	bucket string
	prefix string
	log    zerolog.Logger
}

// NewArchiver returns nil when no bucket is configured.
func NewArchiver(ctx context.Context, cfg config.EvidenceConfig, log zerolog.Logger) (*Archiver, error) {
	if cfg.S3Bucket == "" {
		return nil, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 1
	})
	return NewArchiverWithClient(client, cfg.S3Bucket, cfg.S3Prefix, log), nil
}

func NewArchiverWithClient(client PutObjectAPI, bucket, prefix string, log zerolog.Logger) *Archiver {
	return &Archiver{
		client: client,
		bucket: bucket,
		prefix: prefix,
		log:    log.With().Str("component", "archive").Str("bucket", bucket).Logger(),
	}
}

// Key is the object key a clip is stored under: prefix/camera/YYYY/MM/DD/name.
func (a *Archiver) Key(cameraID string, recordedAt time.Time, localPath string) string {
	return path.Join(a.prefix, cameraID, recordedAt.UTC().Format("2006/01/02"), filepath.Base(localPath))
}

// Archive uploads the clip once and returns its object key.
func (a *Archiver) Archive(ctx context.Context, cameraID string, recordedAt time.Time, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open clip: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat clip: %w", err)
	}

	key := a.Key(cameraID, recordedAt, localPath)
	putCtx, cancel := context.WithTimeout(ctx, putTimeout)
	defer cancel()

	_, err = a.client.PutObject(putCtx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("video/mp4"),
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", a.bucket, key, err)
	}

	a.log.Info().Str("key", key).Int64("bytes", info.Size()).Msg("clip archived")
	return key, nil
}
