package results

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/aristath/rebalancer/internal/orchestrator"
)

// S3Config locates the archive bucket
type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // S3-compatible endpoint; path-style addressing is used when set
}

// Uploader is the subset of manager.Uploader the sink needs
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Sink uploads each result as JSON under {prefix}/{strategy}/{yyyy}/{mm}/{dd}/
type S3Sink struct {
	uploader Uploader
	bucket   string
	prefix   string
	log      zerolog.Logger
}

// NewS3Uploader builds an uploader from the default AWS credential chain
func NewS3Uploader(ctx context.Context, cfg S3Config) (*manager.Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return manager.NewUploader(client), nil
}

// NewS3Sink creates a sink with its own uploader
func NewS3Sink(ctx context.Context, cfg S3Config, log zerolog.Logger) (*S3Sink, error) {
	uploader, err := NewS3Uploader(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewS3SinkWithUploader(uploader, cfg, log), nil
}

// NewS3SinkWithUploader creates a sink over an existing uploader
func NewS3SinkWithUploader(uploader Uploader, cfg S3Config, log zerolog.Logger) *S3Sink {
	return &S3Sink{
		uploader: uploader,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		log:      log.With().Str("sink", "s3").Str("bucket", cfg.Bucket).Logger(),
	}
}

// Save uploads result
func (s *S3Sink) Save(ctx context.Context, result *orchestrator.StrategyExecutionResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	key := s.Key(result)
	out, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"execution-id": result.ExecutionID,
			"exec":         string(result.ExecKind),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	s.log.Debug().Str("key", key).Str("location", out.Location).Msg("Execution result uploaded")
	return nil
}

// Key returns the object key of result
func (s *S3Sink) Key(result *orchestrator.StrategyExecutionResult) string {
	strategy := result.StrategyName
	if strategy == "" {
		strategy = "accounts"
	}
	strategy = unsafeName.ReplaceAllString(strategy, "_")
	day := result.StartedAt.UTC().Format("2006/01/02")
	return path.Join(s.prefix, strategy, day, FileName(result))
}
