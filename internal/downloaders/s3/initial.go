package s3

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/partdl/internal/utils"
)

type S3Downloader struct{}

func (d *S3Downloader) ValidateJob(job *utils.PartdlJob) error {
	bucket, key, err := parseS3URL(job.URL)
	if err != nil {
		return err
	}
	if key == "" || strings.HasSuffix(key, "/") {
		return fmt.Errorf("s3://%s/%s is a prefix, not an object", bucket, key)
	}
	if job.Metadata == nil {
		job.Metadata = make(map[string]any)
	}
	job.Metadata["bucket"] = bucket
	job.Metadata["key"] = key
	log.Info().Str("op", "s3/initial").Msgf("job validated for s3://%s/%s", bucket, key)
	return nil
}

func (d *S3Downloader) BuildJob(ctx context.Context, job *utils.PartdlJob) (utils.Source, error) {
	bucket := job.Metadata["bucket"].(string)
	key := job.Metadata["key"].(string)
	profile, _ := job.Metadata["profile"].(string)
	endpoint, _ := job.Metadata["endpoint"].(string)
	client, err := NewClient(ctx, profile, endpoint)
	if err != nil {
		return nil, fmt.Errorf("error creating S3 client: %v", err)
	}
	log.Info().Str("op", "s3/initial").Msgf("job built for s3://%s/%s", bucket, key)
	return NewSource(bucket, key, client), nil
}

// NewClient loads the shared AWS config for profile. A non-empty endpoint
// targets an S3-compatible store with path-style addressing.
func NewClient(ctx context.Context, profile, endpoint string) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRetryMode(aws.RetryModeAdaptive)}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %v", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func parseS3URL(url string) (string, string, error) {
	if !strings.HasPrefix(url, "s3://") {
		return "", "", fmt.Errorf("invalid S3 URL %q: expected s3://bucket/key", url)
	}
	parts := strings.SplitN(strings.TrimPrefix(url, "s3://"), "/", 2)
	if parts[0] == "" {
		return "", "", fmt.Errorf("invalid S3 URL format")
	}
	key := ""
	if len(parts) > 1 {
		key = parts[1]
	}
	return parts[0], key, nil
}
