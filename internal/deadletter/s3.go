package deadletter

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/resilience"
)

// ObjectPutter is satisfied by *s3.Client.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink archives each envelope as a gzip JSON object under
// <prefix>/<yyyy>/<mm>/<dd>/<batch id>.json.gz.
type S3Sink struct {
	client   ObjectPutter
	bucket   string
	prefix   string
	timeout  time.Duration
	attempts int
	backoff  resilience.Backoff
}

// NewS3Client loads the default AWS credential chain for region.
func NewS3Client(ctx context.Context, region string) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	// Retries are driven by the sink.
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 1
	}), nil
}

func NewS3Sink(client ObjectPutter, cfg config.DeadLetterConfig) *S3Sink {
	timeout := cfg.S3Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &S3Sink{
		client:   client,
		bucket:   cfg.S3Bucket,
		prefix:   cfg.S3Prefix,
		timeout:  timeout,
		attempts: 3,
		backoff:  resilience.Backoff{InitialDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2},
	}
}

func (s *S3Sink) Name() string { return "s3" }

// Key returns the object key for env.
func (s *S3Sink) Key(env Envelope) string {
	return path.Join(s.prefix, env.FailedAt.UTC().Format("2006/01/02"), env.BatchID+".json.gz")
}

func (s *S3Sink) Write(ctx context.Context, env Envelope) error {
	body, err := compress(env)
	if err != nil {
		return err
	}
	key := s.Key(env)
	err = resilience.Retry(ctx, "deadletter-s3", s.attempts, s.backoff, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:          aws.String(s.bucket),
			Key:             aws.String(key),
			Body:            bytes.NewReader(body),
			ContentLength:   aws.Int64(int64(len(body))),
			ContentType:     aws.String("application/json"),
			ContentEncoding: aws.String("gzip"),
		})
		return err
	})
	if err == nil {
		logger.FromContext(ctx).Debug("envelope archived", "bucket", s.bucket, "key", key, "bytes", len(body))
	}
	return err
}

func compress(env Envelope) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(env); err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing envelope: %w", err)
	}
	return buf.Bytes(), nil
}
