package flash

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
)

// S3Config holds S3 page settings
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	KeyPrefix string `yaml:"key_prefix"`
}

// S3 keeps the page as one object
type S3 struct {
	client *s3.Client
	bucket string
	key    string
}

// NewS3 creates a page stored at <prefix>record.page in the bucket
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &S3{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		key:    cfg.KeyPrefix + "record.page",
	}, nil
}

// ReadPage implements Page; a missing object reads as erased
func (p *S3) ReadPage(ctx context.Context) ([]byte, error) {
	log.Debug().
		Str("bucket", p.bucket).
		Str("key", p.key).
		Msg("S3 GET")

	result, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &p.bucket,
		Key:    &p.key,
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return ErasedPage(), nil
		}
		return nil, fmt.Errorf("S3 GetObject failed: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object: %w", err)
	}
	return data, nil
}

// ErasePage implements Page
func (p *S3) ErasePage(ctx context.Context) error {
	return p.put(ctx, ErasedPage())
}

// WritePage implements Page
func (p *S3) WritePage(ctx context.Context, data []byte) error {
	old, err := p.ReadPage(ctx)
	if err != nil {
		return err
	}
	out, err := program(old, data)
	if err != nil {
		return err
	}
	return p.put(ctx, out)
}

func (p *S3) put(ctx context.Context, page []byte) error {
	log.Debug().
		Str("bucket", p.bucket).
		Str("key", p.key).
		Int("size", len(page)).
		Msg("S3 PUT")

	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &p.bucket,
		Key:    &p.key,
		Body:   bytes.NewReader(page),
	})
	if err != nil {
		return fmt.Errorf("S3 PutObject failed: %w", err)
	}
	return nil
}
