package syncer

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"riskmate-sync/internal/config"
	"riskmate-sync/internal/models"
)

// Draft field carrying inline photo evidence captured on the device.
const photoField = "photo_b64"

type evidenceUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// EvidenceProcessor strips inline photo evidence out of a draft before
// it is sent upstream: the image is decoded, thumbnailed, uploaded to
// object storage (or a local directory in dev), and the draft's fields
// are rewritten to reference the stored keys.
type EvidenceProcessor struct {
	cfg   config.Config
	local evidenceUploader
	s3    evidenceUploader
}

// NewEvidenceProcessor constructs the processor and chooses an uploader.
func NewEvidenceProcessor(ctx context.Context, cfg config.Config) (*EvidenceProcessor, error) {
	baseDir := cfg.EvidenceDir
	if baseDir == "" {
		baseDir = "./evidence"
	}

	var s3Upload evidenceUploader
	if cfg.EvidenceBucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.EvidenceBucket}
	}

	return &EvidenceProcessor{
		cfg:   cfg,
		local: &localUploader{baseDir: baseDir},
		s3:    s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.EvidenceRegion),
	}
	if cfg.EvidenceEndpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.EvidenceEndpoint,
					HostnameImmutable: cfg.EvidencePathStyle,
					SigningRegion:     cfg.EvidenceRegion,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.EvidencePathStyle
	}), nil
}

// Process returns the draft ready for upstream submission. Drafts with
// no inline photo pass through untouched.
func (p *EvidenceProcessor) Process(ctx context.Context, c models.PendingCreation) (models.PendingCreation, error) {
	encoded, ok := c.Entity.Fields[photoField].(string)
	if !ok || encoded == "" {
		return c, nil
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return c, fmt.Errorf("decode photo evidence: %w", err)
	}
	limit := p.cfg.EvidenceMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	if int64(len(data)) > limit {
		return c, fmt.Errorf("photo evidence too large (>%d bytes)", limit)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return c, fmt.Errorf("decode photo image: %w", err)
	}

	width := p.cfg.ThumbnailWidth
	if width == 0 {
		width = 320
	}
	thumb := imaging.Resize(img, width, 0, imaging.Lanczos)
	thumbBuf := &bytes.Buffer{}
	if err := imaging.Encode(thumbBuf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return c, fmt.Errorf("encode thumbnail: %w", err)
	}

	uploader := p.pickUploader()
	id := uuid.New().String()
	photoKey := sanitizeKey(fmt.Sprintf("evidence/%s.jpg", id))
	thumbKey := sanitizeKey(fmt.Sprintf("evidence/%s_thumb.jpg", id))

	if _, err := uploader.Upload(ctx, photoKey, data, "image/jpeg"); err != nil {
		return c, fmt.Errorf("upload evidence: %w", err)
	}
	if _, err := uploader.Upload(ctx, thumbKey, thumbBuf.Bytes(), "image/jpeg"); err != nil {
		return c, fmt.Errorf("upload thumbnail: %w", err)
	}

	out := c
	out.Entity = c.Entity.Clone()
	delete(out.Entity.Fields, photoField)
	out.Entity.Fields["photo_key"] = photoKey
	out.Entity.Fields["thumbnail_key"] = thumbKey
	return out, nil
}

func (p *EvidenceProcessor) pickUploader() evidenceUploader {
	if p.s3 != nil {
		return p.s3
	}
	return p.local
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
