package storage

import (
	"bytes"
	"context"
	"io"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"
)

// S3Provider implements the Provider API for AWS S3.
type S3Provider struct {
	*baseProvider

	log logger.Logger

	s3Client *s3.Client
	s3Bucket string
	region   string
}

func NewS3Provider(bucket string, region string) *S3Provider {
	provider := &S3Provider{
		baseProvider: newBaseProvider(),
		s3Bucket:     bucket,
		region:       region,
	}
	config.InitLogger(&provider.log, provider)

	return provider
}

func (p *S3Provider) Close() error {
	p.setStatus(Disconnected)
	return nil
}

func (p *S3Provider) Connect(ctx context.Context) error {
	p.setStatus(Connecting)

	sdkConfig, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.region))
	if err != nil {
		p.log.Error("Failed to load AWS SDK config: %v", err)
		p.setStatus(Disconnected)
		return err
	}

	p.s3Client = s3.NewFromConfig(sdkConfig)
	p.setStatus(Connected)

	p.log.Debug("Saving blobs to AWS S3 bucket \"%s\" in %s.", p.s3Bucket, p.region)
	return nil
}

func (p *S3Provider) SaveBlob(ctx context.Context, id string, blob []byte) error {
	if err := p.checkConnected(); err != nil {
		return err
	}
	if err := validateBlobID(id); err != nil {
		return err
	}

	_, err := p.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.s3Bucket),
		Key:    aws.String(blobKey(id)),
		Body:   bytes.NewReader(blob),
	})
	if err != nil {
		p.log.Error("Error while writing blob %s to S3 bucket \"%s\": %v", id, p.s3Bucket, err)
		return err
	}

	return nil
}

func (p *S3Provider) LoadBlob(ctx context.Context, id string) ([]byte, error) {
	if err := p.checkConnected(); err != nil {
		return nil, err
	}
	if err := validateBlobID(id); err != nil {
		return nil, err
	}

	result, err := p.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.s3Bucket),
		Key:    aws.String(blobKey(id)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrBlobNotFound
		}

		return nil, err
	}
	defer result.Body.Close()

	blob, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read blob %s from S3", id)
	}

	return blob, nil
}
