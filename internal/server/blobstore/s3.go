package blobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dmitrijs2005/hashledger/internal/common"
	"github.com/dmitrijs2005/hashledger/internal/server/models"
)

const defaultS3Region = "us-east-1"

// S3HeadClient is the part of *s3.Client the fetcher needs.
type S3HeadClient interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) S3HeadClient {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// S3Fetcher reads object metadata from S3 or an S3-compatible endpoint. The
// account name is the bucket and the key is the object path.
type S3Fetcher struct{}

func NewS3Fetcher() *S3Fetcher { return &S3Fetcher{} }

func (f *S3Fetcher) client(ctx context.Context, account *models.StorageAccount) (S3HeadClient, error) {
	region := account.Region
	if region == "" {
		region = defaultS3Region
	}
	cfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			account.AccessKeyID,
			account.SecretAccessKey,
			"",
		)))
	if err != nil {
		return nil, err
	}

	return newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if account.Endpoint != "" {
			o.BaseEndpoint = aws.String(account.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func (f *S3Fetcher) Properties(ctx context.Context, account *models.StorageAccount, ref ObjectRef) (*ObjectProperties, error) {
	if !account.HasCredential() {
		return nil, fmt.Errorf("account %q has no access key: %w", account.StorageAccountName, common.ErrConfigurationMissing)
	}

	client, err := f.client(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}

	out, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(account.StorageAccountName),
		Key:    aws.String(ref.Path()),
	})
	if err != nil {
		var nf *types.NotFound
		var nsk *types.NoSuchKey
		if errors.As(err, &nf) || errors.As(err, &nsk) {
			return nil, fmt.Errorf("object %s: %w", ref.Path(), common.ErrorNotFound)
		}
		return nil, fmt.Errorf("%w: head object: %w", common.ErrTransport, err)
	}

	props := &ObjectProperties{
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		ETag:        aws.ToString(out.ETag),
		Tags:        make(map[string]string, len(out.Metadata)),
	}
	if out.LastModified != nil {
		props.LastModified = *out.LastModified
	}
	for k, v := range out.Metadata {
		props.Tags[k] = v
	}
	return props, nil
}
