package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// AzureConnectionStringEnv is consulted when no Azure connection string is
// configured.
const AzureConnectionStringEnv = "AZURE_STORAGE_CONNECTION_STRING"

// S3Options configures s3:// sources. Zero values use the AWS default
// credential chain and region resolution.
type S3Options struct {
	Region          string
	Endpoint        string // S3-compatible endpoint, e.g. MinIO
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

func newS3Opener(opts S3Options) Opener {
	return func(ctx context.Context, loc *url.URL) (io.ReadCloser, error) {
		bucket, key, err := bucketKey(loc)
		if err != nil {
			return nil, err
		}

		var loadOpts []func(*awsconfig.LoadOptions) error
		if opts.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
		}
		if opts.AccessKeyID != "" {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
			))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}

		client := s3.NewFromConfig(cfg, func(o *s3.Options) {
			if opts.Endpoint != "" {
				o.BaseEndpoint = aws.String(opts.Endpoint)
			}
			o.UsePathStyle = opts.UsePathStyle
		})
		out, err := client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
		}
		return out.Body, nil
	}
}

func openGCS(ctx context.Context, loc *url.URL) (io.ReadCloser, error) {
	bucket, object, err := bucketKey(loc)
	if err != nil {
		return nil, err
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("read gs://%s/%s: %w", bucket, object, err)
	}
	return &decoder{Reader: r, close: func() error {
		return errors.Join(r.Close(), client.Close())
	}}, nil
}

func newAzureOpener(connStr string) Opener {
	return func(ctx context.Context, loc *url.URL) (io.ReadCloser, error) {
		container, blob, err := bucketKey(loc)
		if err != nil {
			return nil, err
		}
		cs := connStr
		if cs == "" {
			cs = os.Getenv(AzureConnectionStringEnv)
		}
		if cs == "" {
			return nil, fmt.Errorf("az source requires a connection string (%s)", AzureConnectionStringEnv)
		}
		client, err := azblob.NewClientFromConnectionString(cs, nil)
		if err != nil {
			return nil, fmt.Errorf("create Azure client: %w", err)
		}
		resp, err := client.DownloadStream(ctx, container, blob, nil)
		if err != nil {
			return nil, fmt.Errorf("download az://%s/%s: %w", container, blob, err)
		}
		return resp.Body, nil
	}
}
