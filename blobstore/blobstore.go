// Package blobstore provides the raw message bytes behind the message
// store collaborator: either from the local filesystem or from S3-style
// object storage for deployments that keep bodies out of the database
// host.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/orbitmail/imapd/store"
)

// LocalStore reads message files from Dir/<mailboxID>/<uid>.
type LocalStore struct {
	Dir string
}

var _ store.BlobStore = LocalStore{}

func (s LocalStore) Read(ctx context.Context, mailboxID int64, uid store.UID) ([]byte, error) {
	p := filepath.Join(s.Dir, fmt.Sprintf("%d", mailboxID), fmt.Sprintf("%d", uint32(uid)))
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("reading message file: %w", err)
	}
	return data, nil
}

// Write stores message bytes, for delivery tooling and tests.
func (s LocalStore) Write(ctx context.Context, mailboxID int64, uid store.UID, data []byte) error {
	dir := filepath.Join(s.Dir, fmt.Sprintf("%d", mailboxID))
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, fmt.Sprintf("%d", uint32(uid))), data, 0o660)
}

// S3Store reads message objects from an S3 bucket, keyed
// "<mailboxID>/<uid>".
type S3Store struct {
	client *s3.Client
	bucket string
}

var _ store.BlobStore = (*S3Store)(nil)

// NewS3Store builds an S3Store. With accessKey set, static credentials
// are used; otherwise the ambient AWS configuration chain applies.
// endpoint may point at a non-AWS S3-compatible service.
func NewS3Store(ctx context.Context, bucket, region, endpoint, accessKey, secretKey string) (*S3Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if accessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, bucket: bucket}, nil
}

func (s *S3Store) Read(ctx context.Context, mailboxID int64, uid store.UID) ([]byte, error) {
	key := fmt.Sprintf("%d/%d", mailboxID, uint32(uid))
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching message object %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading message object %s: %w", key, err)
	}
	return data, nil
}
