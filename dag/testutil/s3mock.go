// Package testutil holds test doubles shared by the dag and cmd packages.
package testutil

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

// MockS3 is an in-process S3 endpoint with one pre-created bucket.
type MockS3 struct {
	Server *httptest.Server
	Client *s3.Client
	Bucket string
}

// NewMockS3 starts the fake server and creates bucket. The caller must Close
// it.
func NewMockS3(ctx context.Context, bucket string) (*MockS3, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	faker := gofakes3.New(s3mem.New())
	server := httptest.NewServer(faker.Server())

	client, err := NewPathStyleClient(ctx, server.URL)
	if err != nil {
		server.Close()
		return nil, err
	}
	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
		server.Close()
		return nil, fmt.Errorf("create bucket %q: %w", bucket, err)
	}

	return &MockS3{Server: server, Client: client, Bucket: bucket}, nil
}

// StartMockS3 is NewMockS3 bound to the lifetime of t.
func StartMockS3(t testing.TB, bucket string) *MockS3 {
	t.Helper()
	m, err := NewMockS3(context.Background(), bucket)
	if err != nil {
		t.Fatalf("start mock s3: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

// NewPathStyleClient builds an S3 client with static test credentials that
// talks to endpoint using path-style addressing.
func NewPathStyleClient(ctx context.Context, endpoint string) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String(endpoint)
	}), nil
}

func (m *MockS3) Close() {
	if m == nil || m.Server == nil {
		return
	}
	m.Server.Close()
}
