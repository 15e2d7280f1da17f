package store

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Options configures the S3 sink. Endpoint and PathStyle are for
// S3-compatible stores such as MinIO.
type S3Options struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
}

type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Sink writes each file as one object under prefix/roomID/nodeID.
type S3Sink struct {
	client objectAPI
	bucket string
	prefix string
}

func NewS3Sink(opts S3Options) *S3Sink {
	s3opts := s3.Options{
		Region:       opts.Region,
		UsePathStyle: opts.PathStyle,
	}
	if opts.Endpoint != "" {
		s3opts.BaseEndpoint = aws.String(opts.Endpoint)
	}
	if opts.AccessKeyID != "" {
		creds := aws.Credentials{
			AccessKeyID:     opts.AccessKeyID,
			SecretAccessKey: opts.SecretAccessKey,
			Source:          "collabtext",
		}
		s3opts.Credentials = aws.NewCredentialsCache(aws.CredentialsProviderFunc(
			func(context.Context) (aws.Credentials, error) { return creds, nil }))
	}
	return &S3Sink{
		client: s3.New(s3opts),
		bucket: opts.Bucket,
		prefix: strings.Trim(opts.Prefix, "/"),
	}
}

// Key returns the object key for a file.
func (s *S3Sink) Key(roomID, nodeID string) string {
	return path.Join(s.prefix, "rooms", roomID, nodeID)
}

func (s *S3Sink) Persist(ctx context.Context, doc Document) error {
	key := s.Key(doc.RoomID, doc.NodeID)
	if doc.Deleted {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("s3 delete %s: %w", key, err)
		}
		return nil
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(doc.Content),
		ContentType: aws.String("text/plain; charset=utf-8"),
		Metadata: map[string]string{
			"name":       doc.Name,
			"language":   doc.Language,
			"author":     doc.AuthorUserID,
			"updated-at": doc.UpdatedAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}
