// Package content resolves opaque content refs into publishable payloads.
// The generated text itself is owned externally; this is a pass-through read.
package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"publish-pipeline/internal/platform"
)

// S3Store reads content bodies from the bucket the generation service writes
// to. The ref is the object key.
type S3Store struct {
	client *s3.Client
	bucket string
}

func NewS3Store(client *s3.Client, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

func (s *S3Store) Resolve(ctx context.Context, ref string) (platform.Content, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey" {
			// The referenced content is gone; another attempt will not
			// bring it back.
			return platform.Content{}, platform.NewError(platform.ClassRejected,
				fmt.Sprintf("content %s not found", ref), err)
		}
		return platform.Content{}, platform.NewError(platform.ClassTransient, "fetch content", err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(io.LimitReader(out.Body, 1<<20))
	if err != nil {
		return platform.Content{}, platform.NewError(platform.ClassTransient, "read content body", err)
	}
	return platform.Content{Ref: ref, Body: body}, nil
}

// MemoryStore serves content from a map; used in tests and local dev.
type MemoryStore struct {
	mu     sync.RWMutex
	bodies map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bodies: make(map[string][]byte)}
}

func (m *MemoryStore) Put(ref string, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bodies[ref] = body
}

func (m *MemoryStore) Resolve(_ context.Context, ref string) (platform.Content, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	body, ok := m.bodies[ref]
	if !ok {
		return platform.Content{}, platform.NewError(platform.ClassRejected,
			fmt.Sprintf("content %s not found", ref), nil)
	}
	return platform.Content{Ref: ref, Body: body}, nil
}
