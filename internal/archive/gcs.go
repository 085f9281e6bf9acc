package archive

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
)

// GCSSink writes archive objects to a Cloud Storage bucket under prefix.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSSink creates a client from credentialsJSON, or from application
// default credentials when it is empty, and checks the bucket is reachable.
func NewGCSSink(ctx context.Context, bucket, prefix, credentialsJSON string) (*GCSSink, error) {
	var opts []option.ClientOption
	if strings.TrimSpace(credentialsJSON) != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnavailable, "failed to create storage client")
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		client.Close()
		return nil, errors.Wrap(err, errors.ErrCodeUnavailable, fmt.Sprintf("gcs bucket %q not found or not accessible", bucket))
	}
	return &GCSSink{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSSink) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// Put uploads data. The write is conditional on the object not existing.
func (s *GCSSink) Put(ctx context.Context, name string, data []byte, contentType string) error {
	obj := s.client.Bucket(s.bucket).Object(s.key(name)).If(storage.Conditions{DoesNotExist: true})
	wc := obj.NewWriter(ctx)
	wc.ContentType = contentType
	wc.CRC32C = Describe(name, data).CRC32C
	wc.SendCRC32C = true

	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return errors.Wrap(err, errors.ErrCodeUnavailable, fmt.Sprintf("failed to upload archive object %s", name))
	}
	if err := wc.Close(); err != nil {
		return errors.Wrap(err, errors.ErrCodeUnavailable, fmt.Sprintf("failed to finalize archive object %s", name))
	}
	return nil
}

// Stat reads object attributes without downloading content.
func (s *GCSSink) Stat(ctx context.Context, name string) (ObjectInfo, error) {
	attrs, err := s.client.Bucket(s.bucket).Object(s.key(name)).Attrs(ctx)
	if stderrors.Is(err, storage.ErrObjectNotExist) {
		return ObjectInfo{}, ErrNotExist
	}
	if err != nil {
		return ObjectInfo{}, errors.Wrap(err, errors.ErrCodeUnavailable, fmt.Sprintf("failed to stat archive object %s", name))
	}
	return ObjectInfo{Name: name, Size: attrs.Size, CRC32C: attrs.CRC32C}, nil
}

func (s *GCSSink) Get(ctx context.Context, name string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.key(name)).NewReader(ctx)
	if stderrors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnavailable, fmt.Sprintf("failed to open archive object %s", name))
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnavailable, fmt.Sprintf("failed to read archive object %s", name))
	}
	return data, nil
}

// Close releases the storage client.
func (s *GCSSink) Close() error {
	return s.client.Close()
}
