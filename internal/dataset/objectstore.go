package dataset

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MaxUploadTokenTTL bounds vended upload URLs.
const MaxUploadTokenTTL = 30 * time.Minute

// UploadToken is a time-bounded, write-only URL scoped to a single object
// under the dataset version's directory.
type UploadToken struct {
	URL         string    `json:"url"`
	Permissions string    `json:"permissions"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ObjectStore provisions per-dataset shares and per-version directories and
// vends presigned upload URLs. Implementations wrap the cloud object storage.
type ObjectStore interface {
	CreateShare(ctx context.Context, datasetID string) error
	CreateDirectory(ctx context.Context, datasetID, versionID string) error
	PresignUpload(ctx context.Context, datasetID, versionID string, ttl time.Duration) (UploadToken, error)
	DeleteShare(ctx context.Context, datasetID string) error
}

// ObjectName is the single object an upload token grants access to.
func ObjectName(datasetID, versionID string) string {
	return fmt.Sprintf("%s/%s/dataset_%s.zip", datasetID, versionID, versionID)
}

// MinioStore implements ObjectStore against an S3-compatible endpoint. All
// datasets share one bucket; the per-dataset share is a key prefix.
type MinioStore struct {
	client *minio.Client
	bucket string
}

var _ ObjectStore = (*MinioStore)(nil)

// NewMinioStore connects to the object storage endpoint.
func NewMinioStore(endpoint, accessKey, secretKey, bucket string, secure bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("dataset: object store: %w", err)
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

func (m *MinioStore) CreateShare(ctx context.Context, datasetID string) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("dataset: bucket check: %w", err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("dataset: make bucket: %w", err)
		}
	}
	// The share itself is a prefix; a marker object makes it listable.
	return m.putMarker(ctx, datasetID+"/")
}

func (m *MinioStore) CreateDirectory(ctx context.Context, datasetID, versionID string) error {
	return m.putMarker(ctx, datasetID+"/"+versionID+"/")
}

func (m *MinioStore) PresignUpload(ctx context.Context, datasetID, versionID string, ttl time.Duration) (UploadToken, error) {
	if ttl <= 0 || ttl > MaxUploadTokenTTL {
		ttl = MaxUploadTokenTTL
	}
	u, err := m.client.PresignedPutObject(ctx, m.bucket, ObjectName(datasetID, versionID), ttl)
	if err != nil {
		return UploadToken{}, fmt.Errorf("dataset: presign upload: %w", err)
	}
	return UploadToken{
		URL:         u.String(),
		Permissions: "cw",
		ExpiresAt:   time.Now().UTC().Add(ttl),
	}, nil
}

func (m *MinioStore) DeleteShare(ctx context.Context, datasetID string) error {
	prefix := datasetID + "/"
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("dataset: list share: %w", obj.Err)
		}
		if err := m.client.RemoveObject(ctx, m.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("dataset: remove object: %w", err)
		}
	}
	return nil
}

func (m *MinioStore) putMarker(ctx context.Context, key string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, strings.NewReader(""), 0, minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("dataset: create %s: %w", key, err)
	}
	return nil
}
