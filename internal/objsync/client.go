package objsync

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/xerrors"
)

// ObjectInfo describes one remote object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
	ETag    string
}

// ObjectStore is the remote side of a sync run. Listings come back in
// strictly ascending key order per container.
type ObjectStore interface {
	// ListContainers names every container the credentials can see.
	ListContainers(ctx context.Context) ([]string, error)
	// List streams the container's objects to fn in key order.
	List(ctx context.Context, container string, fn func(ObjectInfo) error) error
	// Stat fetches current object metadata (a HEAD).
	Stat(ctx context.Context, container, path string) (ObjectInfo, error)
	// Get opens the object for streaming download.
	Get(ctx context.Context, container, path string) (io.ReadCloser, ObjectInfo, error)
}

// NormalizeETag strips the transport quoting from an ETag.
func NormalizeETag(etag string) string {
	return strings.Trim(etag, `"`)
}

// IsPlainMD5ETag reports whether the ETag is a verbatim content MD5.
// Multipart and segmented objects carry composite tags instead.
func IsPlainMD5ETag(etag string) bool {
	etag = NormalizeETag(etag)
	if len(etag) != 32 {
		return false
	}
	for i := 0; i < len(etag); i++ {
		c := etag[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// minioStore is the production ObjectStore over an S3-compatible
// endpoint.
type minioStore struct {
	client *minio.Client
}

// NewStore connects to the configured endpoint. Connect and read
// timeouts come from the section configuration.
func NewStore(cfg *Config) (ObjectStore, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConns:          cfg.Workers * 2,
		IdleConnTimeout:       30 * time.Second,
		DisableCompression:    true,
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
		Transport:    transport,
	})
	if err != nil {
		return nil, xerrors.Errorf("cannot connect to %q: %v", cfg.Endpoint, err)
	}
	return &minioStore{client: client}, nil
}

func (s *minioStore) ListContainers(ctx context.Context) ([]string, error) {
	buckets, err := s.client.ListBuckets(ctx)
	if err != nil {
		return nil, xerrors.Errorf("cannot list containers: %v", err)
	}
	names := make([]string, 0, len(buckets))
	for _, b := range buckets {
		names = append(names, b.Name)
	}
	return names, nil
}

func (s *minioStore) List(ctx context.Context, container string, fn func(ObjectInfo) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for obj := range s.client.ListObjects(ctx, container, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return xerrors.Errorf("cannot list container %q: %v", container, obj.Err)
		}
		// Directory markers are part of real object keys, not objects.
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		if err := fn(ObjectInfo{
			Key:     obj.Key,
			Size:    obj.Size,
			ModTime: obj.LastModified,
			ETag:    NormalizeETag(obj.ETag),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *minioStore) Stat(ctx context.Context, container, path string) (ObjectInfo, error) {
	st, err := s.client.StatObject(ctx, container, path, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, xerrors.Errorf("cannot stat %s/%s: %v", container, path, err)
	}
	return ObjectInfo{
		Key:     st.Key,
		Size:    st.Size,
		ModTime: st.LastModified,
		ETag:    NormalizeETag(st.ETag),
	}, nil
}

func (s *minioStore) Get(ctx context.Context, container, path string) (io.ReadCloser, ObjectInfo, error) {
	obj, err := s.client.GetObject(ctx, container, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, xerrors.Errorf("cannot get %s/%s: %v", container, path, err)
	}
	st, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, ObjectInfo{}, xerrors.Errorf("cannot get %s/%s: %v", container, path, err)
	}
	return obj, ObjectInfo{
		Key:     st.Key,
		Size:    st.Size,
		ModTime: st.LastModified,
		ETag:    NormalizeETag(st.ETag),
	}, nil
}
