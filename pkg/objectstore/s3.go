package objectstore

import (
	"context"
	"fmt"
	"io"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/nexus-kernel/nexus/pkg/kernel"
	"github.com/nexus-kernel/nexus/pkg/metrics"
)

// S3ObjectStore is the S3-compatible ObjectStore driver, used in production
// deployments that want durability/replication handled by the object
// store rather than by Nexus itself.
type S3ObjectStore struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	keyEnc   EncryptionKeyProvider
	zoneID   string
}

// NewS3ObjectStore builds a driver against bucket using the default AWS
// credential chain (env vars, shared config, IAM role).
func NewS3ObjectStore(ctx context.Context, bucket string, keyProvider EncryptionKeyProvider, zoneID string) (*S3ObjectStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3ObjectStore{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		keyEnc:   keyProvider,
		zoneID:   zoneID,
	}, nil
}

func (s *S3ObjectStore) encrypt(data []byte) ([]byte, error) {
	if s.keyEnc == nil {
		return data, nil
	}
	c, err := s.keyEnc.CipherFor(s.zoneID)
	if err != nil {
		return nil, err
	}
	return c.Seal(data)
}

func (s *S3ObjectStore) decrypt(data []byte) ([]byte, error) {
	if s.keyEnc == nil {
		return data, nil
	}
	c, err := s.keyEnc.CipherFor(s.zoneID)
	if err != nil {
		return nil, err
	}
	return c.Open(data)
}

func (s *S3ObjectStore) Put(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	body := r
	if s.keyEnc != nil {
		plaintext, err := io.ReadAll(r)
		if err != nil {
			return "", kernel.Errorf(kernel.Internal, "objectstore.Put", err).WithPath(key)
		}
		ciphertext, err := s.encrypt(plaintext)
		if err != nil {
			return "", kernel.Errorf(kernel.Internal, "objectstore.Put", err).WithPath(key)
		}
		body = strings.NewReader(string(ciphertext))
	}

	// manager.Uploader multiparts automatically above its configured
	// threshold, so an unencrypted payload streams up incrementally rather
	// than being buffered whole before the first request. An encrypted
	// payload has already been read whole above to seal it.
	out, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   body,
	})
	if err != nil {
		return "", kernel.Errorf(kernel.Internal, "objectstore.Put", err).WithPath(key)
	}
	if out.ETag != nil {
		return strings.Trim(*out.ETag, `"`), nil
	}
	return "", nil
}

func (s *S3ObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return nil, mapS3Error(err, "objectstore.Get", key)
	}
	if s.keyEnc == nil {
		return out.Body, nil
	}
	defer out.Body.Close()
	ciphertext, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, kernel.Errorf(kernel.Internal, "objectstore.Get", err).WithPath(key)
	}
	plaintext, err := s.decrypt(ciphertext)
	if err != nil {
		return nil, kernel.Errorf(kernel.Internal, "objectstore.Get", err).WithPath(key)
	}
	return io.NopCloser(strings.NewReader(string(plaintext))), nil
}

// ReadAt issues a ranged GetObject: an optional, more efficient
// random-access path a driver can provide on top of the base contract.
func (s *S3ObjectStore) ReadAt(ctx context.Context, key string, p []byte, offset int64) (int, error) {
	if s.keyEnc != nil {
		return 0, kernel.Errorf(kernel.InvalidArgument, "objectstore.ReadAt", nil).
			WithPath(key) // encrypted objects require a full decrypt pass
	}
	rangeHeader := fmt.Sprintf("bytes=%d-%d", offset, offset+int64(len(p))-1)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Range:  &rangeHeader,
	})
	if err != nil {
		return 0, mapS3Error(err, "objectstore.ReadAt", key)
	}
	defer out.Body.Close()
	return io.ReadFull(out.Body, p)
}

func (s *S3ObjectStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return mapS3Error(err, "objectstore.Delete", key)
	}
	return nil
}

func (s *S3ObjectStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return ObjectInfo{}, mapS3Error(err, "objectstore.Stat", key)
	}
	info := ObjectInfo{Key: key}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.ETag != nil {
		info.Etag = strings.Trim(*out.ETag, `"`)
	}
	return info, nil
}

type s3KeyIterator struct {
	ctx    context.Context
	client *s3.Client
	bucket string
	prefix string
	pages  *s3.ListObjectsV2Paginator
	buf    []types.Object
	pos    int
}

func (s *S3ObjectStore) List(ctx context.Context, prefix string) (KeyIterator, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &prefix,
	})
	return &s3KeyIterator{ctx: ctx, client: s.client, bucket: s.bucket, prefix: prefix, pages: paginator}, nil
}

func (it *s3KeyIterator) Next() (string, bool, error) {
	for it.pos >= len(it.buf) {
		if !it.pages.HasMorePages() {
			return "", false, nil
		}
		page, err := it.pages.NextPage(it.ctx)
		if err != nil {
			return "", false, err
		}
		it.buf = page.Contents
		it.pos = 0
	}
	obj := it.buf[it.pos]
	it.pos++
	return *obj.Key, true, nil
}

func (it *s3KeyIterator) Close() error { return nil }

func mapS3Error(err error, op, key string) error {
	var nf *types.NoSuchKey
	if strings.Contains(err.Error(), "NoSuchKey") || asNoSuchKey(err, &nf) {
		return kernel.Errorf(kernel.NotFound, op, err).WithPath(key)
	}
	return kernel.Errorf(kernel.Internal, op, err).WithPath(key)
}

func asNoSuchKey(err error, target **types.NoSuchKey) bool {
	nf, ok := err.(*types.NoSuchKey)
	if ok {
		*target = nf
	}
	return ok
}

func (s *S3ObjectStore) Probe() metrics.PillarHealth {
	_, err := s.client.HeadBucket(context.Background(), &s3.HeadBucketInput{Bucket: &s.bucket})
	if err != nil {
		return metrics.PillarHealth{Name: "objectstore", Healthy: false, Message: err.Error()}
	}
	return metrics.PillarHealth{Name: "objectstore", Healthy: true}
}
