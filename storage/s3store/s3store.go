// Package s3store is the object-store adapter. It holds one CSV object per
// whitelist name and enforces S3 naming rules, bounded deletes and
// precondition-guarded writes so that an upload never silently clobbers an
// existing whitelist.
package s3store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/go-cmp/cmp"

	"github.com/qiao-yifan/merklytic-whitelist/log"
	"github.com/qiao-yifan/merklytic-whitelist/storage"
)

const (
	// deleteWaitTimeout bounds the wait-until-absent poll after a delete.
	deleteWaitTimeout = 30 * time.Second

	minBucketLength = 3
	maxBucketLength = 63
	maxKeyLength    = 1024
)

var (
	bucketRx = regexp.MustCompile(`^[0-9a-z][0-9a-z-]{1,61}[0-9a-z]$`)
	keyRx    = regexp.MustCompile(`^[0-9A-Za-z!\-_.'()]+$`)

	forbiddenBucketPrefixes = []string{"xn--", "sthree-", "sthree-configurator", "amzn-s3-demo-"}
	forbiddenBucketSuffixes = []string{"-s3alias", "--ol-s3", ".mrap", "--x-s3"}
)

// API is the slice of the S3 client used by the store. It covers plain
// object access, the multipart uploader and the not-exists waiter.
type API interface {
	manager.UploadAPIClient
	s3.HeadObjectAPIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Store reads, writes and deletes whitelist objects in a single bucket.
type Store struct {
	client   API
	uploader *manager.Uploader
	bucket   string
	logger   *log.Logger
}

// ValidateBucketName enforces the S3 bucket naming rules, including the
// reserved prefixes and suffixes that S3 refuses or repurposes.
func ValidateBucketName(bucket string) error {
	if len(bucket) < minBucketLength || len(bucket) > maxBucketLength {
		return storage.NewError(storage.KindValidation, "bucket name length must be %d-%d, got %d", minBucketLength, maxBucketLength, len(bucket))
	}
	if !bucketRx.MatchString(bucket) {
		return storage.NewError(storage.KindValidation, "malformed bucket name %q", bucket)
	}
	for _, p := range forbiddenBucketPrefixes {
		if strings.HasPrefix(bucket, p) {
			return storage.NewError(storage.KindValidation, "bucket name %q uses reserved prefix %q", bucket, p)
		}
	}
	for _, s := range forbiddenBucketSuffixes {
		if strings.HasSuffix(bucket, s) {
			return storage.NewError(storage.KindValidation, "bucket name %q uses reserved suffix %q", bucket, s)
		}
	}
	return nil
}

// ValidateKey enforces the object key character set and length bound.
func ValidateKey(key string) error {
	if len(key) == 0 || len(key) > maxKeyLength {
		return storage.NewError(storage.KindValidation, "object key length must be 1-%d, got %d", maxKeyLength, len(key))
	}
	if !keyRx.MatchString(key) {
		return storage.NewError(storage.KindValidation, "malformed object key %q", key)
	}
	return nil
}

// New creates a Store over the given bucket. The bucket name is validated
// up front so a misconfiguration fails at startup rather than on first use.
func New(client API, bucket string, logger *log.Logger) (*Store, error) {
	if err := ValidateBucketName(bucket); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		logger:   logger.Module("s3store"),
	}, nil
}

// Get returns the object content, or a ResourceNotFound error when no
// object exists under the key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, storage.ClassifyProviderError(err, fmt.Sprintf("get object %q", key))
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, storage.WrapError(storage.KindOther, err, "read object %q", key)
	}
	return data, nil
}

// Put stores the object via multipart upload with a CRC32 integrity
// checksum. When allowOverwrite is false the write carries an IfNoneMatch
// precondition enforced server-side; re-uploading bit-identical content is
// treated as an idempotent success, while differing content surfaces as an
// Exists failure.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string, allowOverwrite bool) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	in := &s3.PutObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(key),
		Body:              bytes.NewReader(data),
		ContentType:       aws.String(contentType),
		ChecksumAlgorithm: s3types.ChecksumAlgorithmCrc32,
	}
	if !allowOverwrite {
		// "*" matches any existing object under the key.
		in.IfNoneMatch = aws.String("*")
	}

	if _, err := s.uploader.Upload(ctx, in); err != nil {
		cerr := storage.ClassifyProviderError(err, fmt.Sprintf("put object %q", key))
		if cerr.Kind != storage.KindExists {
			return cerr
		}
		existing, gerr := s.Get(ctx, key)
		if gerr != nil {
			return storage.WrapError(storage.KindExists, gerr, "object %q exists and could not be compared", key)
		}
		if !bytes.Equal(existing, data) {
			s.logger.Debug("non-idempotent overwrite refused", "key", key, "diff", cmp.Diff(existing, data))
			return storage.NewError(storage.KindExists, "object %q already exists with different content", key)
		}
		s.logger.Debug("identical object already present", "key", key)
		return nil
	}
	return nil
}

// Delete removes the object and waits until S3 reports it absent, bounded
// by deleteWaitTimeout. Deleting a missing object is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return storage.ClassifyProviderError(err, fmt.Sprintf("delete object %q", key))
	}

	waiter := s3.NewObjectNotExistsWaiter(s.client)
	head := &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if err := waiter.Wait(ctx, head, deleteWaitTimeout); err != nil {
		return storage.WrapError(storage.KindOther, err, "object %q still visible after delete", key)
	}
	return nil
}
