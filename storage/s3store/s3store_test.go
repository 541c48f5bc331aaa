package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/aws/smithy-go"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/qiao-yifan/merklytic-whitelist/storage"
)

// fakeS3 is an in-memory API implementation. Uploads below the multipart
// threshold go through PutObject only, so the multipart methods reject.
type fakeS3 struct {
	objects map[string][]byte
	getErr  error
	putErr  error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	key := aws.ToString(in.Key)
	if aws.ToString(in.IfNoneMatch) == "*" {
		if _, exists := f.objects[key]; exists {
			return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "object exists"}
		}
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[aws.ToString(in.Key)]; ok {
		return &s3.HeadObjectOutput{}, nil
	}
	return nil, &s3types.NotFound{}
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, fmt.Errorf("multipart not expected in tests")
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, fmt.Errorf("multipart not expected in tests")
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, fmt.Errorf("multipart not expected in tests")
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return nil, fmt.Errorf("multipart not expected in tests")
}

func newTestStore(t *testing.T) (*Store, *fakeS3) {
	t.Helper()
	f := newFakeS3()
	s, err := New(f, "whitelist-bucket", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, f
}

func TestValidateBucketName(t *testing.T) {
	good := []string{"abc", "whitelist-bucket", "a1b", strings.Repeat("a", 63)}
	for _, b := range good {
		if err := ValidateBucketName(b); err != nil {
			t.Errorf("ValidateBucketName(%q) = %v, want ok", b, err)
		}
	}
	bad := []string{
		"",
		"ab",                         // too short
		strings.Repeat("a", 64),      // too long
		"Bucket",                     // uppercase
		"-abc",                       // leading dash
		"abc-",                       // trailing dash
		"xn--bucket",                 // reserved prefix
		"sthree-logs",                // reserved prefix
		"amzn-s3-demo-bucket",        // reserved prefix
		"bucket-s3alias",             // reserved suffix
		"bucket--ol-s3",              // reserved suffix
		"bucket--x-s3",               // reserved suffix
	}
	for _, b := range bad {
		if err := ValidateBucketName(b); err == nil {
			t.Errorf("ValidateBucketName(%q) should fail", b)
		}
	}
}

func TestValidateKey(t *testing.T) {
	good := []string{"w0.csv", "My_List-1.csv", "a!('x').csv", strings.Repeat("k", 1024)}
	for _, k := range good {
		if err := ValidateKey(k); err != nil {
			t.Errorf("ValidateKey(%q) = %v, want ok", k, err)
		}
	}
	bad := []string{"", "a/b.csv", "a b.csv", "a#b", strings.Repeat("k", 1025)}
	for _, k := range bad {
		if err := ValidateKey(k); err == nil {
			t.Errorf("ValidateKey(%q) should fail", k)
		}
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	data := []byte("WhitelistAddress,WhitelistAmount\n")
	if err := s.Put(ctx, "w0.csv", data, "text/csv", false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "w0.csv")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Get = %q, want %q", got, data)
	}
}

func TestGetMissing(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get(context.Background(), "absent.csv")
	if !storage.IsKind(err, storage.KindResourceNotFound) {
		t.Errorf("kind = %s, want ResourceNotFound", storage.KindOf(err))
	}
}

func TestPutOverwriteGuard(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "w0.csv", []byte("v1"), "text/csv", false); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	// Identical content is an idempotent success.
	if err := s.Put(ctx, "w0.csv", []byte("v1"), "text/csv", false); err != nil {
		t.Errorf("idempotent Put: %v", err)
	}
	// Different content is refused with Exists.
	err := s.Put(ctx, "w0.csv", []byte("v2"), "text/csv", false)
	if !storage.IsKind(err, storage.KindExists) {
		t.Errorf("kind = %s, want Exists", storage.KindOf(err))
	}
	// Explicit overwrite permission replaces the object.
	if err := s.Put(ctx, "w0.csv", []byte("v2"), "text/csv", true); err != nil {
		t.Fatalf("overwriting Put: %v", err)
	}
	got, _ := s.Get(ctx, "w0.csv")
	if string(got) != "v2" {
		t.Errorf("object = %q, want v2", got)
	}
}

func TestDeleteWaitsUntilAbsent(t *testing.T) {
	s, f := newTestStore(t)
	ctx := context.Background()

	f.objects["w0.csv"] = []byte("data")
	if err := s.Delete(ctx, "w0.csv"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := f.objects["w0.csv"]; ok {
		t.Error("object should be gone")
	}
	// Deleting again is not an error.
	if err := s.Delete(ctx, "w0.csv"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestAccessDeniedNormalized(t *testing.T) {
	s, f := newTestStore(t)
	f.getErr = &smithy.GenericAPIError{Code: "AccessDenied", Message: "arn:aws:iam::123:role/x denied"}

	_, err := s.Get(context.Background(), "w0.csv")
	var se *storage.Error
	if !errors.As(err, &se) {
		t.Fatalf("want *storage.Error, got %T", err)
	}
	if se.Kind != storage.KindAccessDenied {
		t.Errorf("kind = %s, want AccessDenied", se.Kind)
	}
	if se.Message != "Access denied" {
		t.Errorf("message = %q, want %q", se.Message, "Access denied")
	}
}

func TestNewRejectsBadBucket(t *testing.T) {
	if _, err := New(newFakeS3(), "XN--bad", nil); err == nil {
		t.Error("uppercase bucket should be rejected")
	}
	if _, err := New(newFakeS3(), "xn--bad", nil); err == nil {
		t.Error("reserved prefix bucket should be rejected")
	}
}
