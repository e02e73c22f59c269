package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeS3 struct {
	mu sync.Mutex

	bucketExists bool
	bucketRegion string

	objectChecksum string // non-empty means the object exists

	uploads []s3types.MultipartUpload
	parts   map[int32]s3types.Part

	createCalls     int
	uploadPartCalls int
	completeInput   *s3.CompleteMultipartUploadInput
	taggingInput    *s3.PutObjectTaggingInput
}

func (f *fakeS3) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if !f.bucketExists {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadBucketOutput{BucketRegion: aws.String(f.bucketRegion)}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.objectChecksum == "" {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{ChecksumSHA256: aws.String(f.objectChecksum)}, nil
}

func (f *fakeS3) ListMultipartUploads(ctx context.Context, params *s3.ListMultipartUploadsInput, optFns ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error) {
	return &s3.ListMultipartUploadsOutput{Uploads: f.uploads}, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-new")}, nil
}

func (f *fakeS3) ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
	out := &s3.ListPartsOutput{
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		IsTruncated:       aws.Bool(false),
	}
	for _, p := range f.parts {
		out.Parts = append(out.Parts, p)
	}
	return out, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadPartCalls++
	return &s3.UploadPartOutput{
		ETag: aws.String(fmt.Sprintf("etag-%d", aws.ToInt32(params.PartNumber))),
	}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeInput = params
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) PutObjectTagging(ctx context.Context, params *s3.PutObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.PutObjectTaggingOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taggingInput = params
	return &s3.PutObjectTaggingOutput{}, nil
}

// writeSource writes a deterministic test file spanning the given number of
// full parts plus extra trailing bytes.
func writeSource(t *testing.T, fullParts int, extra int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.vmdk")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	for i := 0; i < fullParts; i++ {
		if _, err := f.Write(bytes.Repeat([]byte{byte('a' + i)}, PartSize)); err != nil {
			t.Fatal(err)
		}
	}
	if extra > 0 {
		if _, err := f.Write(bytes.Repeat([]byte{'z'}, extra)); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func partChecksum(b []byte) string {
	sum := sha256.Sum256(b)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func newStore(t *testing.T, client S3API) *Store {
	t.Helper()
	s, err := New(Options{Client: client, Bucket: "bucket1"})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestMultipartChecksumFormat(t *testing.T) {
	path := writeSource(t, 1, 100)
	got, err := MultipartChecksum(path)
	if err != nil {
		t.Fatal(err)
	}

	part1 := sha256.Sum256(bytes.Repeat([]byte{'a'}, PartSize))
	part2 := sha256.Sum256(bytes.Repeat([]byte{'z'}, 100))
	agg := sha256.Sum256(append(part1[:], part2[:]...))
	want := base64.StdEncoding.EncodeToString(agg[:]) + "-2"
	if got != want {
		t.Errorf("MultipartChecksum = %q, want %q", got, want)
	}
}

func TestUploadNoopWhenObjectMatches(t *testing.T) {
	path := writeSource(t, 0, 1000)
	checksum, err := MultipartChecksum(path)
	if err != nil {
		t.Fatal(err)
	}

	client := &fakeS3{bucketExists: true, objectChecksum: checksum}
	s := newStore(t, client)
	if err := s.Upload(context.Background(), path, "key1", nil); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if client.uploadPartCalls != 0 || client.createCalls != 0 {
		t.Errorf("expected no transfers, got %d part uploads, %d created uploads",
			client.uploadPartCalls, client.createCalls)
	}
}

func TestUploadFull(t *testing.T) {
	path := writeSource(t, 2, 1)
	checksum, err := MultipartChecksum(path)
	if err != nil {
		t.Fatal(err)
	}

	client := &fakeS3{bucketExists: true}
	s := newStore(t, client)
	tags := []s3types.Tag{{Key: aws.String("source:sha256"), Value: aws.String("key1")}}
	if err := s.Upload(context.Background(), path, "key1", tags); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if client.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1", client.createCalls)
	}
	if client.uploadPartCalls != 3 {
		t.Errorf("uploadPartCalls = %d, want 3", client.uploadPartCalls)
	}
	if client.completeInput == nil {
		t.Fatal("CompleteMultipartUpload not called")
	}
	if got := aws.ToString(client.completeInput.ChecksumSHA256); got != checksum {
		t.Errorf("aggregate checksum = %q, want %q", got, checksum)
	}
	parts := client.completeInput.MultipartUpload.Parts
	if len(parts) != 3 {
		t.Fatalf("completed parts = %d, want 3", len(parts))
	}
	for i, p := range parts {
		if aws.ToInt32(p.PartNumber) != int32(i+1) {
			t.Errorf("part %d has number %d", i, aws.ToInt32(p.PartNumber))
		}
	}
	if client.taggingInput == nil {
		t.Fatal("PutObjectTagging not called")
	}
}

func TestUploadResumesExistingParts(t *testing.T) {
	path := writeSource(t, 2, 1)

	// part 1 already uploaded with a matching checksum, part 2 present but
	// corrupt, part 3 missing
	client := &fakeS3{
		bucketExists: true,
		uploads: []s3types.MultipartUpload{
			{Key: aws.String("key1"), UploadId: aws.String("upload-old")},
		},
		parts: map[int32]s3types.Part{
			1: {
				PartNumber:     aws.Int32(1),
				ETag:           aws.String("etag-old-1"),
				ChecksumSHA256: aws.String(partChecksum(bytes.Repeat([]byte{'a'}, PartSize))),
			},
			2: {
				PartNumber:     aws.Int32(2),
				ETag:           aws.String("etag-old-2"),
				ChecksumSHA256: aws.String("bogus"),
			},
		},
	}
	s := newStore(t, client)
	if err := s.Upload(context.Background(), path, "key1", nil); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if client.createCalls != 0 {
		t.Errorf("createCalls = %d, want 0 (should resume upload-old)", client.createCalls)
	}
	if client.uploadPartCalls != 2 {
		t.Errorf("uploadPartCalls = %d, want 2 (parts 2 and 3)", client.uploadPartCalls)
	}
	parts := client.completeInput.MultipartUpload.Parts
	if aws.ToString(parts[0].ETag) != "etag-old-1" {
		t.Errorf("part 1 should reuse the existing etag, got %q", aws.ToString(parts[0].ETag))
	}
}

func TestUploadBucketMissing(t *testing.T) {
	path := writeSource(t, 0, 10)
	s := newStore(t, &fakeS3{bucketExists: false})

	err := s.Upload(context.Background(), path, "key1", nil)
	var notFound *BucketNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected BucketNotFoundError, got %v", err)
	}
	if notFound.Bucket != "bucket1" {
		t.Errorf("Bucket = %q, want bucket1", notFound.Bucket)
	}
}

func TestUploadBucketWrongRegion(t *testing.T) {
	path := writeSource(t, 0, 10)
	s, err := New(Options{
		Client: &fakeS3{bucketExists: true, bucketRegion: "us-west-2"},
		Bucket: "bucket1",
		Region: "eu-central-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	uploadErr := s.Upload(context.Background(), path, "key1", nil)
	var regionErr *BucketRegionError
	if !errors.As(uploadErr, &regionErr) {
		t.Fatalf("expected BucketRegionError, got %v", uploadErr)
	}
	if regionErr.Got != "us-west-2" || regionErr.Want != "eu-central-1" {
		t.Errorf("unexpected region error: %+v", regionErr)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(Options{Bucket: "b"}); err == nil {
		t.Error("expected error for missing client")
	}
	if _, err := New(Options{Client: &fakeS3{}}); err == nil {
		t.Error("expected error for missing bucket")
	}
}
