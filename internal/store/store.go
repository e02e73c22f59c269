// Package store uploads the source disk image into S3, content-addressed by
// its sha256 hexdigest. Uploads are multipart and resumable: parts already
// present with a matching checksum are reused, a matching completed object
// short-circuits the whole upload.
//
// Incomplete multipart uploads are never deleted here; the bucket is expected
// to carry a lifecycle rule that expires them.
package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"

	"github.com/keithlinneman/amipub/internal/log"
	"github.com/keithlinneman/amipub/internal/xerrors"
)

// PartSize is the fixed multipart chunk size. Changing it changes every
// multipart checksum, so it is not configurable.
const PartSize = 8 * 1024 * 1024

const defaultConcurrency = 4

// S3API is the slice of the S3 client the store needs.
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListMultipartUploads(ctx context.Context, params *s3.ListMultipartUploadsInput, optFns ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	PutObjectTagging(ctx context.Context, params *s3.PutObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.PutObjectTaggingOutput, error)
}

// BucketNotFoundError is the fatal precondition failure for a missing
// target bucket. The bucket is never created by this tool.
type BucketNotFoundError struct {
	Bucket string
}

func (e *BucketNotFoundError) Error() string {
	return fmt.Sprintf("s3 bucket %q does not exist (it will not be created)", e.Bucket)
}

// BucketRegionError reports a bucket that exists but in an unexpected region.
type BucketRegionError struct {
	Bucket string
	Got    string
	Want   string
}

func (e *BucketRegionError) Error() string {
	return fmt.Sprintf("s3 bucket %q found in region %q, expected %q", e.Bucket, e.Got, e.Want)
}

type Options struct {
	// Client is required.
	Client S3API
	// Bucket is required. It must already exist.
	Bucket string
	// Region, when non-empty, is verified against the bucket's real region.
	Region string
	// Concurrency bounds parallel part uploads. Defaults to 4.
	Concurrency int
	// Logger defaults to the nop logger.
	Logger log.Logger
}

// Store uploads content-addressed blobs into one bucket.
type Store struct {
	client      S3API
	bucket      string
	region      string
	concurrency int
	logger      log.Logger
}

func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, xerrors.New("store: Client is required")
	}
	if opts.Bucket == "" {
		return nil, xerrors.New("store: Bucket is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Store{
		client:      opts.Client,
		bucket:      opts.Bucket,
		region:      opts.Region,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
	}, nil
}

// MultipartChecksum computes the aggregate checksum S3 reports for a
// multipart upload with PartSize chunks: the base64 sha256 of the
// concatenated per-part sha256 digests, suffixed with "-<partcount>".
func MultipartChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", xerrors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	agg := sha256.New()
	count := 0
	buf := make([]byte, PartSize)
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			sum := sha256.Sum256(buf[:n])
			agg.Write(sum[:])
			count++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return "", xerrors.Wrapf(err, "read %s", path)
		}
	}
	return fmt.Sprintf("%s-%d", base64.StdEncoding.EncodeToString(agg.Sum(nil)), count), nil
}

// Upload puts the file at path into the bucket under key (the file's sha256
// hexdigest). Re-running after a crash resumes: a completed object with a
// matching checksum uploads nothing, an in-flight multipart upload is picked
// up and only missing or mismatched parts are transferred. The completed
// object is tagged with tags.
func (s *Store) Upload(ctx context.Context, path, key string, tags []s3types.Tag) error {
	if err := s.checkBucket(ctx); err != nil {
		return err
	}

	checksum, err := MultipartChecksum(path)
	if err != nil {
		return err
	}

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		ChecksumMode: s3types.ChecksumModeEnabled,
	})
	if err == nil {
		if aws.ToString(head.ChecksumSHA256) == checksum {
			s.logger.Info(ctx, "object already exists and checksum matches, nothing to upload",
				"bucket", s.bucket, "key", key)
			return nil
		}
		s.logger.Warn(ctx, "object already exists but checksum does not match, overwriting",
			"bucket", s.bucket, "key", key,
			"existing_checksum", aws.ToString(head.ChecksumSHA256), "checksum", checksum)
	} else if !isNotFound(err) {
		return xerrors.Wrapf(err, "head object %s/%s", s.bucket, key)
	}

	return s.uploadMultipart(ctx, path, key, checksum, tags)
}

func (s *Store) checkBucket(ctx context.Context) error {
	head, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		if isNotFound(err) {
			return &BucketNotFoundError{Bucket: s.bucket}
		}
		return xerrors.Wrapf(err, "head bucket %s", s.bucket)
	}
	if s.region != "" && aws.ToString(head.BucketRegion) != s.region {
		return &BucketRegionError{Bucket: s.bucket, Got: aws.ToString(head.BucketRegion), Want: s.region}
	}
	return nil
}

// uploadID returns the upload id to use for key: a single in-flight
// multipart upload is resumed, none starts a fresh one. Multiple in-flight
// uploads for the same key get a warning and the first one is used.
func (s *Store) uploadID(ctx context.Context, key string) (string, error) {
	out, err := s.client.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "list multipart uploads in %s", s.bucket)
	}
	var ids []string
	for _, u := range out.Uploads {
		if aws.ToString(u.Key) == key {
			ids = append(ids, aws.ToString(u.UploadId))
		}
	}
	switch {
	case len(ids) == 1:
		s.logger.Info(ctx, "resuming existing multipart upload", "upload_id", ids[0], "key", key)
		return ids[0], nil
	case len(ids) > 1:
		s.logger.Warn(ctx, "multiple multipart uploads in flight for the same key, using the first; the others should be aborted",
			"count", len(ids), "key", key)
		return ids[0], nil
	}

	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(key),
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ACL:               s3types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "create multipart upload for %s", key)
	}
	id := aws.ToString(created.UploadId)
	s.logger.Info(ctx, "started new multipart upload", "upload_id", id, "key", key)
	if created.AbortDate != nil {
		s.logger.Info(ctx, "multipart upload will expire if left incomplete",
			"abort_date", *created.AbortDate, "abort_rule", aws.ToString(created.AbortRuleId))
	} else {
		s.logger.Warn(ctx, "no lifecycle rule expires incomplete multipart uploads in this bucket")
	}
	return id, nil
}

// existingParts lists the already uploaded parts of the given upload,
// keyed by part number.
func (s *Store) existingParts(ctx context.Context, key, uploadID string) (map[int32]s3types.Part, error) {
	parts := make(map[int32]s3types.Part)
	var marker *string
	for {
		out, err := s.client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(s.bucket),
			Key:              aws.String(key),
			UploadId:         aws.String(uploadID),
			PartNumberMarker: marker,
		})
		if err != nil {
			return nil, xerrors.Wrapf(err, "list parts of upload %s", uploadID)
		}
		if out.ChecksumAlgorithm != s3types.ChecksumAlgorithmSha256 {
			s.logger.Error(ctx, nil, "in-flight multipart upload does not use sha256 checksums",
				"upload_id", uploadID, "algorithm", string(out.ChecksumAlgorithm))
		}
		for _, p := range out.Parts {
			parts[aws.ToInt32(p.PartNumber)] = p
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		marker = out.NextPartNumberMarker
	}
	return parts, nil
}

func (s *Store) uploadMultipart(ctx context.Context, path, key, checksum string, tags []s3types.Tag) error {
	uploadID, err := s.uploadID(ctx, key)
	if err != nil {
		return err
	}
	available, err := s.existingParts(ctx, key, uploadID)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return xerrors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return xerrors.Wrapf(err, "stat %s", path)
	}
	totalSize := fi.Size()
	partCount := int((totalSize + PartSize - 1) / PartSize)

	completed := make([]s3types.CompletedPart, partCount)
	var doneBytes atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	// Parts are numbered from 1. The file is read sequentially here; the
	// uploads themselves run on the group.
	for partNumber := int32(1); ; partNumber++ {
		buf := make([]byte, PartSize)
		n, err := io.ReadFull(f, buf)
		if n == 0 {
			break
		}
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return xerrors.Wrapf(err, "read %s", path)
		}
		chunk := buf[:n]
		sum := sha256.Sum256(chunk)
		partChecksum := base64.StdEncoding.EncodeToString(sum[:])
		pn := partNumber

		if p, ok := available[pn]; ok && aws.ToString(p.ChecksumSHA256) == partChecksum {
			s.logger.Info(gctx, "part already uploaded and checksum matches", "part", pn)
			completed[pn-1] = s3types.CompletedPart{
				PartNumber:     aws.Int32(pn),
				ETag:           p.ETag,
				ChecksumSHA256: p.ChecksumSHA256,
			}
			doneBytes.Add(int64(n))
			if n < PartSize {
				break
			}
			continue
		} else if ok {
			s.logger.Info(gctx, "part exists but checksum differs, overwriting", "part", pn)
		}

		g.Go(func() error {
			out, err := s.client.UploadPart(gctx, &s3.UploadPartInput{
				Bucket:            aws.String(s.bucket),
				Key:               aws.String(key),
				UploadId:          aws.String(uploadID),
				PartNumber:        aws.Int32(pn),
				Body:              bytes.NewReader(chunk),
				ContentLength:     aws.Int64(int64(len(chunk))),
				ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
				ChecksumSHA256:    aws.String(partChecksum),
			})
			if err != nil {
				return xerrors.Wrapf(err, "upload part %d of %s", pn, key)
			}
			completed[pn-1] = s3types.CompletedPart{
				PartNumber:     aws.Int32(pn),
				ETag:           out.ETag,
				ChecksumSHA256: aws.String(partChecksum),
			}
			done := doneBytes.Add(int64(len(chunk)))
			s.logger.Info(gctx, "part uploaded",
				"part", pn,
				"done_bytes", done,
				"total_bytes", totalSize,
				"percent", fmt.Sprintf("%.2f", float64(done)/float64(totalSize)*100),
			)
			return nil
		})

		if n < PartSize {
			break
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if _, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		ChecksumSHA256:  aws.String(checksum),
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
	}); err != nil {
		return xerrors.Wrapf(err, "complete multipart upload %s", uploadID)
	}
	s.logger.Info(ctx, "multipart upload finished", "bucket", s.bucket, "key", key)

	if _, err := s.client.PutObjectTagging(ctx, &s3.PutObjectTaggingInput{
		Bucket:  aws.String(s.bucket),
		Key:     aws.String(key),
		Tagging: &s3types.Tagging{TagSet: tags},
	}); err != nil {
		return xerrors.Wrapf(err, "tag object %s/%s", s.bucket, key)
	}
	return nil
}

func isNotFound(err error) bool {
	var nf *s3types.NotFound
	return errors.As(err, &nf)
}
