package network

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const numControlPlaneRetries = 3

// S3Config holds configuration for the S3 multipart transport adapter.
type S3Config struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Transport implements Transport on top of the S3 multipart upload API.
// Sessions map to multipart uploads, chunks map to parts and CheckProgress
// maps to ListParts, so an interrupted upload resumes from the parts S3
// already holds.
type S3Transport struct {
	client *s3.Client
	bucket string
	logger log.Logger
}

// NewS3Transport ...
func NewS3Transport(ctx context.Context, config S3Config, logger log.Logger) (*S3Transport, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, config.Region, config.AccessKeyID, config.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return &S3Transport{
		client: s3.NewFromConfig(*cfg),
		bucket: config.Bucket,
		logger: logger,
	}, nil
}

// InitUpload checks for an existing object with a matching checksum and
// otherwise opens a multipart upload keyed by the file hash.
func (t *S3Transport) InitUpload(ctx context.Context, params InitParams) (InitResult, error) {
	key := objectKey(params.FileHash, params.FileName)

	checksum, err := t.findChecksumWithRetry(ctx, key)
	if err != nil {
		return InitResult{}, fmt.Errorf("validate object: %w", err)
	}
	if checksum == params.FileHash {
		t.logger.Debugf("Found object with the same checksum, skipping upload")
		return InitResult{Exists: true}, nil
	}

	// Reuse an in-progress multipart upload for the same key if one exists.
	existing, err := t.findMultipartUpload(ctx, key)
	if err != nil {
		return InitResult{}, fmt.Errorf("list multipart uploads: %w", err)
	}
	if existing != "" {
		return InitResult{UploadID: existing}, nil
	}

	var uploadID string
	err = retry.Times(numControlPlaneRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		resp, err := t.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(t.bucket),
			Key:         aws.String(key),
			ContentType: aws.String("application/octet-stream"),
			Metadata:    map[string]string{"file-hash": params.FileHash},
		})
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("request cancelled: %w", ctx.Err()), true
			}
			return fmt.Errorf("create multipart upload: %w", err), false
		}
		uploadID = aws.ToString(resp.UploadId)
		return nil, true
	})
	if err != nil {
		return InitResult{}, err
	}

	return InitResult{UploadID: s3SessionID(key, uploadID)}, nil
}

// UploadChunk uploads one part. S3 part numbers start at 1.
func (t *S3Transport) UploadChunk(ctx context.Context, data []byte, params ChunkParams, opts ChunkOpts) (ChunkAck, error) {
	key, uploadID, err := splitS3SessionID(params.UploadID)
	if err != nil {
		return ChunkAck{}, err
	}

	if opts.OnByteProgress != nil {
		opts.OnByteProgress(0, int64(len(data)))
	}
	reader := bytes.NewReader(data)

	resp, err := t.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(params.Index + 1)),
		Body:          reader,
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		if ctx.Err() != nil {
			return ChunkAck{}, fmt.Errorf("request cancelled: %w", ctx.Err())
		}
		return ChunkAck{}, fmt.Errorf("upload part %d: %w", params.Index+1, err)
	}
	if opts.OnByteProgress != nil {
		opts.OnByteProgress(int64(len(data)), int64(len(data)))
	}

	return ChunkAck{Index: params.Index, ETag: aws.ToString(resp.ETag)}, nil
}

// CheckProgress lists the parts S3 has accepted for the session.
func (t *S3Transport) CheckProgress(ctx context.Context, sessionID string) (ProgressResult, error) {
	key, uploadID, err := splitS3SessionID(sessionID)
	if err != nil {
		return ProgressResult{}, err
	}

	var uploaded []int
	paginator := s3.NewListPartsPaginator(t.client, &s3.ListPartsInput{
		Bucket:   aws.String(t.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			var apiError smithy.APIError
			if errors.As(err, &apiError) && apiError.ErrorCode() == "NoSuchUpload" {
				// Session was merged or expired server-side.
				return ProgressResult{}, fmt.Errorf("upload session not found: %w", err)
			}
			return ProgressResult{}, fmt.Errorf("list parts: %w", err)
		}
		for _, part := range page.Parts {
			uploaded = append(uploaded, int(aws.ToInt32(part.PartNumber))-1)
		}
	}
	sort.Ints(uploaded)

	return ProgressResult{UploadedChunks: uploaded}, nil
}

// CompleteUpload merges all parts of the session into the final object.
func (t *S3Transport) CompleteUpload(ctx context.Context, params CompleteParams) (FinalResult, error) {
	key, uploadID, err := splitS3SessionID(params.UploadID)
	if err != nil {
		return FinalResult{}, err
	}

	// CompleteMultipartUpload needs every part's ETag.
	parts, err := t.listCompletedParts(ctx, key, uploadID)
	if err != nil {
		return FinalResult{}, err
	}
	if len(parts) != params.TotalChunks {
		return FinalResult{}, fmt.Errorf("part count mismatch: server has %d parts, expected %d", len(parts), params.TotalChunks)
	}

	var location string
	err = retry.Times(numControlPlaneRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		resp, err := t.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(t.bucket),
			Key:             aws.String(key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
		})
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("request cancelled: %w", ctx.Err()), true
			}
			return fmt.Errorf("complete multipart upload: %w", err), false
		}
		location = aws.ToString(resp.Location)
		return nil, true
	})
	if err != nil {
		return FinalResult{}, err
	}

	return FinalResult{UploadID: params.UploadID, Location: location}, nil
}

func (t *S3Transport) listCompletedParts(ctx context.Context, key, uploadID string) ([]types.CompletedPart, error) {
	var parts []types.CompletedPart
	paginator := s3.NewListPartsPaginator(t.client, &s3.ListPartsInput{
		Bucket:   aws.String(t.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list parts: %w", err)
		}
		for _, part := range page.Parts {
			parts = append(parts, types.CompletedPart{
				ETag:       part.ETag,
				PartNumber: part.PartNumber,
			})
		}
	}
	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})
	return parts, nil
}

// findChecksumWithRetry returns the SHA-256 checksum of the object if it is
// already present in the bucket, or an empty string if it isn't.
func (t *S3Transport) findChecksumWithRetry(ctx context.Context, key string) (string, error) {
	var checksum string
	err := retry.Times(numControlPlaneRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(t.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			var apiError smithy.APIError
			if errors.As(err, &apiError) {
				switch apiError.(type) {
				case *types.NotFound:
					// Not present, continue with upload.
					return nil, true
				default:
					return fmt.Errorf("validating object: %w", err), false
				}
			}
			return fmt.Errorf("validating object: %w", err), false
		}

		attributes, err := t.client.GetObjectAttributes(ctx, &s3.GetObjectAttributesInput{
			Bucket: aws.String(t.bucket),
			Key:    aws.String(key),
			ObjectAttributes: []types.ObjectAttributes{
				"Checksum",
			},
		})
		if err != nil {
			return fmt.Errorf("get object attributes: %w", err), false
		}

		if attributes != nil && attributes.Checksum != nil && attributes.Checksum.ChecksumSHA256 != nil {
			decodedChecksum, err := base64.StdEncoding.DecodeString(*attributes.Checksum.ChecksumSHA256)
			if err != nil {
				return fmt.Errorf("base64 decode checksum: %w", err), true
			}
			checksum = hex.EncodeToString(decodedChecksum)
		}

		return nil, true
	})

	return checksum, err
}

func (t *S3Transport) findMultipartUpload(ctx context.Context, key string) (string, error) {
	resp, err := t.client.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
		Bucket: aws.String(t.bucket),
		Prefix: aws.String(key),
	})
	if err != nil {
		return "", err
	}
	for _, upload := range resp.Uploads {
		if aws.ToString(upload.Key) == key {
			return s3SessionID(key, aws.ToString(upload.UploadId)), nil
		}
	}
	return "", nil
}

// objectKey derives a stable S3 key from the file hash, so the same content
// always maps to the same object.
func objectKey(fileHash, fileName string) string {
	return fmt.Sprintf("%s/%s", fileHash, fileName)
}

// s3SessionID packs the object key and multipart upload ID into the opaque
// session ID the engine passes around.
func s3SessionID(key, uploadID string) string {
	return fmt.Sprintf("%s|%s", key, uploadID)
}

func splitS3SessionID(sessionID string) (key, uploadID string, err error) {
	for i := len(sessionID) - 1; i >= 0; i-- {
		if sessionID[i] == '|' {
			return sessionID[:i], sessionID[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed session ID: %q", sessionID)
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
