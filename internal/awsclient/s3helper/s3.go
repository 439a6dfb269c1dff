// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package s3helper holds the individual S3 calls made for an upload.
package s3helper

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/target-s3-json/internal/encryption"
)

// ObjectPutter is the single-request upload call of *s3.Client.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// FileUploader is the managed multipart upload call of *manager.Uploader.
type FileUploader interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

func newInput(bucket, key string, body io.Reader, enc encryption.Policy) *s3.PutObjectInput {
	in := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	enc.Apply(in)
	return in
}

// PutBytes writes body to bucket/key in one request.
func PutBytes(ctx context.Context, tracer trace.Tracer, putter ObjectPutter, bucket, key string, body []byte, enc encryption.Policy) error {
	ctx, span := tracer.Start(ctx, "s3helper.PutBytes",
		trace.WithAttributes(
			attribute.String("bucketID", bucket),
			attribute.String("objectID", key),
			attribute.Int("size", len(body)),
		),
	)
	defer span.End()

	in := newInput(bucket, key, bytes.NewReader(body), enc)
	in.ContentLength = aws.Int64(int64(len(body)))
	if _, err := putter.PutObject(ctx, in); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "put failed")
		return fmt.Errorf("put s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// UploadFile streams the local file at path to bucket/key, switching to a
// multipart upload for large files. It returns the number of bytes sent.
func UploadFile(ctx context.Context, tracer trace.Tracer, uploader FileUploader, bucket, key, path string, enc encryption.Policy) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat file %s: %w", path, err)
	}

	ctx, span := tracer.Start(ctx, "s3helper.UploadFile",
		trace.WithAttributes(
			attribute.String("bucketID", bucket),
			attribute.String("objectID", key),
			attribute.Int64("size", info.Size()),
		),
	)
	defer span.End()

	if _, err := uploader.Upload(ctx, newInput(bucket, key, f, enc)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		return 0, fmt.Errorf("upload %s to s3://%s/%s: %w", path, bucket, key, err)
	}
	return info.Size(), nil
}
