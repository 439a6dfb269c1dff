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

// Package uploader turns closed batch files into S3 objects.
//
// Every upload goes through the segment's worker pool, so the ingestion
// loop never waits on the network. Uploads are retried under the configured
// retry policy and the pool's Close reports any that still failed.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/target-s3-json/internal/awsclient"
	"github.com/cardinalhq/target-s3-json/internal/awsclient/s3helper"
	"github.com/cardinalhq/target-s3-json/internal/compression"
	"github.com/cardinalhq/target-s3-json/internal/encryption"
	"github.com/cardinalhq/target-s3-json/internal/retry"
	"github.com/cardinalhq/target-s3-json/internal/workerpool"
)

// Client is the network side of an upload.
type Client struct {
	Putter   s3helper.ObjectPutter
	Uploader s3helper.FileUploader
	Tracer   trace.Tracer
}

// FromS3Client adapts a resolved S3 client.
func FromS3Client(c *awsclient.S3Client) Client {
	return Client{
		Putter:   c.Client,
		Uploader: c.Uploader,
		Tracer:   c.Tracer,
	}
}

// Config is everything one segment's uploads need. It is built once per
// segment and not modified afterwards.
type Config struct {
	Bucket     string
	Codec      compression.Codec
	Encryption encryption.Policy
	Client     Client
	Pool       *workerpool.Pool
	Proxy      awsclient.ProxySettings

	// Local keeps files on disk and skips every upload.
	Local bool
	// RemoveFile deletes a local file once it has been uploaded.
	RemoveFile bool

	Retry  retry.Policy
	Logger *slog.Logger
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Config) tracer() trace.Tracer {
	if c.Client.Tracer != nil {
		return c.Client.Tracer
	}
	return otel.Tracer("github.com/cardinalhq/target-s3-json/internal/uploader")
}

// FileMetadata describes one closed batch file.
type FileMetadata struct {
	// AbsolutePath is the local file; empty for in-memory batches.
	AbsolutePath string
	// RelativePath is the object key, codec suffix included.
	RelativePath string
	Stream       string
	Part         int
}

// Outcome values for the upload.count metric.
const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
	outcomeSkipped = "skipped"
)

func record(ctx context.Context, outcome string, size int64, start time.Time) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	uploadCounter.Add(ctx, 1, attrs)
	if outcome == outcomeSkipped {
		return
	}
	uploadDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if outcome == outcomeSuccess {
		uploadBytes.Add(ctx, size)
	}
}

// EncodeRecords renders records as JSON lines with HTML escaping turned off.
func EncodeRecords(records []map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("encode record: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// PutObjectFromBytes serialises records, compresses them and writes the
// result to meta.RelativePath in a single request.
func PutObjectFromBytes(ctx context.Context, cfg *Config, meta FileMetadata, records []map[string]any) error {
	start := time.Now()
	ctx, span := cfg.tracer().Start(ctx, "uploader.PutObjectFromBytes",
		trace.WithAttributes(
			attribute.String("stream", meta.Stream),
			attribute.String("objectID", meta.RelativePath),
			attribute.Int("records", len(records)),
		),
	)
	defer span.End()

	if cfg.Local {
		record(ctx, outcomeSkipped, 0, start)
		cfg.logger().Debug("Local mode, not uploading", slog.String("key", meta.RelativePath))
		return nil
	}

	raw, err := EncodeRecords(records)
	if err != nil {
		record(ctx, outcomeFailure, 0, start)
		return err
	}
	body, err := cfg.Codec.Encode(raw)
	if err != nil {
		record(ctx, outcomeFailure, 0, start)
		return err
	}

	err = cfg.Retry.Named("put object").Do(ctx, func(ctx context.Context) error {
		return s3helper.PutBytes(ctx, cfg.tracer(), cfg.Client.Putter, cfg.Bucket, meta.RelativePath, body, cfg.Encryption)
	})
	if err != nil {
		record(ctx, outcomeFailure, 0, start)
		return err
	}

	record(ctx, outcomeSuccess, int64(len(body)), start)
	cfg.logger().Info(fmt.Sprintf("%s uploaded to bucket %s at %s%s",
		meta.Stream, cfg.Bucket, meta.RelativePath, cfg.Encryption.Description()),
		slog.Int("records", len(records)),
		slog.Int("bytes", len(body)))
	return nil
}

// UploadFileFromDisk uploads meta.AbsolutePath. Nothing happens in local
// mode or when the file is missing or empty.
func UploadFileFromDisk(ctx context.Context, cfg *Config, meta FileMetadata) error {
	start := time.Now()
	if cfg.Local || meta.AbsolutePath == "" {
		record(ctx, outcomeSkipped, 0, start)
		return nil
	}
	info, err := os.Stat(meta.AbsolutePath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		record(ctx, outcomeSkipped, 0, start)
		return nil
	case err != nil:
		record(ctx, outcomeFailure, 0, start)
		return fmt.Errorf("stat %s: %w", meta.AbsolutePath, err)
	case info.Size() == 0:
		record(ctx, outcomeSkipped, 0, start)
		cfg.logger().Debug("Skipping empty file", slog.String("path", meta.AbsolutePath))
		return nil
	}

	ctx, span := cfg.tracer().Start(ctx, "uploader.UploadFileFromDisk",
		trace.WithAttributes(
			attribute.String("stream", meta.Stream),
			attribute.String("objectID", meta.RelativePath),
			attribute.Int64("size", info.Size()),
		),
	)
	defer span.End()

	var size int64
	err = cfg.Retry.Named("upload file").Do(ctx, func(ctx context.Context) error {
		n, err := s3helper.UploadFile(ctx, cfg.tracer(), cfg.Client.Uploader, cfg.Bucket, meta.RelativePath, meta.AbsolutePath, cfg.Encryption)
		size = n
		return err
	})
	if err != nil {
		record(ctx, outcomeFailure, 0, start)
		return err
	}
	record(ctx, outcomeSuccess, size, start)
	cfg.logger().Info(fmt.Sprintf("%s uploaded to bucket %s at %s%s",
		meta.AbsolutePath, cfg.Bucket, meta.RelativePath, cfg.Encryption.Description()),
		slog.Int64("bytes", size))

	if cfg.RemoveFile {
		if err := os.Remove(meta.AbsolutePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove uploaded file %s: %w", meta.AbsolutePath, err)
		}
	}
	return nil
}

// UploadAsync submits UploadFileFromDisk to the segment's pool.
func UploadAsync(ctx context.Context, cfg *Config, meta FileMetadata) *workerpool.Handle {
	return cfg.Pool.Submit(func() error {
		return UploadFileFromDisk(ctx, cfg, meta)
	})
}

// Writeline is the batcher's write callback. With records the batch is held
// in memory and put directly; without, the batch is a file on disk.
func Writeline(ctx context.Context, cfg *Config, meta FileMetadata, records []map[string]any) *workerpool.Handle {
	if records == nil {
		return UploadAsync(ctx, cfg, meta)
	}
	return cfg.Pool.Submit(func() error {
		return PutObjectFromBytes(ctx, cfg, meta, records)
	})
}
