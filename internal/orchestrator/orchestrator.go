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

// Package orchestrator drives the segment loop: wait for a fresh clock
// second, build the segment's upload configuration, run the segment through
// the batcher, drain its uploads, and either start over or stop.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/target-s3-json/config"
	"github.com/cardinalhq/target-s3-json/internal/awsclient"
	"github.com/cardinalhq/target-s3-json/internal/batcher"
	"github.com/cardinalhq/target-s3-json/internal/retry"
	"github.com/cardinalhq/target-s3-json/internal/segmenter"
	"github.com/cardinalhq/target-s3-json/internal/uploader"
	"github.com/cardinalhq/target-s3-json/internal/workerpool"
)

type Phase int

const (
	PhaseWaitForClockTick Phase = iota
	PhaseBuildConfig
	PhaseRunSegment
	PhaseFlushedContinue
	PhaseExhausted
)

func (p Phase) String() string {
	switch p {
	case PhaseWaitForClockTick:
		return "WAIT_FOR_CLOCK_TICK"
	case PhaseBuildConfig:
		return "BUILD_CONFIG"
	case PhaseRunSegment:
		return "RUN_SEGMENT"
	case PhaseFlushedContinue:
		return "FLUSHED_CONTINUE"
	case PhaseExhausted:
		return "EXHAUSTED"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// ClientFactory builds the upload client. It is called at most once per
// run; the result is reused by every later segment.
type ClientFactory func(ctx context.Context, s awsclient.Settings) (uploader.Client, error)

// S3Clients is the ClientFactory backed by a credential manager.
func S3Clients(mgr *awsclient.Manager) ClientFactory {
	return func(ctx context.Context, s awsclient.Settings) (uploader.Client, error) {
		c, err := mgr.GetS3(ctx, s)
		if err != nil {
			return uploader.Client{}, err
		}
		return uploader.FromS3Client(c), nil
	}
}

type Orchestrator struct {
	cfg     *config.Config
	src     segmenter.LineSource
	out     io.Writer
	clients ClientFactory

	getenv func(string) string
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	retry  retry.Policy
	logger *slog.Logger

	state    *segmenter.State
	client   *uploader.Client
	phase    Phase
	lastTick int64
	segments int
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithSleep replaces the wait used between segments started within the
// same second.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		o.sleep = sleep
	}
}

func WithGetenv(getenv func(string) string) Option {
	return func(o *Orchestrator) {
		o.getenv = getenv
	}
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(o *Orchestrator) {
		o.retry = p
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// New prepares a run over in. STATE values are acknowledged on out once the
// uploads of their segment have completed.
func New(cfg *config.Config, in io.Reader, out io.Writer, clients ClientFactory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		src:     segmenter.NewLineSource(in),
		out:     out,
		clients: clients,
		getenv:  os.Getenv,
		now:     time.Now,
		sleep:   sleepCtx,
		retry:   retry.Default(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.state = segmenter.NewState(o.now())
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Phase is the step the loop is in, or the final one after Run returns.
func (o *Orchestrator) Phase() Phase {
	return o.phase
}

// Segments is the number of segments completed.
func (o *Orchestrator) Segments() int {
	return o.segments
}

// Run processes segments until the input is exhausted.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		o.phase = PhaseWaitForClockTick
		start, err := o.waitForClockTick(ctx)
		if err != nil {
			return err
		}

		o.phase = PhaseBuildConfig
		ucfg, snap, err := o.buildConfig(ctx)
		if err != nil {
			return err
		}

		o.phase = PhaseRunSegment
		stopped, err := o.runSegment(ctx, start, ucfg, snap)
		if err != nil {
			segmentCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "error")))
			return err
		}
		o.segments++

		if !stopped {
			o.phase = PhaseExhausted
			segmentCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "exhausted")))
			o.logger.Info("Input exhausted", slog.Int("segments", o.segments))
			return nil
		}
		o.phase = PhaseFlushedContinue
		segmentCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "checkpoint")))
	}
}

// waitForClockTick makes sure no two segments start within the same second,
// since keys rendered from the start time have one-second resolution.
func (o *Orchestrator) waitForClockTick(ctx context.Context) (time.Time, error) {
	start := o.now()
	if start.Unix() == o.lastTick {
		if err := o.sleep(ctx, time.Second); err != nil {
			return time.Time{}, err
		}
		start = o.now()
	}
	o.lastTick = start.Unix()
	return start, nil
}

func (o *Orchestrator) buildConfig(ctx context.Context) (*uploader.Config, config.Resolved, error) {
	snap, err := o.cfg.Snapshot(o.getenv)
	if err != nil {
		return nil, config.Resolved{}, err
	}

	if o.client == nil {
		c, err := o.clients(ctx, o.cfg.AWSSettings(o.getenv))
		if err != nil {
			return nil, config.Resolved{}, err
		}
		o.client = &c
	}

	return &uploader.Config{
		Bucket:     o.cfg.S3Bucket,
		Codec:      snap.Codec,
		Encryption: snap.Encryption,
		Client:     *o.client,
		Pool:       workerpool.New(o.cfg.ThreadPoolSize, o.cfg.ThreadPool),
		Proxy:      snap.Proxy,
		Local:      o.cfg.Local,
		RemoveFile: o.cfg.RemoveFile,
		Retry:      o.retry.Named("upload"),
		Logger:     o.logger,
	}, snap, nil
}

func (o *Orchestrator) runSegment(ctx context.Context, start time.Time, ucfg *uploader.Config, snap config.Resolved) (bool, error) {
	seg := segmenter.New(o.src, o.state, snap.FlushInterval,
		segmenter.WithClock(o.now),
		segmenter.WithLogger(o.logger))

	loader := batcher.New(batcher.Options{
		Template:           snap.Template,
		Codec:              snap.Codec,
		WorkDir:            o.cfg.WorkDir,
		MemoryBuffer:       o.cfg.MemoryBuffer,
		MaxRecords:         o.cfg.MaxRecords,
		AddMetadataColumns: o.cfg.AddMetadataColumns,
		SegmentTime:        start,
		Now:                o.now,
		Logger:             o.logger,
	}, func(meta uploader.FileMetadata, records []map[string]any) {
		uploader.Writeline(ctx, ucfg, meta, records)
	})

	o.logger.Debug("Starting segment",
		slog.Int("segment", o.segments+1),
		slog.Time("start", start),
		slog.Int("workers", ucfg.Pool.Size()),
		slog.Bool("proxy", !ucfg.Proxy.Empty()))

	runErr := loader.Run(ctx, seg)
	// Uploads already submitted finish even when the batcher failed.
	poolErr := ucfg.Pool.Close()
	if runErr != nil || poolErr != nil {
		var result *multierror.Error
		if runErr != nil {
			result = multierror.Append(result, fmt.Errorf("segment %d: %w", o.segments+1, runErr))
		}
		if poolErr != nil {
			result = multierror.Append(result, fmt.Errorf("segment %d uploads: %w", o.segments+1, poolErr))
		}
		return false, result.ErrorOrNil()
	}

	records, files := loader.Stats()
	o.logger.Info("Segment complete",
		slog.Int("segment", o.segments+1),
		slog.Int("lines", seg.LinesRead()),
		slog.Int("records", records),
		slog.Int("files", files),
		slog.Int("streams", len(o.state.Streams())),
		slog.Bool("checkpoint", seg.StoppedAtCheckpoint()))

	if st := loader.LastState(); st != nil {
		if err := o.emitState(st); err != nil {
			return false, err
		}
	}
	return seg.StoppedAtCheckpoint(), nil
}

func (o *Orchestrator) emitState(state []byte) error {
	line := append(append([]byte(nil), state...), '\n')
	if _, err := o.out.Write(line); err != nil {
		return fmt.Errorf("emit state: %w", err)
	}
	o.logger.Debug("Emitted state", slog.String("state", string(state)))
	return nil
}
