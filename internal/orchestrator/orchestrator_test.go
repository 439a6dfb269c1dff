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

package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/target-s3-json/config"
	"github.com/cardinalhq/target-s3-json/internal/awsclient"
	"github.com/cardinalhq/target-s3-json/internal/batcher"
	"github.com/cardinalhq/target-s3-json/internal/compression"
	"github.com/cardinalhq/target-s3-json/internal/retry"
	"github.com/cardinalhq/target-s3-json/internal/segmenter"
	"github.com/cardinalhq/target-s3-json/internal/uploader"
)

type object struct {
	key  string
	body []byte
}

type fakeS3 struct {
	mu      sync.Mutex
	objects []object
	fail    bool
}

func (f *fakeS3) store(in *s3.PutObjectInput) error {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return &smithy.GenericAPIError{Code: "InternalError", Message: "try again"}
	}
	f.objects = append(f.objects, object{key: aws.ToString(in.Key), body: body})
	return nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if err := f.store(in); err != nil {
		return nil, err
	}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) Upload(_ context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if err := f.store(in); err != nil {
		return nil, err
	}
	return &manager.UploadOutput{}, nil
}

func (f *fakeS3) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for _, o := range f.objects {
		keys = append(keys, o.key)
	}
	sort.Strings(keys)
	return keys
}

type fakeClock struct {
	mu    sync.Mutex
	t     time.Time
	step  time.Duration
	slept []time.Duration
}

func newClock(step time.Duration) *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), step: step}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slept = append(c.slept, d)
	c.t = c.t.Add(d)
	return nil
}

type factory struct {
	s3    *fakeS3
	calls int
	err   error
}

func (f *factory) build(_ context.Context, _ awsclient.Settings) (uploader.Client, error) {
	f.calls++
	if f.err != nil {
		return uploader.Client{}, f.err
	}
	return uploader.Client{Putter: f.s3, Uploader: f.s3}, nil
}

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		S3Bucket:       "bucket",
		Compression:    "none",
		EncryptionType: "none",
		PathTemplate:   "{stream}.json",
		FlushSeconds:   0,
		RemoveFile:     true,
		ThreadPool:     true,
		MemoryBuffer:   true,
		WorkDir:        t.TempDir(),
	}
}

func newOrchestrator(cfg *config.Config, input string, out io.Writer, f *factory, clock *fakeClock) *Orchestrator {
	return New(cfg, strings.NewReader(input), out, f.build,
		WithClock(clock.Now),
		WithSleep(clock.Sleep),
		WithGetenv(func(string) string { return "" }),
		WithRetryPolicy(retry.Policy{Factor: time.Millisecond, Base: 2, MaxAttempts: 3}))
}

func TestSingleCheckpointScenario(t *testing.T) {
	input := `{"type":"SCHEMA","stream":"a","schema":{}}` + "\n" +
		`{"type":"RECORD","stream":"a","record":{"x":1}}` + "\n" +
		`{"type":"STATE","value":{}}` + "\n"

	f := &factory{s3: &fakeS3{}}
	var out bytes.Buffer
	o := newOrchestrator(baseConfig(t), input, &out, f, newClock(100*time.Millisecond))

	require.NoError(t, o.Run(context.Background()))

	require.Len(t, f.s3.objects, 1)
	assert.Equal(t, "a.json", f.s3.objects[0].key)
	assert.Equal(t, "{\"x\":1}\n", string(f.s3.objects[0].body))
	assert.Equal(t, "{}\n", out.String())
	assert.Equal(t, 1, f.calls)
	assert.Equal(t, 2, o.Segments())
	assert.Equal(t, PhaseExhausted, o.Phase())
}

func TestSegmentsFromDiskCompressed(t *testing.T) {
	cfg := baseConfig(t)
	cfg.MemoryBuffer = false
	cfg.Compression = "gzip"
	cfg.PathTemplate = "{stream}/{date_time}.json"

	input := `{"type":"SCHEMA","stream":"users","schema":{}}` + "\n" +
		`{"type":"RECORD","stream":"users","record":{"id":1}}` + "\n" +
		`{"type":"STATE","value":{"n":1}}` + "\n" +
		`{"type":"RECORD","stream":"users","record":{"id":2}}` + "\n" +
		`{"type":"STATE","value":{"n":2}}` + "\n"

	f := &factory{s3: &fakeS3{}}
	var out bytes.Buffer
	clock := newClock(10 * time.Millisecond)
	o := newOrchestrator(cfg, input, &out, f, clock)

	require.NoError(t, o.Run(context.Background()))

	keys := f.s3.keys()
	require.Len(t, keys, 2)
	assert.NotEqual(t, keys[0], keys[1])
	for _, k := range keys {
		assert.True(t, strings.HasPrefix(k, "users/"))
		assert.True(t, strings.HasSuffix(k, ".json.gz"))
	}

	codec, err := compression.Resolve("gzip")
	require.NoError(t, err)
	var bodies []string
	for _, obj := range f.s3.objects {
		plain, err := codec.Decode(obj.body)
		require.NoError(t, err)
		bodies = append(bodies, string(plain))
	}
	sort.Strings(bodies)
	assert.Equal(t, []string{"{\"id\":1}\n", "{\"id\":2}\n"}, bodies)

	assert.Equal(t, "{\"n\":1}\n{\"n\":2}\n", out.String())
	assert.Equal(t, 1, f.calls)
	assert.NotEmpty(t, clock.slept)

	entries, err := os.ReadDir(filepath.Join(cfg.WorkDir, "users"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWaitForClockTickSleepsWithinSameSecond(t *testing.T) {
	clock := newClock(0)
	o := newOrchestrator(baseConfig(t), "", io.Discard, &factory{s3: &fakeS3{}}, clock)

	first, err := o.waitForClockTick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, clock.slept)

	second, err := o.waitForClockTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second}, clock.slept)
	assert.NotEqual(t, first.Unix(), second.Unix())
}

func TestLocalModeKeepsFiles(t *testing.T) {
	cfg := baseConfig(t)
	cfg.MemoryBuffer = false
	cfg.Local = true

	input := `{"type":"SCHEMA","stream":"a","schema":{}}` + "\n" +
		`{"type":"RECORD","stream":"a","record":{"x":1}}` + "\n"

	f := &factory{s3: &fakeS3{}}
	o := newOrchestrator(cfg, input, io.Discard, f, newClock(100*time.Millisecond))
	require.NoError(t, o.Run(context.Background()))

	assert.Empty(t, f.s3.objects)
	assert.FileExists(t, filepath.Join(cfg.WorkDir, "a.json"))
	assert.Equal(t, 1, o.Segments())
}

func TestMalformedInputIsFatal(t *testing.T) {
	f := &factory{s3: &fakeS3{}}
	o := newOrchestrator(baseConfig(t), "not json\n", io.Discard, f, newClock(time.Second))

	err := o.Run(context.Background())
	require.ErrorIs(t, err, segmenter.ErrMalformedMessage)
	assert.Equal(t, PhaseRunSegment, o.Phase())
}

func TestUploadFailureIsFatalAfterDrain(t *testing.T) {
	f := &factory{s3: &fakeS3{fail: true}}
	var out bytes.Buffer
	input := `{"type":"SCHEMA","stream":"a","schema":{}}` + "\n" +
		`{"type":"RECORD","stream":"a","record":{"x":1}}` + "\n" +
		`{"type":"STATE","value":{"n":1}}` + "\n"

	o := newOrchestrator(baseConfig(t), input, &out, f, newClock(100*time.Millisecond))
	require.Error(t, o.Run(context.Background()))
	assert.Empty(t, out.String())
}

func TestRotatedDiskBatchesAllUploaded(t *testing.T) {
	cfg := baseConfig(t)
	cfg.MemoryBuffer = false
	cfg.MaxRecords = 1
	cfg.PathTemplate = "{stream}-{part}.json"

	input := `{"type":"SCHEMA","stream":"a","schema":{}}` + "\n" +
		`{"type":"RECORD","stream":"a","record":{"x":1}}` + "\n" +
		`{"type":"RECORD","stream":"a","record":{"x":2}}` + "\n" +
		`{"type":"RECORD","stream":"a","record":{"x":3}}` + "\n" +
		`{"type":"STATE","value":{"n":3}}` + "\n"

	f := &factory{s3: &fakeS3{}}
	var out bytes.Buffer
	o := newOrchestrator(cfg, input, &out, f, newClock(100*time.Millisecond))

	require.NoError(t, o.Run(context.Background()))
	assert.Equal(t, []string{"a-0.json", "a-1.json", "a-2.json"}, f.s3.keys())
	assert.Equal(t, "{\"n\":3}\n", out.String())
}

func TestRotationWithSharedKeyIsFatal(t *testing.T) {
	cfg := baseConfig(t)
	cfg.MemoryBuffer = false
	cfg.MaxRecords = 1

	input := `{"type":"SCHEMA","stream":"a","schema":{}}` + "\n" +
		`{"type":"RECORD","stream":"a","record":{"x":1}}` + "\n" +
		`{"type":"RECORD","stream":"a","record":{"x":2}}` + "\n" +
		`{"type":"STATE","value":{"n":2}}` + "\n"

	f := &factory{s3: &fakeS3{}}
	var out bytes.Buffer
	o := newOrchestrator(cfg, input, &out, f, newClock(100*time.Millisecond))

	require.ErrorIs(t, o.Run(context.Background()), batcher.ErrKeyCollision)
	assert.Empty(t, out.String())
}

func TestSegmentLogsProxyAndStreams(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Proxies = map[string]string{"https": "http://proxy:3128"}

	input := `{"type":"SCHEMA","stream":"a","schema":{}}` + "\n" +
		`{"type":"SCHEMA","stream":"b","schema":{}}` + "\n" +
		`{"type":"STATE","value":{}}` + "\n"

	var logs bytes.Buffer
	clock := newClock(100 * time.Millisecond)
	f := &factory{s3: &fakeS3{}}
	o := New(cfg, strings.NewReader(input), io.Discard, f.build,
		WithClock(clock.Now),
		WithSleep(clock.Sleep),
		WithGetenv(func(string) string { return "" }),
		WithLogger(slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))))

	require.NoError(t, o.Run(context.Background()))
	assert.Contains(t, logs.String(), "proxy=true")
	assert.Contains(t, logs.String(), "streams=2")
}

func TestClientFailureIsFatal(t *testing.T) {
	cause := errors.New("no credentials")
	f := &factory{err: cause}
	o := newOrchestrator(baseConfig(t), "", io.Discard, f, newClock(time.Second))

	require.ErrorIs(t, o.Run(context.Background()), cause)
	assert.Equal(t, PhaseBuildConfig, o.Phase())
}

func TestInvalidConfigIsFatal(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Compression = "zip"
	f := &factory{s3: &fakeS3{}}
	o := newOrchestrator(cfg, "", io.Discard, f, newClock(time.Second))

	require.ErrorIs(t, o.Run(context.Background()), compression.ErrUnsupported)
	assert.Zero(t, f.calls)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "WAIT_FOR_CLOCK_TICK", PhaseWaitForClockTick.String())
	assert.Equal(t, "BUILD_CONFIG", PhaseBuildConfig.String())
	assert.Equal(t, "RUN_SEGMENT", PhaseRunSegment.String())
	assert.Equal(t, "FLUSHED_CONTINUE", PhaseFlushedContinue.String())
	assert.Equal(t, "EXHAUSTED", PhaseExhausted.String())
	assert.Equal(t, "Phase(9)", Phase(9).String())
}
