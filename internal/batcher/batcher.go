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

// Package batcher turns a segment's messages into per-stream batch files.
//
// RECORD payloads are grouped by stream. A batch is closed when it reaches
// the record limit or when the input ends, and every closed batch is handed
// to the write callback, either as in-memory records or as a file under the
// work directory.
package batcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cardinalhq/target-s3-json/internal/compression"
	"github.com/cardinalhq/target-s3-json/internal/naming"
	"github.com/cardinalhq/target-s3-json/internal/uploader"
)

var (
	// ErrUnknownStream is returned for a RECORD whose stream has no SCHEMA yet.
	ErrUnknownStream  = errors.New("record for stream without schema")
	ErrInvalidMessage = errors.New("invalid message")
	// ErrKeyCollision is returned when rotation would reuse an object key.
	ErrKeyCollision = errors.New("rotated batches would share a key")
)

// WriteFunc receives each closed batch. records is nil when the batch was
// written to meta.AbsolutePath.
type WriteFunc func(meta uploader.FileMetadata, records []map[string]any)

type Options struct {
	// Template renders object keys, codec suffix included.
	Template *naming.Template
	Codec    compression.Codec
	WorkDir  string

	MemoryBuffer bool
	// MaxRecords closes a batch after this many records; 0 means no limit.
	MaxRecords         int
	AddMetadataColumns bool

	// SegmentTime fills {date_time} for every key of the segment.
	SegmentTime time.Time
	Now         func() time.Time
	Logger      *slog.Logger
}

type message struct {
	Type          string          `json:"type"`
	Stream        string          `json:"stream"`
	Schema        json.RawMessage `json:"schema"`
	Record        json.RawMessage `json:"record"`
	Value         json.RawMessage `json:"value"`
	TimeExtracted string          `json:"time_extracted"`
	Version       *int64          `json:"version"`
}

type Loader struct {
	opts  Options
	write WriteFunc

	schemas   map[string]json.RawMessage
	batches   map[string]*batch
	order     []string
	parts     map[string]int
	lastState json.RawMessage

	records int
	files   int
}

func New(opts Options, write WriteFunc) *Loader {
	if opts.Template == nil {
		opts.Template = naming.MustParse(naming.DefaultPathTemplate).WithSuffix(opts.Codec.Suffix())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SegmentTime.IsZero() {
		opts.SegmentTime = opts.Now()
	}
	return &Loader{
		opts:    opts,
		write:   write,
		schemas: map[string]json.RawMessage{},
		batches: map[string]*batch{},
		parts:   map[string]int{},
	}
}

// LastState is the value of the most recent STATE message, or nil.
func (l *Loader) LastState() json.RawMessage {
	return l.lastState
}

// Stats reports how many records were read and batches closed so far.
func (l *Loader) Stats() (records, files int) {
	return l.records, l.files
}

// Run consumes r until EOF and closes every open batch. On error the open
// batches are discarded without being written.
func (l *Loader) Run(ctx context.Context, r io.Reader) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			l.discard()
			return err
		}
		line, readErr := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			if err := l.handle(line); err != nil {
				l.discard()
				return err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			l.discard()
			return fmt.Errorf("read messages: %w", readErr)
		}
	}
	return l.closeAll()
}

func (l *Loader) handle(line []byte) error {
	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		return fmt.Errorf("%w: %v: %s", ErrInvalidMessage, err, bytes.TrimSpace(line))
	}

	switch msg.Type {
	case "SCHEMA":
		if msg.Stream == "" {
			return fmt.Errorf("%w: SCHEMA without stream", ErrInvalidMessage)
		}
		l.schemas[msg.Stream] = msg.Schema
	case "RECORD":
		return l.handleRecord(&msg)
	case "STATE":
		l.lastState = append(json.RawMessage(nil), msg.Value...)
		l.opts.Logger.Debug("Setting state", slog.String("state", string(msg.Value)))
	default:
		l.opts.Logger.Debug("Ignoring message", slog.String("type", msg.Type), slog.String("stream", msg.Stream))
	}
	return nil
}

func (l *Loader) handleRecord(msg *message) error {
	if _, ok := l.schemas[msg.Stream]; !ok {
		return fmt.Errorf("%w: a record for stream %q was encountered before a corresponding schema", ErrUnknownStream, msg.Stream)
	}

	dec := json.NewDecoder(bytes.NewReader(msg.Record))
	dec.UseNumber()
	var rec map[string]any
	if err := dec.Decode(&rec); err != nil || rec == nil {
		return fmt.Errorf("%w: RECORD for stream %q has no object payload", ErrInvalidMessage, msg.Stream)
	}
	if l.opts.AddMetadataColumns {
		l.addMetadata(rec, msg)
	}

	b, err := l.batchFor(msg.Stream)
	if err != nil {
		return err
	}
	if err := b.add(rec); err != nil {
		return err
	}
	l.records++

	if l.opts.MaxRecords > 0 && b.count >= l.opts.MaxRecords {
		return l.closeBatch(msg.Stream)
	}
	return nil
}

func (l *Loader) addMetadata(rec map[string]any, msg *message) {
	now := l.opts.Now().UTC()
	extracted := msg.TimeExtracted
	if extracted == "" {
		extracted = now.Format(time.RFC3339Nano)
	}
	rec["_sdc_extracted_at"] = extracted
	rec["_sdc_received_at"] = now.Format(time.RFC3339Nano)
	rec["_sdc_batched_at"] = now.Format(time.RFC3339Nano)
	if _, ok := rec["_sdc_deleted_at"]; !ok {
		rec["_sdc_deleted_at"] = nil
	}
	rec["_sdc_sequence"] = now.UnixNano()
	if msg.Version != nil {
		rec["_sdc_table_version"] = *msg.Version
	} else {
		rec["_sdc_table_version"] = nil
	}
}

func (l *Loader) batchFor(stream string) (*batch, error) {
	if b, ok := l.batches[stream]; ok {
		return b, nil
	}
	part := l.parts[stream]
	if part > 0 && !l.opts.Template.VariesByPart() {
		return nil, fmt.Errorf("%w: stream %s, template %s", ErrKeyCollision, stream, l.opts.Template)
	}
	l.parts[stream] = part + 1

	key := l.opts.Template.Render(naming.Values{
		Stream: stream,
		Time:   l.opts.SegmentTime,
		Part:   part,
	})
	meta := uploader.FileMetadata{RelativePath: key, Stream: stream, Part: part}

	var b *batch
	if l.opts.MemoryBuffer {
		b = newMemoryBatch(meta)
	} else {
		meta.AbsolutePath = filepath.Join(l.opts.WorkDir, filepath.FromSlash(key))
		var err error
		b, err = newFileBatch(meta, l.opts.Codec)
		if err != nil {
			return nil, err
		}
	}
	l.batches[stream] = b
	l.order = append(l.order, stream)
	return b, nil
}

func (l *Loader) closeBatch(stream string) error {
	b := l.batches[stream]
	delete(l.batches, stream)
	for i, s := range l.order {
		if s == stream {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}

	if err := b.close(); err != nil {
		return err
	}
	l.files++
	l.opts.Logger.Debug("Batch closed",
		slog.String("stream", stream),
		slog.String("key", b.meta.RelativePath),
		slog.Int("records", b.count))
	l.write(b.meta, b.records)
	return nil
}

func (l *Loader) closeAll() error {
	for len(l.order) > 0 {
		if err := l.closeBatch(l.order[0]); err != nil {
			l.discard()
			return err
		}
	}
	return nil
}

func (l *Loader) discard() {
	for _, stream := range l.order {
		l.batches[stream].abort()
	}
	l.order = nil
	clear(l.batches)
}

// batch is one open output file.
type batch struct {
	meta    uploader.FileMetadata
	count   int
	records []map[string]any

	file *os.File
	w    io.WriteCloser
	bw   *bufio.Writer
	enc  *json.Encoder
}

func newMemoryBatch(meta uploader.FileMetadata) *batch {
	return &batch{meta: meta, records: []map[string]any{}}
}

func newFileBatch(meta uploader.FileMetadata, codec compression.Codec) (*batch, error) {
	if err := os.MkdirAll(filepath.Dir(meta.AbsolutePath), 0o755); err != nil {
		return nil, fmt.Errorf("create batch directory: %w", err)
	}
	f, err := os.Create(meta.AbsolutePath)
	if err != nil {
		return nil, fmt.Errorf("create batch file: %w", err)
	}
	bw := bufio.NewWriter(f)
	w, err := codec.NewWriter(bw)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &batch{meta: meta, file: f, w: w, bw: bw, enc: enc}, nil
}

func (b *batch) add(rec map[string]any) error {
	b.count++
	if b.file == nil {
		b.records = append(b.records, rec)
		return nil
	}
	if err := b.enc.Encode(rec); err != nil {
		return fmt.Errorf("write record to %s: %w", b.meta.AbsolutePath, err)
	}
	return nil
}

func (b *batch) close() error {
	if b.file == nil {
		return nil
	}
	if err := b.w.Close(); err != nil {
		_ = b.file.Close()
		return fmt.Errorf("finish %s: %w", b.meta.AbsolutePath, err)
	}
	if err := b.bw.Flush(); err != nil {
		_ = b.file.Close()
		return fmt.Errorf("flush %s: %w", b.meta.AbsolutePath, err)
	}
	if err := b.file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", b.meta.AbsolutePath, err)
	}
	return nil
}

func (b *batch) abort() {
	if b.file == nil {
		return
	}
	_ = b.w.Close()
	_ = b.file.Close()
	_ = os.Remove(b.meta.AbsolutePath)
}
