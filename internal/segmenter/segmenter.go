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

// Package segmenter cuts the input message stream into checkpoint-aligned
// segments.
//
// A Segmenter is a pull-based reader over a shared LineSource. It pulls one
// whole line at a time and stops handing out new lines right after a STATE
// message once the flush interval has elapsed since the last such stop.
// Every segment starts with the SCHEMA lines retained from earlier
// segments, so each one can be interpreted on its own.
package segmenter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

const (
	TypeSchema = "SCHEMA"
	TypeRecord = "RECORD"
	TypeState  = "STATE"

	// DefaultChunkSize is used when ReadChunk is asked for a non-positive size.
	DefaultChunkSize = 8192
)

// ErrMalformedMessage is returned when an input line is not a JSON message.
var ErrMalformedMessage = errors.New("malformed message")

type envelope struct {
	Type   string `json:"type"`
	Stream string `json:"stream"`
}

type Segmenter struct {
	src           LineSource
	state         *State
	flushInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger

	buf                 []byte
	empty               bool
	closed              bool
	stoppedAtCheckpoint bool
	linesRead           int
}

type Option func(*Segmenter)

func WithClock(now func() time.Time) Option {
	return func(s *Segmenter) {
		s.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Segmenter) {
		s.logger = logger
	}
}

// New starts a segment over src. The segment buffer is seeded with the
// schemas retained in state.
func New(src LineSource, state *State, flushInterval time.Duration, opts ...Option) *Segmenter {
	s := &Segmenter{
		src:           src,
		state:         state,
		flushInterval: flushInterval,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.buf = state.SchemaPrefix()
	return s
}

// StoppedAtCheckpoint reports whether the segment ended because a flush was
// due at a STATE message, as opposed to the input running out.
func (s *Segmenter) StoppedAtCheckpoint() bool {
	return s.stoppedAtCheckpoint
}

// LinesRead is the number of input lines this segment pulled from the source.
func (s *Segmenter) LinesRead() int {
	return s.linesRead
}

func (s *Segmenter) readMore() error {
	if s.empty || s.closed {
		return nil
	}
	line, err := s.src.ReadLine()
	if errors.Is(err, io.EOF) {
		s.empty = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	s.linesRead++

	var msg envelope
	if err := json.Unmarshal(line, &msg); err != nil {
		s.logger.Error("Unable to parse input line", slog.String("line", string(line)), slog.Any("error", err))
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	switch msg.Type {
	case TypeState:
		// Stop after this line if a flush is due; never mid-record-group.
		now := s.now()
		if now.Sub(s.state.LastFlush) > s.flushInterval {
			s.empty = true
			s.stoppedAtCheckpoint = true
			s.state.LastFlush = now
		}
	case TypeSchema:
		s.state.RetainSchema(msg.Stream, line)
	}

	s.buf = append(s.buf, line...)
	return nil
}

// ReadChunk returns up to maxSize bytes of the segment. It pulls at most one
// more input line per call, when the buffer holds fewer than maxSize bytes.
// Once the buffer and the segment's input are both exhausted it returns an
// empty slice and io.EOF.
func (s *Segmenter) ReadChunk(maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultChunkSize
	}
	if s.closed {
		return nil, io.EOF
	}
	if len(s.buf) < maxSize {
		if err := s.readMore(); err != nil {
			return nil, err
		}
	}
	if len(s.buf) == 0 {
		s.closed = true
		return nil, io.EOF
	}
	n := min(maxSize, len(s.buf))
	chunk := make([]byte, n)
	copy(chunk, s.buf[:n])
	s.buf = s.buf[n:]
	return chunk, nil
}

// Read implements io.Reader over ReadChunk.
func (s *Segmenter) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	chunk, err := s.ReadChunk(len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, chunk), nil
}
