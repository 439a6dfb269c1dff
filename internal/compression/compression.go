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

// Package compression maps a configured compression scheme to an encoder
// and the suffix appended to object keys written with it.
package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
)

type Scheme string

const (
	None Scheme = "none"
	Gzip Scheme = "gzip"
	LZMA Scheme = "lzma"
)

// ErrUnsupported is returned by Resolve for an unknown scheme.
var ErrUnsupported = errors.New("unsupported compression type")

// Codec encodes upload payloads for one scheme. The zero value is the
// identity codec.
type Codec struct {
	scheme Scheme
}

// Resolve returns the codec for name. Matching is case-insensitive and an
// empty name means no compression.
func Resolve(name string) (Codec, error) {
	switch Scheme(strings.ToLower(strings.TrimSpace(name))) {
	case "", None:
		return Codec{scheme: None}, nil
	case Gzip:
		return Codec{scheme: Gzip}, nil
	case LZMA:
		return Codec{scheme: LZMA}, nil
	default:
		return Codec{}, fmt.Errorf("%w %q, expected: 'none', 'gzip', or 'lzma'", ErrUnsupported, strings.ToLower(name))
	}
}

func (c Codec) Scheme() Scheme {
	if c.scheme == "" {
		return None
	}
	return c.scheme
}

// Suffix is appended to the object key: ".gz", ".xz" or nothing.
func (c Codec) Suffix() string {
	switch c.scheme {
	case Gzip:
		return ".gz"
	case LZMA:
		return ".xz"
	default:
		return ""
	}
}

// Encode compresses p in one shot. The identity codec returns p itself.
func (c Codec) Encode(p []byte) ([]byte, error) {
	if c.Scheme() == None {
		return p, nil
	}
	var buf bytes.Buffer
	w, err := c.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(p); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("%s encode: %w", c.Scheme(), err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%s encode: %w", c.Scheme(), err)
	}
	return buf.Bytes(), nil
}

// NewWriter wraps w so everything written is compressed. Closing the
// returned writer flushes the stream but does not close w.
func (c Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	switch c.Scheme() {
	case Gzip:
		return gzip.NewWriter(w), nil
	case LZMA:
		xw, err := xz.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("create xz writer: %w", err)
		}
		return xw, nil
	default:
		return nopWriteCloser{w}, nil
	}
}

// NewReader wraps r so reads return decompressed bytes.
func (c Codec) NewReader(r io.Reader) (io.Reader, error) {
	switch c.Scheme() {
	case Gzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		return gr, nil
	case LZMA:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("create xz reader: %w", err)
		}
		return xr, nil
	default:
		return r, nil
	}
}

// Decode reverses Encode.
func (c Codec) Decode(p []byte) ([]byte, error) {
	r, err := c.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
