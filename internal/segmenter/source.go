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

package segmenter

import (
	"bufio"
	"errors"
	"io"
)

// LineSource yields whole input lines, including the trailing newline when
// there is one. It returns io.EOF once the input is exhausted.
type LineSource interface {
	ReadLine() ([]byte, error)
}

type readerSource struct {
	r *bufio.Reader
}

// NewLineSource adapts r. The same LineSource must be shared by every
// Segmenter of a run so bytes buffered for one segment are not lost to the
// next.
func NewLineSource(r io.Reader) LineSource {
	return &readerSource{r: bufio.NewReaderSize(r, 64*1024)}
}

func (s *readerSource) ReadLine() ([]byte, error) {
	line, err := s.r.ReadBytes('\n')
	if len(line) > 0 {
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		return line, nil
	}
	if err == nil {
		err = io.EOF
	}
	return nil, err
}
