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
	"bytes"
	"time"
)

// State is the part of segmentation that outlives a single segment: the
// schema messages to replay at the head of the next segment and the time of
// the last checkpoint-triggered flush. It is owned by the orchestrator and
// written only by the Segmenter currently reading; the next Segmenter reads
// it after the previous one is done, so no locking is needed.
type State struct {
	LastFlush time.Time

	order   []string
	schemas map[string][]byte
}

func NewState(now time.Time) *State {
	return &State{
		LastFlush: now,
		schemas:   map[string][]byte{},
	}
}

// RetainSchema records the raw bytes of a SCHEMA message. A later schema for
// the same stream replaces the earlier one but keeps its position.
func (s *State) RetainSchema(stream string, raw []byte) {
	if _, ok := s.schemas[stream]; !ok {
		s.order = append(s.order, stream)
	}
	s.schemas[stream] = bytes.Clone(raw)
}

// SchemaPrefix returns a fresh copy of every retained schema line, in the
// order the streams were first seen.
func (s *State) SchemaPrefix() []byte {
	var buf bytes.Buffer
	for _, stream := range s.order {
		buf.Write(s.schemas[stream])
	}
	return buf.Bytes()
}

// Streams lists the streams with a retained schema.
func (s *State) Streams() []string {
	return append([]string(nil), s.order...)
}
