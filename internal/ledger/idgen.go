// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ledger

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// crockford is the Crockford base32 alphabet: no I, L, O, U, to avoid
// transcription ambiguity in logs and URLs.
const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var idMu sync.Mutex

// NewRunID returns a 26-character, lexicographically time-sortable token
// (§3.1): a 48-bit millisecond timestamp followed by 80 bits of entropy
// drawn from uuid.New, both Crockford-base32 encoded. It is a ULID-shaped
// identifier, not a RFC-conformant ULID decoder/encoder — no such library
// appears anywhere in the reference corpus, so this is hand-rolled over
// google/uuid's random source rather than pulled from an ecosystem
// package (see DESIGN.md).
func NewRunID() string {
	return newSortableID(time.Now())
}

// NewEventID mirrors NewRunID; events need the same insertion-ordering
// guarantee (§8.1 invariant 3) so they share the same encoder.
func NewEventID() string {
	return newSortableID(time.Now())
}

// NewDLQID mirrors NewRunID for dead-letter rows.
func NewDLQID() string {
	return newSortableID(time.Now())
}

// NewAnomalyID mirrors NewRunID for anomaly rows.
func NewAnomalyID() string {
	return newSortableID(time.Now())
}

func newSortableID(t time.Time) string {
	// Guard against two calls landing on the same millisecond from
	// racing goroutines producing identical timestamp prefixes; the
	// entropy suffix still differs, but serializing here keeps
	// generation cheap and free of a monotonic-counter fallback.
	idMu.Lock()
	defer idMu.Unlock()

	ms := uint64(t.UnixMilli())
	var buf [16]byte
	// 48-bit timestamp -> first 6 bytes.
	for i := 5; i >= 0; i-- {
		buf[i] = byte(ms & 0xFF)
		ms >>= 8
	}
	entropy := uuid.New()
	copy(buf[6:], entropy[:10])

	return encodeCrockford(buf[:])
}

// encodeCrockford renders 16 bytes (128 bits) as 26 Crockford base32
// characters (130 bits, zero-padded), matching ULID's string shape.
func encodeCrockford(b []byte) string {
	var sb strings.Builder
	sb.Grow(26)

	var acc uint64
	var bits uint
	var out []byte
	for _, byt := range b {
		acc = acc<<8 | uint64(byt)
		bits += 8
		for bits >= 5 {
			bits -= 5
			out = append(out, crockford[(acc>>bits)&0x1F])
		}
	}
	if bits > 0 {
		out = append(out, crockford[(acc<<(5-bits))&0x1F])
	}
	sb.Write(out)
	s := sb.String()
	if len(s) < 26 {
		s = strings.Repeat("0", 26-len(s)) + s
	}
	return s[:26]
}
