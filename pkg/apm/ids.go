// Package apm implements the span-lifecycle engine that turns a hierarchical
// tracing stream into Elastic APM intake v2 records.
package apm

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// TraceId is a 128-bit trace identifier, rendered as 32 lowercase hex digits.
type TraceId [16]byte

// SpanId is a 64-bit span identifier, rendered as 16 lowercase hex digits.
type SpanId [8]byte

// TraceFlags is the single-byte flag set carried alongside a trace context.
// Only the SAMPLED bit is defined; all others are reserved and must be
// preserved across propagation even though this layer never sets them.
type TraceFlags byte

// Sampled is the one flag bit this layer understands.
const Sampled TraceFlags = 0x01

func (f TraceFlags) IsSampled() bool { return f&Sampled != 0 }

// IsValid reports whether id is non-zero. The all-zero id is reserved to
// mean "absent" and is never emitted as a real identifier.
func (t TraceId) IsValid() bool { return t != TraceId{} }

func (t TraceId) String() string { return fmt.Sprintf("%032x", [16]byte(t)) }

func (s SpanId) IsValid() bool { return s != SpanId{} }

func (s SpanId) String() string { return fmt.Sprintf("%016x", [8]byte(s)) }

// traceIdFromHex parses a 32-hex-digit trace id.
func traceIdFromHex(s string) (TraceId, error) {
	var out TraceId
	if len(s) != 32 {
		return out, fmt.Errorf("apm: trace id %q: want 32 hex digits", s)
	}
	for i := 0; i < 16; i++ {
		b, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return out, fmt.Errorf("apm: trace id %q: %w", s, err)
		}
		out[i] = byte(b)
	}
	return out, nil
}

// spanIdFromHex parses a 16-hex-digit span id.
func spanIdFromHex(s string) (SpanId, error) {
	var out SpanId
	if len(s) != 16 {
		return out, fmt.Errorf("apm: span id %q: want 16 hex digits", s)
	}
	for i := 0; i < 8; i++ {
		b, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return out, fmt.Errorf("apm: span id %q: %w", s, err)
		}
		out[i] = byte(b)
	}
	return out, nil
}

// idSource is a reusable, crypto-seeded random source for identifier
// generation. A per-call crypto/rand.Read would be simpler but is far
// slower under the volume of spans a busy service opens; instead a small
// pool of math/rand sources, each freshly seeded from crypto/rand, backs
// every NewTraceId/NewSpanId call. This is the Go analogue of the
// thread-local RNG the original implementation keeps per OS thread.
var idSourcePool = sync.Pool{
	New: func() any {
		var seed [8]byte
		if _, err := rand.Read(seed[:]); err != nil {
			panic("apm: failed to seed identifier source: " + err.Error())
		}
		return newSplitMix64(binary.LittleEndian.Uint64(seed[:]))
	},
}

// splitMix64 is a small, fast, non-cryptographic generator used only to
// fan out identifiers between crypto/rand reseeds. It is never used for
// anything security sensitive.
type splitMix64 struct{ state uint64 }

func newSplitMix64(seed uint64) *splitMix64 { return &splitMix64{state: seed} }

func (s *splitMix64) next() uint64 {
	s.state += 0x9E3779B97F4A7C15
	z := s.state
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

// NewTraceId generates a random, non-zero 128-bit trace identifier.
func NewTraceId() TraceId {
	src := idSourcePool.Get().(*splitMix64)
	defer idSourcePool.Put(src)
	var out TraceId
	binary.BigEndian.PutUint64(out[:8], src.next())
	binary.BigEndian.PutUint64(out[8:], src.next())
	if !out.IsValid() {
		out[15] = 1
	}
	return out
}

// NewSpanId generates a random, non-zero 64-bit span identifier.
func NewSpanId() SpanId {
	src := idSourcePool.Get().(*splitMix64)
	defer idSourcePool.Put(src)
	var out SpanId
	binary.BigEndian.PutUint64(out[:], src.next())
	if !out.IsValid() {
		out[7] = 1
	}
	return out
}

// TraceContext is the propagated identity of a point in the trace tree:
// which trace it belongs to, which span is current, which span (if any)
// is its parent (the enclosing local span, or the remote caller's span for
// a root opened from an incoming traceparent), the span-id of the trace's
// root within this process, and the sampling decision.
type TraceContext struct {
	TraceId       TraceId
	TransactionId SpanId
	SpanId        SpanId
	ParentId      *SpanId
	Flags         TraceFlags
}

// NewRootContext starts a brand-new trace with a random trace id and a
// fresh root span id; transaction_id is the root's own span id.
func NewRootContext() TraceContext {
	id := NewTraceId()
	root := NewSpanId()
	return TraceContext{
		TraceId:       id,
		TransactionId: root,
		SpanId:        root,
		Flags:         Sampled,
	}
}

// Child derives a new context for a span nested under c, sharing the
// trace id and root transaction id, and carrying the current span id
// forward as the parent.
func (c TraceContext) Child() TraceContext {
	parent := c.SpanId
	return TraceContext{
		TraceId:       c.TraceId,
		TransactionId: c.TransactionId,
		SpanId:        NewSpanId(),
		ParentId:      &parent,
		Flags:         c.Flags,
	}
}

const traceparentVersion = 0x00

// Traceparent renders c as a W3C traceparent header value:
// "{version:02x}-{trace-id:032x}-{span-id:016x}-{flags:02x}".
func (c TraceContext) Traceparent() string {
	return fmt.Sprintf("%02x-%s-%s-%02x", traceparentVersion, c.TraceId, c.SpanId, byte(c.Flags))
}

// ParseTraceparent decodes a W3C traceparent header value into the remote
// trace id, parent span id and flags it names. The trace-id and parent-id
// must be non-zero hex of the right width and the flags part must be hex;
// the version part is not checked and parts after the fourth are ignored,
// matching the permissive "at least four dash-separated parts" acceptance
// the wire format allows.
func ParseTraceparent(header string) (traceId TraceId, parentId SpanId, flags TraceFlags, ok bool) {
	parts := strings.Split(header, "-")
	if len(parts) < 4 {
		return TraceId{}, SpanId{}, 0, false
	}
	traceId, err := traceIdFromHex(parts[1])
	if err != nil || !traceId.IsValid() {
		return TraceId{}, SpanId{}, 0, false
	}
	parentId, err = spanIdFromHex(parts[2])
	if err != nil || !parentId.IsValid() {
		return TraceId{}, SpanId{}, 0, false
	}
	flagByte, err := strconv.ParseUint(parts[3], 16, 8)
	if err != nil {
		return TraceId{}, SpanId{}, 0, false
	}
	return traceId, parentId, TraceFlags(flagByte), true
}

// NewErrorId generates a random identifier for an Error record. Unlike
// trace/span ids, error ids are produced rarely (once per logged error),
// so this reaches for google/uuid rather than the hot-path id pool.
func NewErrorId() string {
	return newUUIDHex()
}
