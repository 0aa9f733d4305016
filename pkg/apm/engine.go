package apm

import (
	"encoding/binary"
	"fmt"
	"time"
)

// URLFilter decides whether a span whose http.pathname matches should be
// suppressed. pkg/apm/propagation.PathFilter is the production
// implementation; it is consumed here as an interface so the engine
// never has to know about xxhash or regexp.
type URLFilter interface {
	Match(pathname string) bool
}

// Engine is the span-lifecycle engine: component D. It is called
// synchronously, on whatever goroutine the host tracing substrate is
// running on, for every span open/record/enter/exit/close and every
// logged event. It never blocks: closing a span hands a finished Batch
// to a Sink and returns immediately.
type Engine struct {
	registry   *registry
	metadataOf func() Metadata
	sink       Sink
	ignoreURL  URLFilter
}

// NewEngine builds an engine that stamps every outbound batch with a
// clone of meta and hands finished batches to sink. ignoreURL, if
// non-nil, suppresses emission for spans whose http.pathname matches it.
func NewEngine(meta Metadata, sink Sink, ignoreURL URLFilter) *Engine {
	return &Engine{
		registry:   newRegistry(),
		metadataOf: func() Metadata { return meta },
		sink:       sink,
		ignoreURL:  ignoreURL,
	}
}

// ContextOf returns the TraceContext of a still-open span, for the
// propagation helpers to inject as an outbound traceparent. This is the
// explicit accessor the design calls for instead of an unsafe downcast.
func (e *Engine) ContextOf(id SpanId) (TraceContext, bool) {
	return e.registry.ContextOf(id)
}

// Open begins a new span. parent is nil for a root span (which becomes a
// Transaction on close); otherwise the span becomes a non-root Span
// parented under parent's current TraceContext. level and target are the
// callsite's static tracing level/target (e.g. "INFO", "myapp::handler"),
// carried through to Close for the labels.level/labels.target projection.
func (e *Engine) Open(id SpanId, parent *SpanId, level, target string, attrs *Bag) {
	if attrs == nil {
		attrs = NewBag()
	}
	now := time.Now()
	s := &spanState{
		bag:            NewBag(),
		level:          level,
		target:         target,
		timestampMicro: now.UnixMicro(),
		lastEnteredAt:  now,
	}

	// Peek http.pathname before any take* call below has a chance to
	// consume it, so the ignore-URL check still sees it.
	pathname := extractHTTPPathname(attrs)

	if parent != nil {
		parentState, ok := e.registry.get(*parent)
		if !ok {
			panic(fmt.Sprintf("apm: Open(%s): parent span %s has no registry entry", id, *parent))
		}
		parentState.mu.Lock()
		parentCtx := parentState.ctx
		parentState.mu.Unlock()

		childCtx := parentCtx
		childCtx.SpanId = id
		childCtx.ParentId = spanIdPtr(parentCtx.SpanId)

		s.kind = inflightSpan
		s.ctx = childCtx
		s.name = takeSpanName(attrs, "")
		s.typ = takeSpanType(attrs)
		s.subtype = takeSpanSubtype(attrs)
		s.dest = takeDestination(attrs)
		s.db = takeDB(attrs)
	} else {
		ctx := NewRootContext()
		ctx.SpanId = id
		ctx.TransactionId = id

		if traceId, parentId, flags, ok := extractTraceparent(attrs); ok {
			ctx.TraceId = traceId
			ctx.ParentId = spanIdPtr(parentId)
			ctx.Flags = flags
		} else if override, ok := takeTraceIdOverride(attrs); ok {
			var tid TraceId
			binary.BigEndian.PutUint64(tid[8:], override)
			if tid.IsValid() {
				ctx.TraceId = tid
			}
		}

		s.kind = inflightTransaction
		s.ctx = ctx
		s.name = takeSpanName(attrs, "")
		s.request = takeRequestContext(attrs)
	}

	if e.ignoreURL != nil && pathname != "" && e.ignoreURL.Match(pathname) {
		s.kind = inflightSuppressed
	}

	// Seed the bag from whatever open-time attributes survived the take*
	// projections above; later Record() calls merge on top of this and
	// so correctly win over the open-time declaration for the same name.
	s.bag.Merge(attrs)

	e.registry.put(id, s)
}

func spanIdPtr(id SpanId) *SpanId { return &id }

// Record merges new field updates into span id's attribute bag. It has
// no timing side effect.
func (e *Engine) Record(id SpanId, fields *Bag) {
	s := e.mustGet(id, "Record")
	s.mu.Lock()
	s.bag.Merge(fields)
	s.mu.Unlock()
}

// Enter marks span id as active on the calling thread/goroutine,
// starting a new enter→exit timing interval.
func (e *Engine) Enter(id SpanId) {
	s := e.mustGet(id, "Enter")
	s.mu.Lock()
	s.lastEnteredAt = time.Now()
	s.entered = true
	s.mu.Unlock()
}

// Exit closes the current enter→exit interval, adding its elapsed
// monotonic duration to the span's accumulated duration. A span holds one
// open interval at a time: an Enter while one is open restarts it from
// now, dropping the time already elapsed in it, and an Exit with no open
// interval adds nothing.
func (e *Engine) Exit(id SpanId) {
	s := e.mustGet(id, "Exit")
	s.mu.Lock()
	if s.entered {
		s.accumulated += time.Since(s.lastEnteredAt)
		s.entered = false
	}
	s.mu.Unlock()
}

// Close finalizes span id, builds its outbound record, and hands a
// Batch to the sink — unless the span was suppressed by the ignore-URL
// filter, in which case state is simply discarded.
func (e *Engine) Close(id SpanId) {
	s, ok := e.registry.remove(id)
	if !ok {
		panic(fmt.Sprintf("apm: Close(%s): no registry entry (Close without prior Open)", id))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.kind == inflightSuppressed {
		return
	}

	durationMs := float64(s.accumulated.Microseconds()) / 1000.0

	outcome, result := classifyOutcome(s.bag)
	if result == "" {
		result = takeSpanResult(s.bag)
	}

	meta := e.metadataOf()
	if labels := s.bag.Labels(); len(labels) > 0 {
		labels["level"] = s.level
		labels["target"] = s.target
		meta.Labels = labels
	}

	batch := Batch{Metadata: meta}

	switch s.kind {
	case inflightTransaction:
		txn := &Transaction{
			Id:        id.String(),
			TraceId:   s.ctx.TraceId.String(),
			Name:      s.name,
			Type:      orDefault(takeSpanType(s.bag), defaultSpanType),
			Result:    result,
			Outcome:   outcome,
			Timestamp: s.timestampMicro,
			Duration:  durationMs,
			Context:   &Context{Request: s.request, Response: takeResponseContext(s.bag)},
		}
		if s.ctx.ParentId != nil {
			txn.ParentId = s.ctx.ParentId.String()
		}
		batch.Transaction = txn
	case inflightSpan:
		if s.ctx.ParentId == nil {
			panic(fmt.Sprintf("apm: Close(%s): non-root span has no parent id", id))
		}
		sp := &Span{
			Id:            id.String(),
			TransactionId: s.ctx.TransactionId.String(),
			TraceId:       s.ctx.TraceId.String(),
			ParentId:      s.ctx.ParentId.String(),
			Name:          s.name,
			Type:          s.typ,
			Subtype:       s.subtype,
			Outcome:       outcome,
			Timestamp:     s.timestampMicro,
			Duration:      durationMs,
			Context: &Context{
				Destination: s.dest,
				Db:          s.db,
				Http:        takeSpanHTTP(s.bag),
			},
		}
		batch.Span = sp
	default:
		return
	}

	e.sink.Send(batch)
}

// Event records a discrete log event. Only ERROR-level events produce an
// outbound record; events with no identifiable parent span (neither an
// explicit parent attribute nor a currently-active span) are dropped —
// there is no trace-linked home for them.
func (e *Engine) Event(level string, attrs *Bag, explicitParent, currentSpan *SpanId, target string) {
	if level != "ERROR" {
		return
	}
	parentId := explicitParent
	if parentId == nil {
		parentId = currentSpan
	}
	if parentId == nil {
		return
	}
	parentState, ok := e.registry.get(*parentId)
	if !ok {
		return
	}
	parentState.mu.Lock()
	parentCtx := parentState.ctx
	parentState.mu.Unlock()

	message := takeMessage(attrs)

	meta := e.metadataOf()
	errRecord := &Error{
		Id:            NewErrorId(),
		TraceId:       parentCtx.TraceId.String(),
		TransactionId: parentCtx.TransactionId.String(),
		ParentId:      parentCtx.SpanId.String(),
		Timestamp:     time.Now().UnixMicro(),
		Culprit:       target,
		Log:           &ErrorLog{Message: message, Level: level},
	}

	e.sink.Send(Batch{Metadata: meta, Error: errRecord})
}

func (e *Engine) mustGet(id SpanId, op string) *spanState {
	s, ok := e.registry.get(id)
	if !ok {
		panic(fmt.Sprintf("apm: %s(%s): no registry entry (missing Open)", op, id))
	}
	return s
}

// classifyOutcome applies the outcome policy: explicit span.outcome
// wins; else http.status_code >= 400 is failure; else a present status
// is success; else unknown. It does not consume http.status_code so the
// caller can still project it into the response context afterward.
func classifyOutcome(b *Bag) (outcome string, result string) {
	if explicit, ok := takeSpanOutcome(b); ok {
		return explicit, ""
	}
	status, ok := b.Peek(fieldHTTPStatusCode)
	if !ok {
		return "unknown", ""
	}
	code := asInt64(status)
	result = fmt.Sprintf("HTTP %dxx", code/100)
	if code >= 400 {
		return "failure", result
	}
	return "success", result
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
