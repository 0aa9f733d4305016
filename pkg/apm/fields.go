package apm

import (
	"encoding/json"
	"strings"
)

// The reserved attribute names the field extraction helpers consume.
const (
	fieldMessage             = "message"
	fieldSpanName            = "span.name"
	fieldSpanType            = "span.span_type"
	fieldSpanSubtype         = "span.sub_type"
	fieldSpanOutcome         = "span.outcome"
	fieldSpanResult          = "span.result"
	fieldHTTPURL             = "http.url"
	fieldHTTPSchema          = "http.schema"
	fieldHTTPHost            = "http.host"
	fieldHTTPPathname        = "http.pathname"
	fieldHTTPVersion         = "http.version"
	fieldHTTPMethod          = "http.method"
	fieldHTTPStatusCode      = "http.status_code"
	fieldHTTPRequestHeaders  = "http.request.headers"
	fieldHTTPResponseHeaders = "http.response.headers"
	fieldDBType              = "db.db_type"
	fieldDBInstance          = "db.instance"
	fieldDBLink              = "db.link"
	fieldDBStatement         = "db.statement"
	fieldDBUser              = "db.user"
	fieldDBRowsAffected      = "db.rows_affected"
	fieldDestAddress         = "destination.address"
	fieldDestPort            = "destination.port"
	fieldDestServiceName     = "destination.service.name"
	fieldDestServiceType     = "destination.service_type"
	fieldTraceIdOverride     = "trace_id"

	defaultSpanType    = "request"
	defaultDestService = "external"
)

// takeMessage consumes the message attribute, used as log/event text.
func takeMessage(b *Bag) string {
	v, ok := b.Take(fieldMessage)
	if !ok {
		return ""
	}
	return asString(v)
}

// takeSpanName consumes span.name, falling back to fallback when absent.
func takeSpanName(b *Bag, fallback string) string {
	v, ok := b.Take(fieldSpanName)
	if !ok {
		return fallback
	}
	return asString(v)
}

// takeSpanType consumes span.span_type, defaulting to "request".
func takeSpanType(b *Bag) string {
	v, ok := b.Take(fieldSpanType)
	if !ok {
		return defaultSpanType
	}
	return asString(v)
}

func takeSpanSubtype(b *Bag) string {
	v, ok := b.Take(fieldSpanSubtype)
	if !ok {
		return ""
	}
	return asString(v)
}

// takeSpanOutcome consumes span.outcome if present ("success" or any
// other value, treated as an explicit non-success hint).
func takeSpanOutcome(b *Bag) (string, bool) {
	v, ok := b.Take(fieldSpanOutcome)
	if !ok {
		return "", false
	}
	return asString(v), true
}

func takeSpanResult(b *Bag) string {
	v, ok := b.Take(fieldSpanResult)
	if !ok {
		return ""
	}
	return asString(v)
}

// takeDestination consumes the destination.* fields and returns a
// context holding the destination service type and name, or nil if none
// were set. destination.address and destination.port are consumed but not
// carried into the context, which has no field for them.
func takeDestination(b *Bag) *DestinationContext {
	address, hasAddr := b.Take(fieldDestAddress)
	_ = address
	name, hasName := b.Take(fieldDestServiceName)
	typ, hasType := b.Take(fieldDestServiceType)
	_, hasPort := b.Take(fieldDestPort)
	if !hasAddr && !hasName && !hasType && !hasPort {
		return nil
	}
	svc := DestinationService{Type: defaultDestService}
	if hasType {
		svc.Type = asString(typ)
	}
	if hasName {
		svc.Name = asString(name)
	}
	return &DestinationContext{Service: svc}
}

// takeDB consumes the db.* fields into a context, returning nil if none
// were set. db.db_type is consumed but not carried into the context,
// which has no field for it.
func takeDB(b *Bag) *DbContext {
	_, hasType := b.Take(fieldDBType)
	instance, hasInstance := b.Take(fieldDBInstance)
	link, hasLink := b.Take(fieldDBLink)
	stmt, hasStmt := b.Take(fieldDBStatement)
	user, hasUser := b.Take(fieldDBUser)
	rows, hasRows := b.Take(fieldDBRowsAffected)
	if !hasType && !hasInstance && !hasLink && !hasStmt && !hasUser && !hasRows {
		return nil
	}
	ctx := &DbContext{
		Instance:  asString(instance),
		Link:      asString(link),
		Statement: asString(stmt),
		User:      asString(user),
	}
	if hasRows {
		n := asInt64(rows)
		ctx.RowsAffected = &n
	}
	return ctx
}

// takeSpanHTTP consumes the http.* fields that describe an outbound call
// a non-root Span represents.
func takeSpanHTTP(b *Bag) *SpanHTTPContext {
	url, hasURL := b.Take(fieldHTTPURL)
	method, hasMethod := b.Take(fieldHTTPMethod)
	status, hasStatus := b.Take(fieldHTTPStatusCode)
	headers := takeHeaders(b, fieldHTTPResponseHeaders)
	if !hasURL && !hasMethod && !hasStatus && headers == nil {
		return nil
	}
	ctx := &SpanHTTPContext{Url: asString(url), Method: asString(method)}
	if hasStatus {
		ctx.StatusCode = int(asInt64(status))
	}
	if headers != nil {
		ctx.Response = &SpanHTTPResponse{Headers: headers}
	}
	return ctx
}

// extractHTTPPathname peeks http.pathname without consuming it — the
// ignore-URL filter needs to inspect it before close-time projection
// runs.
func extractHTTPPathname(b *Bag) string {
	v, ok := b.Peek(fieldHTTPPathname)
	if !ok {
		return ""
	}
	return asString(v)
}

// takeRequestContext consumes the request-side http.* fields captured at
// span open. http.version is consumed but not carried into the request
// context, which has no field for it.
func takeRequestContext(b *Bag) *RequestContext {
	url, hasURL := b.Take(fieldHTTPURL)
	schema, hasSchema := b.Take(fieldHTTPSchema)
	host, hasHost := b.Take(fieldHTTPHost)
	pathname, hasPathname := b.Take(fieldHTTPPathname)
	_, hasVersion := b.Take(fieldHTTPVersion)
	method, hasMethod := b.Take(fieldHTTPMethod)
	headers := takeHeaders(b, fieldHTTPRequestHeaders)
	if !hasURL && !hasSchema && !hasHost && !hasPathname && !hasVersion && !hasMethod && headers == nil {
		return nil
	}
	return &RequestContext{
		Method: asString(method),
		Url: RequestURL{
			Full:     asString(url),
			Protocol: asString(schema),
			Hostname: asString(host),
			Pathname: asString(pathname),
		},
		Headers: headers,
	}
}

// takeResponseContext consumes the close-time http.status_code and
// http.response.headers fields.
func takeResponseContext(b *Bag) *ResponseContext {
	status, hasStatus := b.Take(fieldHTTPStatusCode)
	headers := takeHeaders(b, fieldHTTPResponseHeaders)
	if !hasStatus && headers == nil {
		return nil
	}
	resp := &ResponseContext{Headers: headers}
	if hasStatus {
		resp.StatusCode = int(asInt64(status))
	}
	return resp
}

// takeHeaders consumes a headers attribute stored as a JSON-object
// string and decodes it into a string map. This matches the tracing
// substrate's primitive-only attribute values: headers are captured as
// a JSON-encoded string at the call site and re-parsed here.
func takeHeaders(b *Bag, name string) map[string]string {
	v, ok := b.Take(name)
	if !ok {
		return nil
	}
	encoded := asString(v)
	if encoded == "" {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(encoded), &out); err != nil {
		return nil
	}
	return out
}

// extractTraceparent peeks the request headers for a traceparent entry
// without consuming the headers attribute itself, since takeRequestContext
// still needs to read it afterward.
func extractTraceparent(b *Bag) (TraceId, SpanId, TraceFlags, bool) {
	v, ok := b.Peek(fieldHTTPRequestHeaders)
	if !ok {
		return TraceId{}, SpanId{}, 0, false
	}
	encoded := asString(v)
	var headers map[string]string
	if err := json.Unmarshal([]byte(encoded), &headers); err != nil {
		return TraceId{}, SpanId{}, 0, false
	}
	tp, ok := headers["traceparent"]
	if !ok {
		tp, ok = headers["Traceparent"]
	}
	if !ok {
		return TraceId{}, SpanId{}, 0, false
	}
	return ParseTraceparent(strings.TrimSpace(tp))
}

// takeTraceIdOverride consumes a manual trace_id override attribute,
// used only on root spans.
func takeTraceIdOverride(b *Bag) (uint64, bool) {
	v, ok := b.Take(fieldTraceIdOverride)
	if !ok {
		return 0, false
	}
	return asUint64(v), true
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return toDebugString(v)
	}
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case uint64:
		return int64(t)
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func asUint64(v any) uint64 {
	switch t := v.(type) {
	case uint64:
		return t
	case int64:
		return uint64(t)
	case int:
		return uint64(t)
	default:
		return 0
	}
}
