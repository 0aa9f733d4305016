package apm

import (
	"regexp"
	"testing"
	"time"
)

type recordingSink struct {
	batches []Batch
}

func (s *recordingSink) Send(b Batch) { s.batches = append(s.batches, b) }

type regexFilter struct{ re *regexp.Regexp }

func (f regexFilter) Match(pathname string) bool { return f.re.MatchString(pathname) }

func testMetadata() Metadata {
	return Metadata{Service: Service{Name: "svc", Environment: "test"}}
}

// Scenario 1: root -> child, success.
func TestScenarioRootChildSuccess(t *testing.T) {
	sink := &recordingSink{}
	eng := NewEngine(testMetadata(), sink, nil)

	root := NewSpanId()
	eng.Open(root, nil, "INFO", "test", bagOf(map[string]any{
		fieldHTTPMethod:   "GET",
		fieldHTTPPathname: "/x",
		fieldHTTPURL:      "http://h/x",
	}))

	child := NewSpanId()
	eng.Open(child, &root, "INFO", "test", bagOf(map[string]any{
		fieldSpanType:        "external",
		fieldSpanSubtype:     "http",
		fieldDestServiceName: "h",
	}))

	eng.Enter(child)
	time.Sleep(10 * time.Millisecond)
	eng.Exit(child)
	eng.Close(child)

	eng.Record(root, bagOf(map[string]any{fieldHTTPStatusCode: int64(200)}))
	eng.Enter(root)
	time.Sleep(15 * time.Millisecond)
	eng.Exit(root)
	eng.Close(root)

	if len(sink.batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(sink.batches))
	}

	spanBatch := sink.batches[0]
	if spanBatch.Span == nil {
		t.Fatal("expected first batch to carry a span")
	}
	if spanBatch.Span.Type != "external" || spanBatch.Span.Subtype != "http" {
		t.Errorf("unexpected span type/subtype: %+v", spanBatch.Span)
	}
	if spanBatch.Span.Duration < 9 {
		t.Errorf("expected duration >= ~10ms, got %v", spanBatch.Span.Duration)
	}
	if spanBatch.Span.Outcome != "unknown" {
		t.Errorf("expected unknown outcome (no status on span), got %s", spanBatch.Span.Outcome)
	}

	txnBatch := sink.batches[1]
	if txnBatch.Transaction == nil {
		t.Fatal("expected second batch to carry a transaction")
	}
	if txnBatch.Transaction.Duration < 14 {
		t.Errorf("expected duration >= ~15ms, got %v", txnBatch.Transaction.Duration)
	}
	if txnBatch.Transaction.Context == nil || txnBatch.Transaction.Context.Response == nil ||
		txnBatch.Transaction.Context.Response.StatusCode != 200 {
		t.Fatalf("expected response status 200, got %+v", txnBatch.Transaction.Context)
	}
	if txnBatch.Transaction.Outcome != "success" {
		t.Errorf("expected success outcome, got %s", txnBatch.Transaction.Outcome)
	}
	if txnBatch.Transaction.TraceId != spanBatch.Span.TraceId {
		t.Error("expected span and transaction to share trace_id")
	}
}

// Scenario 2: remote traceparent on a root span.
func TestScenarioRemoteTraceparent(t *testing.T) {
	sink := &recordingSink{}
	eng := NewEngine(testMetadata(), sink, nil)

	headers := `{"traceparent":"00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"}`
	root := NewSpanId()
	eng.Open(root, nil, "INFO", "test", bagOf(map[string]any{fieldHTTPRequestHeaders: headers}))
	eng.Close(root)

	if len(sink.batches) != 1 || sink.batches[0].Transaction == nil {
		t.Fatalf("expected one transaction batch, got %+v", sink.batches)
	}
	txn := sink.batches[0].Transaction
	if txn.TraceId != "0af7651916cd43dd8448eb211c80319c" {
		t.Errorf("unexpected trace_id: %s", txn.TraceId)
	}
	if txn.ParentId != "b7ad6b7169203331" {
		t.Errorf("unexpected parent_id: %s", txn.ParentId)
	}
}

// Scenario 3: error-level event parented to the open root.
func TestScenarioErrorEvent(t *testing.T) {
	sink := &recordingSink{}
	eng := NewEngine(testMetadata(), sink, nil)

	root := NewSpanId()
	eng.Open(root, nil, "INFO", "test", NewBag())
	eng.Event("ERROR", bagOf(map[string]any{fieldMessage: "db down"}), nil, &root, "")

	if len(sink.batches) != 1 || sink.batches[0].Error == nil {
		t.Fatalf("expected one error batch, got %+v", sink.batches)
	}
	errRec := sink.batches[0].Error
	ctx, _ := eng.ContextOf(root)
	if errRec.TraceId != ctx.TraceId.String() {
		t.Errorf("unexpected trace_id: %s", errRec.TraceId)
	}
	if errRec.ParentId != root.String() {
		t.Errorf("unexpected parent_id: %s", errRec.ParentId)
	}
	if errRec.Log.Level != "ERROR" || errRec.Log.Message != "db down" {
		t.Errorf("unexpected log: %+v", errRec.Log)
	}

	eng.Close(root)
}

// A non-ERROR event, or one with no parent at all, produces nothing.
func TestEventDroppedWithoutParent(t *testing.T) {
	sink := &recordingSink{}
	eng := NewEngine(testMetadata(), sink, nil)

	eng.Event("ERROR", bagOf(map[string]any{fieldMessage: "orphan"}), nil, nil, "")
	if len(sink.batches) != 0 {
		t.Fatalf("expected no batches for a parentless error, got %d", len(sink.batches))
	}

	root := NewSpanId()
	eng.Open(root, nil, "INFO", "test", NewBag())
	eng.Event("INFO", bagOf(map[string]any{fieldMessage: "ignored"}), nil, &root, "")
	if len(sink.batches) != 0 {
		t.Fatalf("expected no batches for a non-error event, got %d", len(sink.batches))
	}
	eng.Close(root)
}

// Scenario 4: failure outcome derived purely from status code.
func TestScenarioFailureOutcome(t *testing.T) {
	sink := &recordingSink{}
	eng := NewEngine(testMetadata(), sink, nil)

	root := NewSpanId()
	eng.Open(root, nil, "INFO", "test", NewBag())
	eng.Record(root, bagOf(map[string]any{fieldHTTPStatusCode: int64(503)}))
	eng.Close(root)

	txn := sink.batches[0].Transaction
	if txn.Outcome != "failure" {
		t.Errorf("expected failure outcome, got %s", txn.Outcome)
	}
	if txn.Context.Response.StatusCode != 503 {
		t.Errorf("expected status 503, got %d", txn.Context.Response.StatusCode)
	}
}

// Scenario 5: ignored URL produces no records but a later root still emits.
func TestScenarioIgnoredURL(t *testing.T) {
	sink := &recordingSink{}
	eng := NewEngine(testMetadata(), sink, regexFilter{regexp.MustCompile(`^/health$`)})

	healthSpan := NewSpanId()
	eng.Open(healthSpan, nil, "INFO", "test", bagOf(map[string]any{fieldHTTPPathname: "/health"}))
	eng.Close(healthSpan)
	if len(sink.batches) != 0 {
		t.Fatalf("expected no batches for ignored path, got %d", len(sink.batches))
	}
	if _, ok := eng.ContextOf(healthSpan); ok {
		t.Fatal("expected span state to be released after close")
	}

	workSpan := NewSpanId()
	eng.Open(workSpan, nil, "INFO", "test", bagOf(map[string]any{fieldHTTPPathname: "/work"}))
	eng.Close(workSpan)
	if len(sink.batches) != 1 {
		t.Fatalf("expected the unrelated root to still emit, got %d batches", len(sink.batches))
	}
}

// Ignored URL suppression must still work when the root span carries a
// full set of request attributes, since takeRequestContext consumes
// http.pathname via Take — the ignore-URL check must see it first.
func TestScenarioIgnoredURLWithFullRequestContext(t *testing.T) {
	sink := &recordingSink{}
	eng := NewEngine(testMetadata(), sink, regexFilter{regexp.MustCompile(`^/health$`)})

	healthSpan := NewSpanId()
	eng.Open(healthSpan, nil, "INFO", "test", bagOf(map[string]any{
		fieldHTTPMethod:   "GET",
		fieldHTTPSchema:   "http",
		fieldHTTPHost:     "h",
		fieldHTTPPathname: "/health",
		fieldHTTPURL:      "http://h/health",
	}))
	eng.Close(healthSpan)
	if len(sink.batches) != 0 {
		t.Fatalf("expected no batches for ignored path with full request context, got %d", len(sink.batches))
	}
}

// Non-reserved attributes become labels, augmented with the callsite's
// level and target, matching create_metadata's gated-on-non-empty-bag
// behavior.
func TestCloseAddsLevelAndTargetLabels(t *testing.T) {
	sink := &recordingSink{}
	eng := NewEngine(testMetadata(), sink, nil)

	root := NewSpanId()
	eng.Open(root, nil, "WARN", "myapp::handler", bagOf(map[string]any{"user.id": "42"}))
	eng.Close(root)

	labels := sink.batches[0].Metadata.Labels
	if labels == nil {
		t.Fatal("expected labels to be set")
	}
	if labels["user.id"] != "42" {
		t.Errorf("expected custom label to survive, got %+v", labels)
	}
	if labels["level"] != "WARN" {
		t.Errorf("expected labels.level = WARN, got %v", labels["level"])
	}
	if labels["target"] != "myapp::handler" {
		t.Errorf("expected labels.target = myapp::handler, got %v", labels["target"])
	}
}

// An empty attribute bag produces no labels at all, not even level/target.
func TestCloseOmitsLabelsWhenBagEmpty(t *testing.T) {
	sink := &recordingSink{}
	eng := NewEngine(testMetadata(), sink, nil)

	root := NewSpanId()
	eng.Open(root, nil, "INFO", "test", NewBag())
	eng.Close(root)

	if sink.batches[0].Metadata.Labels != nil {
		t.Errorf("expected no labels for an empty bag, got %+v", sink.batches[0].Metadata.Labels)
	}
}

// A later Record() must win over an attribute declared at Open time for
// the same name, not be reverted by it.
func TestRecordOverridesOpenTimeAttribute(t *testing.T) {
	sink := &recordingSink{}
	eng := NewEngine(testMetadata(), sink, nil)

	root := NewSpanId()
	eng.Open(root, nil, "INFO", "test", bagOf(map[string]any{"retry.count": int64(1)}))
	eng.Record(root, bagOf(map[string]any{"retry.count": int64(3)}))
	eng.Close(root)

	labels := sink.batches[0].Metadata.Labels
	if got := labels["retry.count"]; got != int64(3) {
		t.Errorf("expected Record's later value to win, got %v", got)
	}
}

// P6: outcome classification table.
func TestOutcomeClassification(t *testing.T) {
	cases := []struct {
		status  int64
		hasCode bool
		want    string
	}{
		{200, true, "success"},
		{399, true, "success"},
		{400, true, "failure"},
		{503, true, "failure"},
		{0, false, "unknown"},
	}
	for _, c := range cases {
		sink := &recordingSink{}
		eng := NewEngine(testMetadata(), sink, nil)
		root := NewSpanId()
		eng.Open(root, nil, "INFO", "test", NewBag())
		if c.hasCode {
			eng.Record(root, bagOf(map[string]any{fieldHTTPStatusCode: c.status}))
		}
		eng.Close(root)
		got := sink.batches[0].Transaction.Outcome
		if got != c.want {
			t.Errorf("status=%d hasCode=%v: got outcome %s, want %s", c.status, c.hasCode, got, c.want)
		}
	}
}

// A span never entered still closes with zero duration.
func TestNeverEnteredZeroDuration(t *testing.T) {
	sink := &recordingSink{}
	eng := NewEngine(testMetadata(), sink, nil)
	root := NewSpanId()
	eng.Open(root, nil, "INFO", "test", NewBag())
	eng.Close(root)
	if sink.batches[0].Transaction.Duration != 0 {
		t.Errorf("expected zero duration, got %v", sink.batches[0].Transaction.Duration)
	}
}

func bagOf(values map[string]any) *Bag {
	b := NewBag()
	for k, v := range values {
		b.Set(k, v)
	}
	return b
}
