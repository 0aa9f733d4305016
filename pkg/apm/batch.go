package apm

// Batch is one newline-delimited-JSON document: a metadata envelope plus
// exactly one payload envelope. It is the unit the engine hands to the
// ingest client.
type Batch struct {
	Metadata    Metadata
	Transaction *Transaction
	Span        *Span
	Error       *Error
	Metricset   *Metric
}

// Sink is what the engine hands finished batches to. The ingest client
// in pkg/apm/transport implements Sink; the engine never imports that
// package, so producing a batch cannot recurse into anything the
// transport's own HTTP instrumentation might do.
type Sink interface {
	Send(b Batch)
}
