// Command exampleclient issues instrumented requests against
// exampleserver, injecting an outbound traceparent so the two processes
// share one trace. Demonstration only.
package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/krojew/tracing-elastic-apm/pkg/apm"
	"github.com/krojew/tracing-elastic-apm/pkg/apm/propagation"
)

func main() {
	sink := noopSink{}
	engine := apm.NewEngine(apm.Metadata{}, sink, nil)

	httpClient := &http.Client{
		Transport: propagation.HTTPClientRoundTripper(engine, http.DefaultTransport),
		Timeout:   5 * time.Second,
	}

	spanID := apm.NewSpanId()
	engine.Open(spanID, nil, "INFO", "exampleclient", apm.NewBag())

	req, err := http.NewRequest(http.MethodGet, "http://localhost:8090/widgets/42", nil)
	if err != nil {
		log.Fatal(err)
	}
	req = req.WithContext(propagation.WithSpanID(req.Context(), spanID))

	resp, err := httpClient.Do(req)
	if err != nil {
		log.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("response: %d %s\n", resp.StatusCode, body)

	engine.Close(spanID)
}

type noopSink struct{}

func (noopSink) Send(apm.Batch) {}
