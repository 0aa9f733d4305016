package transport

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/krojew/tracing-elastic-apm/pkg/apm"
)

func TestEncodeNdjsonShape(t *testing.T) {
	batch := apm.Batch{
		Metadata:    apm.Metadata{Service: apm.Service{Name: "svc"}},
		Transaction: &apm.Transaction{Id: "abc", TraceId: "def"},
	}
	body, err := Encode(batch)
	if err != nil {
		t.Fatal(err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(body))
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 ndjson lines, got %d: %q", len(lines), lines)
	}
	if !bytes.Contains([]byte(lines[0]), []byte(`"metadata"`)) {
		t.Errorf("expected first line to be the metadata envelope, got %s", lines[0])
	}
	if !bytes.Contains([]byte(lines[1]), []byte(`"transaction"`)) {
		t.Errorf("expected second line to be the transaction envelope, got %s", lines[1])
	}
}

func TestAuthorizationHeaderBearer(t *testing.T) {
	auth := Authorization{SecretToken: "s3cr3t"}
	header, ok := auth.header()
	if !ok || header != "Bearer s3cr3t" {
		t.Fatalf("unexpected header: %q", header)
	}
}

func TestAuthorizationHeaderAPIKey(t *testing.T) {
	auth := Authorization{APIKeyId: "id1", APIKeyKey: "key1"}
	header, ok := auth.header()
	if !ok {
		t.Fatal("expected ok")
	}
	want := "ApiKey " + base64.StdEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte("id1:key1"))
	if header != want {
		t.Fatalf("got %q want %q", header, want)
	}
}

func TestClientPostsToIntakeEndpoint(t *testing.T) {
	var mu sync.Mutex
	var gotPath, gotContentType, gotAuth string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		gotAuth = r.Header.Get("Authorization")
		buf := new(bytes.Buffer)
		buf.ReadFrom(r.Body)
		gotBody = buf.Bytes()
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		ServerURL: srv.URL,
		Auth:      Authorization{SecretToken: "tok"},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Stop()

	client.Send(apm.Batch{
		Metadata:    apm.Metadata{Service: apm.Service{Name: "svc"}},
		Transaction: &apm.Transaction{Id: "abc"},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := gotPath != ""
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/intake/v2/events" {
		t.Errorf("unexpected path: %s", gotPath)
	}
	if gotContentType != "application/x-ndjson" {
		t.Errorf("unexpected content type: %s", gotContentType)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("unexpected auth header: %s", gotAuth)
	}
	if len(gotBody) == 0 {
		t.Error("expected a non-empty body")
	}
}

func TestQueueFullDropsWithoutBlocking(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(Config{ServerURL: srv.URL, QueueSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Stop()

	for i := 0; i < 50; i++ {
		client.Send(apm.Batch{Metadata: apm.Metadata{}, Transaction: &apm.Transaction{Id: "x"}})
	}
}
