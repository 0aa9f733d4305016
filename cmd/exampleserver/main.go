// Command exampleserver is a demonstration HTTP service instrumented
// with the APM telemetry layer. It is not part of the module's public
// contract — see pkg/apm for that.
package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/krojew/tracing-elastic-apm/pkg/apm"
	"github.com/krojew/tracing-elastic-apm/pkg/apm/apmconfig"
	"github.com/krojew/tracing-elastic-apm/pkg/apm/propagation"
	"github.com/krojew/tracing-elastic-apm/pkg/apm/sampler"
	"github.com/krojew/tracing-elastic-apm/pkg/apm/transport"
	"github.com/krojew/tracing-elastic-apm/pkg/httpx"
)

func main() {
	cfg, err := apmconfig.FromEnv()
	if err != nil {
		log.Fatalf("apm config: %v", err)
	}

	runtimeName, runtimeVersion := apmconfig.Runtime()
	process, system := apm.BuildProcessMetadata()
	meta := apm.Metadata{
		Service: apm.Service{
			Name:        cfg.ServiceName,
			Version:     cfg.ServiceVersion,
			Environment: cfg.Environment,
			Language:    apm.ServiceLanguage{Name: "go"},
			Runtime:     apm.ServiceRuntime{Name: runtimeName, Version: runtimeVersion},
			Agent:       apm.Agent{Name: "tracing-elastic-apm-go", Version: "0.1.0"},
		},
		Process: process,
		System:  system,
	}
	if cfg.ServiceNodeName != "" {
		meta.Service.Node = &apm.ServiceNode{ConfiguredName: cfg.ServiceNodeName}
	}

	client, err := transport.NewClient(transport.Config{
		ServerURL:          cfg.ServerURL,
		Auth:               cfg.Auth,
		AllowInvalidCerts:  cfg.AllowInvalidCerts,
		RootCertPath:       cfg.RootCertPath,
		QueueSize:          apmconfig.DefaultQueueSize,
		GzipThresholdBytes: apmconfig.DefaultGzipThresholdBytes,
	})
	if err != nil {
		log.Fatalf("apm transport: %v", err)
	}

	filter, err := propagation.NewPathFilter(cfg.IgnoreURLs)
	if err != nil {
		log.Fatalf("apm ignore-url regex: %v", err)
	}

	metricSampler := sampler.New(client, func() apm.Metadata { return meta })
	layer := apm.NewLayer(meta, client, filter, metricSampler)
	defer layer.Shutdown()
	defer client.Stop()

	router := mux.NewRouter()
	router.HandleFunc("/widgets/{id}", handleGetWidget).Methods(http.MethodGet)
	router.HandleFunc("/health", handleHealth).Methods(http.MethodGet)

	instrumented := propagation.HTTPMiddleware(layer.Engine, router)

	server := &http.Server{Addr: ":8090", Handler: instrumented}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("exampleserver listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("exampleserver: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("exampleserver: shutdown error: %v", err)
	}
}

func handleGetWidget(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "missing widget id")
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]string{"id": id, "name": "widget"})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
