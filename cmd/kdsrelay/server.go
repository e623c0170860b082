package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// serve exposes /metrics and a JSON /status document.
func (a *app) serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", a.handleStatus)
	mux.HandleFunc("/dump", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		a.relay.RequestDump()
		w.WriteHeader(http.StatusAccepted)
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.journal.Error("Metrics server failed", map[string]interface{}{"addr": addr, "error": err.Error()})
		}
	}()
	a.journal.Info("Metrics server listening", map[string]interface{}{"addr": addr})
	return srv
}

func (a *app) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := a.relay.Reconciler().State()
	doc := map[string]interface{}{
		"package":   a.relay.TargetPackage(),
		"count":     state.LastCount,
		"completed": state.LastCompleted,
		"orders":    state.LastOrderIDs,
		"history":   a.relay.Reconciler().History(),
		"channels":  a.relay.Dispatcher().Health().Snapshot(),
		"logs":      a.journal.GetData(),
	}
	if !state.LastPublishAt.IsZero() {
		doc["last_publish"] = state.LastPublishAt.UTC().Format(time.RFC3339)
	}
	if a.updater != nil {
		doc["update_stream"] = a.updater.State().String()
		doc["update_handled"] = a.updater.Handled()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
