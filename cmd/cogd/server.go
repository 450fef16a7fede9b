package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cogpy/lemonade-cog/pkg/errmodel"
	"github.com/cogpy/lemonade-cog/pkg/orchestrator"
)

// buildMux exposes the control plane of a.
func buildMux(a *app) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, a.orch.GetSystemStatus())
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /api/tasks", func(w http.ResponseWriter, r *http.Request) {
		var s orchestrator.Submission
		if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
			errmodel.WriteHTTP(w, r, errmodel.Validation("bad_json", "invalid json", map[string]any{"error": err.Error()}))
			return
		}
		id, err := a.orch.Submit(r.Context(), s)
		if err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, map[string]string{"task_id": id})
	})
	mux.HandleFunc("GET /api/tasks", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		t, ok := a.orch.Task(id)
		if !ok {
			errmodel.WriteHTTP(w, r, errmodel.Validation("not_found", "task not found", map[string]any{"task_id": id}))
			return
		}
		writeJSON(w, t)
	})
	mux.HandleFunc("POST /api/tasks/cancel", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			TaskID string `json:"task_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TaskID == "" {
			errmodel.WriteHTTP(w, r, errmodel.Validation("missing_task_id", "task_id is required", nil))
			return
		}
		if err := a.orch.Cancel(body.TaskID); err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		writeJSON(w, map[string]string{"task_id": body.TaskID, "status": "cancel_requested"})
	})
	mux.HandleFunc("GET /api/reports", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, a.sched.Reports())
	})
	mux.HandleFunc("GET /api/insights", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, a.sched.Insights())
	})
	return otelhttp.NewHandler(mux, "cogd")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// serve runs the HTTP server, the knowledge mailbox pump, the cron
// scheduler and the dispatch loop until ctx is done or one of them fails.
func serve(ctx context.Context, a *app, addr string) error {
	g, ctx := errgroup.WithContext(ctx)
	server := &http.Server{Addr: addr, Handler: buildMux(a), ReadHeaderTimeout: 10 * time.Second}

	g.Go(func() error {
		a.logger.Info("listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return a.orch.Synergy().Run(ctx) })
	g.Go(func() error { return a.orch.Run(ctx) })
	g.Go(func() error {
		if err := a.sched.Start(ctx); err != nil {
			return err
		}
		<-a.sched.Done()
		return nil
	})
	return g.Wait()
}
