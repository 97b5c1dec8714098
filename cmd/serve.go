package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fablepress/revision-cli/internal/model"
	"github.com/fablepress/revision-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the correction pipeline HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(env),
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logger.Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			logger.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		return g.Wait()
	},
}

func newRouter(env *runEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/documents/{documentID}/runs", func(w http.ResponseWriter, req *http.Request) {
		handleCreateRun(env, w, req)
	})
	r.Get("/documents/{documentID}/runs", func(w http.ResponseWriter, req *http.Request) {
		runs, err := env.Store.ListRunsByDocument(req.Context(), chi.URLParam(req, "documentID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	})

	r.Get("/runs/{runID}", func(w http.ResponseWriter, req *http.Request) {
		run, err := env.Store.GetRun(req.Context(), chi.URLParam(req, "runID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	})
	r.Post("/runs/{runID}/cancel", func(w http.ResponseWriter, req *http.Request) {
		if err := env.Coord.Cancel(req.Context(), chi.URLParam(req, "runID")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested"})
	})
	r.Delete("/runs/{runID}", func(w http.ResponseWriter, req *http.Request) {
		if err := env.Store.DeleteRun(req.Context(), chi.URLParam(req, "runID")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/runs/{runID}/stream", func(w http.ResponseWriter, req *http.Request) {
		handleStream(env, w, req)
	})

	return r
}

func handleCreateRun(env *runEnv, w http.ResponseWriter, req *http.Request) {
	documentID := chi.URLParam(req, "documentID")

	params := model.RunParams{
		MaxCycles:         cfg.Run.MaxCycles,
		TargetScore:       cfg.Run.TargetScore,
		MaxCriticalIssues: cfg.Run.MaxCriticalIssues,
	}
	if req.Body != nil && req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&params); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}

	run, err := env.Coord.Start(req.Context(), documentID, params)
	if err != nil {
		writeError(w, err)
		return
	}

	// The run executes in the background; the request context ends with
	// this response.
	go func() {
		if err := env.Coord.Execute(context.Background(), run); err != nil {
			logger.Error("run execution error",
				zap.String("run_id", run.ID),
				zap.Error(err),
			)
		}
	}()

	writeJSON(w, http.StatusCreated, run)
}

// handleStream serves one SSE event per progress update and closes the
// stream after a terminal event. A stream opened on an already-terminal
// run gets exactly the terminal snapshot.
func handleStream(env *runEnv, w http.ResponseWriter, req *http.Request) {
	runID := chi.URLParam(req, "runID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	updates, unsubscribe := env.Hub.Subscribe(runID)
	defer unsubscribe()

	// Subscription before the store read closes the race with a run
	// finishing between the two.
	run, err := env.Store.GetRun(req.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(snap model.ProgressSnapshot) bool {
		data, err := json.Marshal(snap)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return !snap.Status.IsTerminal()
	}

	if !writeEvent(run.Snapshot()) {
		return
	}

	for {
		select {
		case <-req.Context().Done():
			return
		case snap, open := <-updates:
			if !open {
				return
			}
			if !writeEvent(snap) {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the store sentinels and validation errors to HTTP
// statuses.
func writeError(w http.ResponseWriter, err error) {
	var validation *model.ValidationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
	case errors.Is(err, store.ErrActiveRunExists):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "document already has an active run"})
	case errors.Is(err, store.ErrRunNotTerminal):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "run is not in a terminal status"})
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": validation.Reason})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().StringVar(&docsRoot, "docs", ".", "directory documents are loaded from")
	rootCmd.AddCommand(serveCmd)
}
