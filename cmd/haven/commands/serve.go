package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/havenlabs/haven/pkg/errdefs"
	"github.com/havenlabs/haven/pkg/modules"
	"github.com/havenlabs/haven/pkg/stores"
)

// eventRetentionDays bounds how long event history is kept.
const eventRetentionDays = 90

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control-plane API server",
		Long: `Serve the Haven control-plane HTTP API: module lifecycle, the config
surface, backups, the container gateway and live log/status streams
over server-sent events. Prometheus metrics are exposed on the
telemetry listener when enabled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			return runServer(ctx, a)
		},
	}
}

func runServer(ctx context.Context, a *app) error {
	if err := a.tel.StartMetricsServer(); err != nil {
		return err
	}

	if a.orch != nil {
		if err := a.orch.WaitForDaemon(ctx, 30*time.Second); err != nil {
			log.Warn().Err(err).Msg("Container daemon not reachable yet, continuing")
		}
	}

	if a.audit != nil {
		event := &stores.Event{Level: stores.EventLevelInfo, Subject: "daemon", Message: "control plane started"}
		if err := a.audit.AppendEvent(ctx, event); err != nil {
			log.Warn().Err(err).Msg("Startup event not recorded")
		}
		if pruned, err := a.audit.PruneEvents(ctx, time.Now().AddDate(0, 0, -eventRetentionDays)); err != nil {
			log.Warn().Err(err).Msg("Event pruning failed")
		} else if pruned > 0 {
			log.Debug().Int64("pruned", pruned).Msg("Old events pruned")
		}
	}

	// Descriptor changes nudge the status stream.
	watcher, err := modules.NewWatcher(a.cfg.ModulesDir, a.tel.Logger)
	if err != nil {
		log.Warn().Err(err).Msg("Modules directory watch unavailable")
	} else {
		go watcher.Run(ctx)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-watcher.Changes():
					a.hub.Nudge()
				}
			}
		}()
	}
	go a.hub.Run(ctx)

	srv := &http.Server{
		Addr:              a.cfg.ListenAddress,
		Handler:           newAPIHandler(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", a.cfg.ListenAddress).Msg("Control-plane API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func newAPIHandler(a *app) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if a.audit != nil {
			if err := a.audit.HealthCheck(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Modules
	mux.HandleFunc("GET /api/modules", func(w http.ResponseWriter, r *http.Request) {
		statuses, err := a.manager.List(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, statuses)
	})
	mux.HandleFunc("POST /api/modules/{id}/enable", func(w http.ResponseWriter, r *http.Request) {
		if err := a.manager.Enable(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
	})
	mux.HandleFunc("POST /api/modules/{id}/disable", func(w http.ResponseWriter, r *http.Request) {
		report, err := a.manager.Disable(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	// Config
	mux.HandleFunc("GET /api/config/schema", func(w http.ResponseWriter, r *http.Request) {
		groups, err := a.store.Render(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, groups)
	})
	mux.HandleFunc("GET /api/config", func(w http.ResponseWriter, r *http.Request) {
		values, err := a.store.Read()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, values)
	})
	mux.HandleFunc("PUT /api/config", func(w http.ResponseWriter, r *http.Request) {
		var updates map[string]string
		if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
			writeError(w, errdefs.NewValidation("invalid request body", err))
			return
		}
		if err := a.store.Update(r.Context(), updates); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	})

	// Backups
	mux.HandleFunc("GET /api/backups", func(w http.ResponseWriter, r *http.Request) {
		archives, err := a.engine.List(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, archives)
	})
	mux.HandleFunc("POST /api/backups", func(w http.ResponseWriter, r *http.Request) {
		encrypt := r.URL.Query().Get("encrypt") != "false"
		archive, err := a.engine.Create(r.Context(), encrypt)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, archive)
	})
	mux.HandleFunc("POST /api/backups/{name}/decrypt", func(w http.ResponseWriter, r *http.Request) {
		path, err := a.engine.Decrypt(r.Context(), r.PathValue("name"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"path": path})
	})
	mux.HandleFunc("GET /api/backups/{name}/download", func(w http.ResponseWriter, r *http.Request) {
		path, err := a.engine.Path(r.PathValue("name"))
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", r.PathValue("name")))
		http.ServeFile(w, r, path)
	})

	// Events
	mux.HandleFunc("GET /api/events", func(w http.ResponseWriter, r *http.Request) {
		if a.audit == nil {
			writeError(w, errdefs.NewPrecondition("no audit database configured", nil))
			return
		}
		var level *stores.EventLevel
		if v := r.URL.Query().Get("level"); v != "" {
			l := stores.EventLevel(v)
			level = &l
		}
		var subject *string
		if v := r.URL.Query().Get("subject"); v != "" {
			subject = &v
		}
		events, err := a.audit.ListEvents(r.Context(), level, subject, 100, 0)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
	})

	// Containers
	mux.HandleFunc("GET /api/containers", func(w http.ResponseWriter, r *http.Request) {
		list, err := a.gateway.List(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	})
	mux.HandleFunc("GET /api/containers/{ref}/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := a.gateway.Stats(r.Context(), r.PathValue("ref"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})
	containerOps := map[string]func(context.Context, string) error{
		"start":   a.gateway.Start,
		"stop":    a.gateway.Stop,
		"restart": a.gateway.Restart,
	}
	for op, fn := range containerOps {
		mux.HandleFunc("POST /api/containers/{ref}/"+op, func(w http.ResponseWriter, r *http.Request) {
			if err := fn(r.Context(), r.PathValue("ref")); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": op})
		})
	}

	// Streams
	mux.HandleFunc("GET /api/streams/logs/{ref}", a.handleLogStream)
	mux.HandleFunc("GET /api/streams/status", a.handleStatusStream)

	return mux
}

// handleLogStream follows one container's logs over server-sent events.
// The session id ties resubscribes together: a client switching
// containers under the same session closes its previous stream.
func (a *app) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	stream, err := a.hub.SubscribeLogs(r.Context(), sessionID, r.PathValue("ref"), 100)
	if err != nil {
		writeError(w, err)
		return
	}
	// Release by stream identity: a handler whose subscription was
	// replaced by a newer request must not tear down its successor.
	defer a.hub.ReleaseLog(sessionID, stream.ID)

	setSSEHeaders(w)
	fmt.Fprintf(w, "event: subscribed\ndata: %s\n\n", stream.ID)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case line, ok := <-stream.Lines:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
	}
}

// handleStatusStream pushes container status snapshots over server-sent
// events.
func (a *app) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	stream := a.hub.SubscribeStatus(sessionID)
	defer a.hub.ReleaseStatus(sessionID, stream.ID)

	setSSEHeaders(w)
	a.hub.Nudge()

	for {
		select {
		case <-r.Context().Done():
			return
		case snapshot, ok := <-stream.Updates:
			if !ok {
				return
			}
			payload, err := json.Marshal(snapshot)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: status\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps classified errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var classified *errdefs.Error
	if errors.As(err, &classified) {
		switch {
		case errdefs.IsValidation(err):
			status = http.StatusBadRequest
		case errdefs.IsNotFound(err):
			status = http.StatusNotFound
		case errdefs.IsPrecondition(err):
			status = http.StatusConflict
		case errdefs.IsAuth(err):
			status = http.StatusUnauthorized
		case errdefs.IsConflict(err):
			status = http.StatusConflict
		}
	}

	body := map[string]string{"error": err.Error()}
	if classified != nil && classified.Code != "" {
		body["code"] = classified.Code
	}
	writeJSON(w, status, body)
}
