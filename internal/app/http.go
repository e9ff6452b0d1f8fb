package app

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"

	"github.com/hpi-schul-cloud/tldraw-server-sub000/internal/sweep"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/banner"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/logger"
)

// PrintBanner prints the startup banner and build info.
func (a *App) PrintBanner() {
	banner.Print(banner.Info{
		Addr:     a.cfg.Server.Addr,
		Redis:    a.cfg.Redis.Addr,
		Prefix:   a.cfg.Redis.Prefix,
		Backend:  a.cfg.Storage.Backend,
		Debounce: a.cfg.Worker.Debounce.Duration().String(),
		Version:  a.version,
	})
}

// setupRoutes registers the admin surface on the router.
func (a *App) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", healthzHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.readyzHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/v1/compaction/run", a.compactionRunHandler).Methods(http.MethodPost)
}

func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// readyzHandler reports ready only when Redis answers a ping.
func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.rdb.Ping(ctx).Err(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready"}`))
		return
	}
	ver := a.version
	if ver == "" {
		ver = "dev"
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok","version":"` + ver + `"}`))
}

// compactionRunHandler triggers one full sweep pass: every live document
// stream gets a compaction marker enqueued.
func (a *App) compactionRunHandler(w http.ResponseWriter, r *http.Request) {
	if err := sweep.RunOnce(r.Context(), a.bus); err != nil {
		logger.Error("admin_sweep_failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"accepted"}`))
}

// startHTTP starts the admin HTTP server in a goroutine and returns a
// channel that will contain any server error.
func (a *App) startHTTP(_ context.Context) <-chan error {
	r := mux.NewRouter()
	a.setupRoutes(r)

	a.srv = &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: http.MaxBytesHandler(r, a.cfg.Server.MaxBody.Int64()),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http_listen", "addr", a.cfg.Server.Addr)
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return errCh
}

// startHealthProbe optionally serves a bare fasthttp health endpoint on a
// separate port so orchestrator probes never contend with admin traffic.
func (a *App) startHealthProbe(ctx context.Context) {
	addr := a.cfg.Server.HealthAddr
	if addr == "" {
		return
	}
	srv := &fasthttp.Server{
		Handler: func(fctx *fasthttp.RequestCtx) {
			switch string(fctx.Path()) {
			case "/health", "/healthz":
				fctx.Response.Header.Set("Content-Type", "application/json")
				fctx.SetStatusCode(fasthttp.StatusOK)
				_, _ = fctx.WriteString(`{"status":"ok"}`)
			default:
				fctx.SetStatusCode(fasthttp.StatusNotFound)
			}
		},
		Name:         "tldraw-health",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("health_probe_listen", "addr", addr)
		if err := srv.ListenAndServe(addr); err != nil {
			logger.Error("health_probe_exit", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown()
	}()
}
