package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reportd/pkg/api"
	"reportd/pkg/logger"
	"reportd/pkg/metrics"
)

func (a *App) buildHandler() http.Handler {
	r := mux.NewRouter()
	// router middleware, so the matched route is set before timing starts
	r.Use(metrics.Middleware)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	a.server.Routes(r)

	var h http.Handler = r
	if rl := a.cfg.Security.RateLimit; rl.RPS > 0 {
		h = api.RateLimitMiddleware(rl.RPS, rl.Burst)(h)
	}
	if tok := a.cfg.Security.APIToken; tok != "" {
		h = api.TokenMiddleware(tok)(h)
	}
	return h
}

// runHTTP serves until gctx is cancelled, then drains in-flight requests
// before returning. A listener failure is returned as-is so the task
// group tears the rest of the process down.
func (a *App) runHTTP(gctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.Address,
		Handler:           a.buildHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls.CertFile != "" && tls.KeyFile != "" {
			logger.Info("http_listen", "addr", srv.Addr, "tls", true)
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			logger.Info("http_listen", "addr", srv.Addr, "tls", false)
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-gctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			logger.Warn("http_shutdown", "error", err)
		}
		<-errCh
		return nil
	}
}
