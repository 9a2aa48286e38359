package app

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voxsynq/pkg/api"
	"voxsynq/pkg/auth"
	"voxsynq/pkg/banner"
)

type httpServer = http.Server

// printBanner prints the startup banner and build info.
func (a *App) printBanner() {
	verStr := a.version
	if a.commit != "" && a.commit != "none" {
		verStr += " (" + a.commit + ")"
	}
	if a.buildDate != "" && a.buildDate != "unknown" {
		verStr += " @ " + a.buildDate
	}
	banner.PrintWithEff(a.eff, verStr)
}

// buildHandler assembles the route tree. Health, readiness and metrics
// stay outside the identity middleware; everything else requires a
// caller identity.
func (a *App) buildHandler() http.Handler {
	protected := mux.NewRouter()
	srv := &api.Server{Pipe: a.pipe, Calls: a.calls, Store: a.store, Hub: a.hub}
	srv.Register(protected)
	wrapped := auth.Middleware(protected,
		a.eff.Config.Security.RateLimit.RPS,
		a.eff.Config.Security.RateLimit.Burst,
	)

	root := mux.NewRouter()
	root.HandleFunc("/healthz", healthzHandler).Methods(http.MethodGet)
	root.HandleFunc("/readyz", a.readyzHandler).Methods(http.MethodGet)
	root.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	root.PathPrefix("/v1/").Handler(wrapped)
	root.Handle("/ws", wrapped)
	return root
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !a.store.Ready() {
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

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// startHTTP starts the HTTP server in a goroutine and returns a channel
// that will carry any fatal server error.
func (a *App) startHTTP() <-chan error {
	a.srv = &http.Server{Addr: a.eff.Addr, Handler: a.buildHandler()}
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return errCh
}
