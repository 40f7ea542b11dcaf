// Package api serves the JSON-RPC interface of a lazy-loading node.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/moonbeam-foundation/lazyfork/common"
	"github.com/moonbeam-foundation/lazyfork/config"
	"github.com/moonbeam-foundation/lazyfork/log"
	"github.com/moonbeam-foundation/lazyfork/metrics"
	"github.com/moonbeam-foundation/lazyfork/storage/lazyloading/bootstrap"
)

const (
	moduleName = "api"

	healthPath = "/health"
)

// API is the JSON-RPC API of a lazy-loading node.
type API struct {
	fork      *bootstrap.Fork
	rpcServer *rpc.Server
	router    *chi.Mux
	logger    *log.Logger
}

// NewAPI creates the API for the given fork.
func NewAPI(fork *bootstrap.Fork, cfg *config.ServerConfig, l *log.Logger) (*API, error) {
	logger := l.WithModule(moduleName)

	server := rpc.NewServer()
	services := map[string]interface{}{
		"chain":       &ChainService{backend: fork.Backend},
		"state":       &StateService{backend: fork.Backend},
		"system":      &SystemService{spec: fork.ChainSpec},
		"lazyLoading": &LazyLoadingService{backend: fork.Backend},
		"dev":         &DevService{backend: fork.Backend, logger: logger},
	}
	for namespace, service := range services {
		if err := server.RegisterName(namespace, service); err != nil {
			server.Stop()
			return nil, err
		}
	}

	a := &API{
		fork:      fork,
		rpcServer: server,
		router:    chi.NewRouter(),
		logger:    logger,
	}

	var allowedOrigins []string
	if cfg != nil {
		allowedOrigins = cfg.CORSAllowedOrigins
	}
	wsOrigins := allowedOrigins
	if len(wsOrigins) == 0 {
		wsOrigins = []string{"*"}
	}
	wsHandler := server.WebsocketHandler(wsOrigins)

	r := a.router
	r.Use(middleware.RequestID)
	r.Use(MetricsMiddleware(metrics.NewDefaultRequestMetrics(moduleName), logger))
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware(allowedOrigins))
	r.Get(healthPath, a.health)
	r.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isWebsocket(r) {
			wsHandler.ServeHTTP(w, r)
			return
		}
		server.ServeHTTP(w, r)
	}))

	return a, nil
}

// Router gets the router for this API.
func (a *API) Router() *chi.Mux {
	return a.router
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	info := a.fork.Backend.Blockchain().Info()
	w.Header().Set("content-type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":          "ok",
		"bestNumber":      info.BestNumber,
		"finalizedNumber": info.FinalizedNumber,
	})
}

// Run serves the API on endpoint until ctx is canceled.
func (a *API) Run(ctx context.Context, endpoint string) error {
	defer a.rpcServer.Stop()

	server := &http.Server{
		Addr:           endpoint,
		Handler:        a.router,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return common.RunServer(ctx, server, a.logger)
}
