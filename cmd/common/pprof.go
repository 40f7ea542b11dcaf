package common

import (
	"context"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/moonbeam-foundation/lazyfork/common"
)

// RunPprof serves the pprof handlers on endpoint until ctx is canceled.
func RunPprof(ctx context.Context, endpoint string) error {
	// Create a new mux just for the pprof endpoints to avoid using the
	// global multiplexer where pprof's init function registers by default.
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	server := &http.Server{
		Addr:        endpoint,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
		// Profiles stream for up to 30s by default.
		WriteTimeout: 60 * time.Second,
	}
	return common.RunServer(ctx, server, rootLogger.WithModule("pprof"))
}
