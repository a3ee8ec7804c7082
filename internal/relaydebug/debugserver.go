package relaydebug

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/straitlabs/strait/relayer/processor"
)

// WorkerSnapshotter reports the live workers. Satisfied by
// *processor.Scheduler; snapshots are only served while it is running.
type WorkerSnapshotter interface {
	WorkerStatus(ctx context.Context) ([]processor.WorkerStatus, error)
}

// StartDebugServer starts a debug server in a background goroutine,
// accepting connections on the given listener.
// Any HTTP logging will be written at info level to the given logger.
// The server will be forcefully shut down when ctx finishes.
func StartDebugServer(ctx context.Context, log *zap.Logger, ln net.Listener, workers WorkerSnapshotter, registry *prometheus.Registry) {
	// Although we could just import net/http/pprof and rely on the default global server,
	// we may want many instances of this in test,
	// and we will probably want more endpoints as time goes on,
	// so use a dedicated http.Server instance here.

	// Set up new mux identical to the default mux configuration in net/http/pprof.
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	// And redirect the browser to the /debug/pprof root,
	// so operators don't see a mysterious 404 page.
	mux.Handle("/", http.RedirectHandler("/debug/pprof", http.StatusSeeOther))

	if registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
			ErrorLog: zap.NewStdLog(log),
		}))
	}

	if workers != nil {
		mux.HandleFunc("/status/workers", func(w http.ResponseWriter, r *http.Request) {
			sctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			status, err := workers.WorkerStatus(sctx)
			if err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(status); err != nil {
				log.Info("Failed to encode worker status", zap.Error(err))
			}
		})
	}

	srv := &http.Server{
		Handler:  mux,
		ErrorLog: zap.NewStdLog(log),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go srv.Serve(ln)

	go func() {
		<-ctx.Done()
		srv.Close()
	}()
}
