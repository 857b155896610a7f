// collaged runs a single Collage node: it parses --co-listen/--co-connect/
// --co-globals/--co-cache-spill/--co-metrics-addr, opens its listeners,
// optionally connects out to peers, and blocks until interrupted.
//
// Grounded on chotki's cmd/main.go entrypoint shape, replacing its REPL
// loop (moved to cmd/collagectl) with the long-running daemon §6 CLI
// describes: "initLocal(args) ... returns true on success", "Exit codes:
// 0 success; 1 listener failure; 2 handshake failure at client side."
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rdumusc/collage/conn"
	"github.com/rdumusc/collage/metrics"
	"github.com/rdumusc/collage/node"
	"github.com/rdumusc/collage/object"
	"github.com/rdumusc/collage/utils"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	log := utils.NewDefaultLogger(slog.LevelInfo)

	ln, sa, err := node.InitLocal(args, log)
	if err != nil {
		log.Error("startup args", "err", err)
		return 1
	}

	descs := make([]conn.Description, 0, len(sa.Listen))
	for _, s := range sa.Listen {
		d, err := conn.ParseDescription(s)
		if err != nil {
			log.Error("bad --co-listen description", "desc", s, "err", err)
			return 1
		}
		descs = append(descs, d)
	}
	if err := ln.Listen(descs); err != nil {
		log.Error("listen failed", "err", err)
		return 1
	}
	defer ln.Close()

	store := object.NewStore(ln, log)
	if sa.CacheSpillDir != "" {
		db, err := pebble.Open(sa.CacheSpillDir, &pebble.Options{})
		if err != nil {
			log.Error("cache spill open failed", "dir", sa.CacheSpillDir, "err", err)
			return 1
		}
		defer db.Close()
		store.SetSpillStore(db)
	}

	if sa.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.NewNodeCollector(ln, ln.BufferCache()))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: sa.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server stopped", "err", err)
			}
		}()
		defer srv.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), ln.Global().HandshakeTimeout())
	for _, s := range sa.Connect {
		d, err := conn.ParseDescription(s)
		if err != nil {
			cancel()
			log.Error("bad --co-connect description", "desc", s, "err", err)
			return 2
		}
		if _, err := ln.Connect(ctx, d); err != nil {
			cancel()
			log.Error("connect failed", "desc", s, "err", err)
			return 2
		}
	}
	cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	return 0
}
