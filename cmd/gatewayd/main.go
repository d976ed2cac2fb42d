// Command gatewayd runs the VLESS-over-WebSocket proxy gateway: it
// exposes a single WebSocket route, decodes VLESS sessions, and relays
// them to TCP endpoints or a DNS-over-HTTPS resolver. TLS termination
// and URL routing ahead of this route are external, per SPEC_FULL.md §1.
//
// Grounded on main.go's flag/profile/signal shape, narrowed to the one
// listen route this gateway serves (no multi-protocol server registry,
// no CLI/API server — those are Non-goals per §1).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/profile"
	"go.uber.org/zap"

	"github.com/edgeproxy/vlessgw/internal/config"
	"github.com/edgeproxy/vlessgw/internal/logging"
	"github.com/edgeproxy/vlessgw/internal/wsingress"
)

var (
	listenAddr string
	wsPath     string
	logLevel   int
	logFile    string

	startCPUProf bool
	startMemProf bool
)

func init() {
	flag.StringVar(&listenAddr, "l", ":8080", "address to listen on")
	flag.StringVar(&wsPath, "path", "/vless-ws", "ws upgrade path the gateway serves")
	flag.IntVar(&logLevel, "ll", 1, "log level, 0=debug 1=info 2=warn 3=error")
	flag.StringVar(&logFile, "logfile", "", "rotated log file path; empty means stdout only")

	flag.BoolVar(&startCPUProf, "pp", false, "cpu profiling")
	flag.BoolVar(&startMemProf, "mp", false, "memory profiling")
}

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	logging.Init(logging.Config{Level: logLevel, File: logFile, MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 7})

	if startCPUProf {
		p := profile.Start(profile.CPUProfile, profile.NoShutdownHook)
		defer p.Stop()
	}
	if startMemProf {
		p := profile.Start(profile.MemProfile, profile.MemProfileRate(1), profile.NoShutdownHook)
		defer p.Stop()
	}

	cfg, err := config.Load()
	if err != nil {
		if ce := logging.CanLogErr("config load failed"); ce != nil {
			ce.Write(zap.Error(err))
		}
		return -1
	}

	handler := &wsingress.Handler{Path: wsPath, Config: cfg}

	mux := http.NewServeMux()
	mux.Handle(wsPath, handler)

	srv := &http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	go func() {
		if ce := logging.CanLogInfo("gatewayd listening"); ce != nil {
			ce.Write(zap.String("addr", listenAddr), zap.String("path", wsPath))
		}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if ce := logging.CanLogErr("listen failed"); ce != nil {
				ce.Write(zap.Error(err))
			}
		}
	}()

	osSignals := make(chan os.Signal, 1)
	signal.Notify(osSignals, os.Interrupt, syscall.SIGTERM)
	<-osSignals
	if ce := logging.CanLogInfo("gatewayd got close signal"); ce != nil {
		ce.Write()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "shutdown error:", err)
	}

	return 0
}
