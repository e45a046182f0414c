package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"h2session/internal/config"
	"h2session/internal/http2"
	"h2session/internal/logger"
	"h2session/internal/metrics"
)

var (
	configFilePath string
)

func main() {
	flag.StringVar(&configFilePath, "config", "", "Path to the configuration file (JSON or TOML)")
	flag.Parse()

	if configFilePath == "" {
		fmt.Fprintln(os.Stderr, "Error: configuration file path must be provided via -config flag.")
		flag.Usage()
		os.Exit(1)
	}

	absConfigPath, err := filepath.Abs(configFilePath)
	if err != nil {
		log.Fatalf("Error getting absolute path for config file %s: %v", configFilePath, err)
	}
	configFilePath = absConfigPath

	cfg, err := config.LoadConfig(configFilePath)
	if err != nil {
		log.Fatalf("Failed to load configuration from %s: %v", configFilePath, err)
	}

	appLogger, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		if err := appLogger.CloseLogFiles(); err != nil {
			log.Printf("Error closing log files during shutdown: %v", err)
		}
	}()
	appLogger.Info("logger initialized")

	reg := prometheus.NewRegistry()
	sessionMetrics := metrics.NewSessionMetrics(reg)
	if cfg.Server != nil && cfg.Server.ListenAddress != "" {
		go serveMetrics(reg, appLogger)
	}

	ln, err := net.Listen("tcp", cfg.Server.ListenAddress)
	if err != nil {
		appLogger.Error("failed to listen", logger.LogFields{"address": cfg.Server.ListenAddress, "error": err.Error()})
		os.Exit(1)
	}
	appLogger.Info("listening for HTTP/2 connections", logger.LogFields{"address": cfg.Server.ListenAddress})

	for {
		conn, err := ln.Accept()
		if err != nil {
			appLogger.Error("accept failed", logger.LogFields{"error": err.Error()})
			continue
		}
		go serveConn(conn, cfg.Http2, appLogger, sessionMetrics)
	}
}

// serveMetrics exposes the Prometheus registry on :9100/metrics. It is a
// best-effort sidecar; a failure here does not bring down the demo server.
func serveMetrics(reg *prometheus.Registry, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(":9100", mux); err != nil {
		log.Error("metrics listener exited", logger.LogFields{"error": err.Error()})
	}
}

// demoListener logs stream open/reset, GOAWAY and session close events (the
// other callbacks fall through to NopSessionListener); a real embedder would
// substitute its own http2.SessionListener.
type demoListener struct {
	http2.NopSessionListener
	log *logger.Logger
}

func (d demoListener) OnNewStream(s *http2.Stream) {
	d.log.Info("stream opened", logger.LogFields{"streamID": s.ID()})
}

func (d demoListener) OnStreamReset(streamID uint32, code http2.ErrorCode, local bool) {
	d.log.Info("stream reset", logger.LogFields{"streamID": streamID, "code": code.String(), "local": local})
}

func (d demoListener) OnGoAway(lastStreamID uint32, code http2.ErrorCode, debugData []byte, local bool) {
	d.log.Info("goaway", logger.LogFields{"lastStreamID": lastStreamID, "code": code.String(), "local": local})
}

func (d demoListener) OnClose(err error) {
	fields := logger.LogFields{}
	if err != nil {
		fields["error"] = err.Error()
	}
	d.log.Info("session closed", fields)
}

func serveConn(conn net.Conn, cfg *config.Http2Config, log *logger.Logger, m *metrics.SessionMetrics) {
	defer conn.Close()

	sess := http2.NewSession(http2.NewNetConnTransport(conn), http2.Options{
		IsServer: true,
		Config:   cfg,
		Listener: demoListener{log: log},
		Logger:   log,
		Metrics:  m,
	})

	if err := sess.Serve(); err != nil {
		log.Info("connection ended", logger.LogFields{"error": err.Error(), "remote": conn.RemoteAddr().String()})
	}
}
