// Command warp-server runs the public side of a Warp tunnel: it accepts
// WebSocket connections from warp-client processes, claims their
// domains, and proxies inbound HTTP traffic to whichever connection
// currently holds the requested Host header.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/deco-cx/warp/internal/cmdutil"
	"github.com/deco-cx/warp/internal/version"
	"github.com/deco-cx/warp/observability"
	"github.com/deco-cx/warp/observability/prom"
	"github.com/deco-cx/warp/tunnelserver"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ",") }

func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

type switchHandler struct {
	mu      sync.RWMutex
	handler http.Handler
}

func newSwitchHandler() *switchHandler {
	return &switchHandler{handler: http.NotFoundHandler()}
}

func (h *switchHandler) Set(next http.Handler) {
	if next == nil {
		next = http.NotFoundHandler()
	}
	h.mu.Lock()
	h.handler = next
	h.mu.Unlock()
}

func (h *switchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	handler.ServeHTTP(w, r)
}

// metricsController lets SIGUSR1/SIGUSR2 toggle the Prometheus endpoint
// at runtime without restarting the process.
type metricsController struct {
	mu       sync.Mutex
	enabled  bool
	handler  *switchHandler
	observer *observability.AtomicTunnelObserver
}

func newMetricsController(handler *switchHandler, observer *observability.AtomicTunnelObserver) *metricsController {
	return &metricsController{handler: handler, observer: observer}
}

func (c *metricsController) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return
	}
	reg := prom.NewRegistry()
	tunnelObs := prom.NewTunnelObserver(reg)
	c.handler.Set(prom.Handler(reg))
	c.observer.Set(tunnelObs)
	c.enabled = true
}

func (c *metricsController) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.handler.Set(nil)
	c.observer.Set(observability.NoopTunnelObserver)
	c.enabled = false
}

func validateTLSFiles(certFile, keyFile string) error {
	if certFile == "" && keyFile == "" {
		return nil
	}
	if certFile == "" || keyFile == "" {
		return errors.New("tls requires both --tls-cert-file and --tls-key-file")
	}
	return nil
}

type ready struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	Date       string `json:"date"`
	Listen     string `json:"listen"`
	ConnectURL string `json:"connect_url"`
	HealthzURL string `json:"healthz_url"`
	MetricsURL string `json:"metrics_url,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg := tunnelserver.DefaultConfig()
	logger := log.New(stderr, "", log.LstdFlags)
	cfg.Logger = logger

	listen := cmdutil.EnvString("WARP_SERVER_LISTEN", "127.0.0.1:0")
	connectPath := cmdutil.EnvString("WARP_SERVER_CONNECT_PATH", cfg.ConnectPath)
	metricsListen := cmdutil.EnvString("WARP_SERVER_METRICS_LISTEN", "")
	tlsCertFile := cmdutil.EnvString("WARP_SERVER_TLS_CERT_FILE", "")
	tlsKeyFile := cmdutil.EnvString("WARP_SERVER_TLS_KEY_FILE", "")

	apiKeys := stringSliceFlag(cmdutil.SplitCSVEnv("WARP_SERVER_API_KEYS"))
	allowedOrigins := stringSliceFlag(cmdutil.SplitCSVEnv("WARP_SERVER_ALLOW_ORIGIN"))

	allowNoOrigin, err := cmdutil.EnvBool("WARP_SERVER_ALLOW_NO_ORIGIN", cfg.AllowNoOrigin)
	if err != nil {
		fmt.Fprintf(stderr, "invalid WARP_SERVER_ALLOW_NO_ORIGIN: %v\n", err)
		return 2
	}
	readLimit, err := cmdutil.EnvInt("WARP_SERVER_READ_LIMIT", int(cfg.ReadLimit))
	if err != nil {
		fmt.Fprintf(stderr, "invalid WARP_SERVER_READ_LIMIT: %v\n", err)
		return 2
	}
	outboundQueueCapacity, err := cmdutil.EnvInt("WARP_SERVER_OUTBOUND_QUEUE_CAPACITY", cfg.OutboundQueueCapacity)
	if err != nil {
		fmt.Fprintf(stderr, "invalid WARP_SERVER_OUTBOUND_QUEUE_CAPACITY: %v\n", err)
		return 2
	}
	responseBodyCapacity, err := cmdutil.EnvInt("WARP_SERVER_RESPONSE_BODY_CAPACITY", cfg.ResponseBodyCapacity)
	if err != nil {
		fmt.Fprintf(stderr, "invalid WARP_SERVER_RESPONSE_BODY_CAPACITY: %v\n", err)
		return 2
	}

	fs := flag.NewFlagSet("warp-server", flag.ContinueOnError)
	fs.SetOutput(stderr)

	showVersion := false
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&listen, "listen", listen, "listen address (env: WARP_SERVER_LISTEN)")
	fs.StringVar(&connectPath, "connect-path", connectPath, "websocket connect path (env: WARP_SERVER_CONNECT_PATH)")
	fs.Var(&apiKeys, "api-key", "accepted API key (repeatable; required) (env: WARP_SERVER_API_KEYS, comma-separated)")
	fs.Var(&allowedOrigins, "allow-origin", "allowed Origin value (repeatable; empty allows every origin) (env: WARP_SERVER_ALLOW_ORIGIN, comma-separated)")
	fs.BoolVar(&allowNoOrigin, "allow-no-origin", allowNoOrigin, "allow connect requests without an Origin header when --allow-origin is set; with no --allow-origin every request is allowed (env: WARP_SERVER_ALLOW_NO_ORIGIN)")
	fs.IntVar(&readLimit, "read-limit", readLimit, "max websocket frame size in bytes (env: WARP_SERVER_READ_LIMIT)")
	fs.IntVar(&outboundQueueCapacity, "outbound-queue-capacity", outboundQueueCapacity, "per-connection outbound message queue capacity (env: WARP_SERVER_OUTBOUND_QUEUE_CAPACITY)")
	fs.IntVar(&responseBodyCapacity, "response-body-capacity", responseBodyCapacity, "per-request response body channel capacity (env: WARP_SERVER_RESPONSE_BODY_CAPACITY)")
	fs.StringVar(&tlsCertFile, "tls-cert-file", tlsCertFile, "enable TLS with the given certificate file (default: disabled) (env: WARP_SERVER_TLS_CERT_FILE)")
	fs.StringVar(&tlsKeyFile, "tls-key-file", tlsKeyFile, "enable TLS with the given private key file (default: disabled) (env: WARP_SERVER_TLS_KEY_FILE)")
	fs.StringVar(&metricsListen, "metrics-listen", metricsListen, "listen address for the metrics server (empty disables) (env: WARP_SERVER_METRICS_LISTEN)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		fmt.Fprintln(stdout, version.String(buildVersion, buildCommit, buildDate))
		return 0
	}

	usageErr := func(msg string) int {
		if msg != "" {
			fmt.Fprintln(stderr, msg)
		}
		fs.Usage()
		return 2
	}
	if len(apiKeys) == 0 {
		return usageErr("missing --api-key")
	}
	if err := validateTLSFiles(tlsCertFile, tlsKeyFile); err != nil {
		return usageErr(err.Error())
	}

	observer := observability.NewAtomicTunnelObserver()
	cfg.Observer = observer
	cfg.ConnectPath = connectPath
	cfg.APIKeys = apiKeys
	cfg.AllowedOrigins = allowedOrigins
	cfg.AllowNoOrigin = allowNoOrigin
	cfg.ReadLimit = int64(readLimit)
	cfg.OutboundQueueCapacity = outboundQueueCapacity
	cfg.ResponseBodyCapacity = responseBodyCapacity

	s, err := tunnelserver.New(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer s.Close()

	mux := http.NewServeMux()
	s.Register(mux)

	var metrics *metricsController
	var metricsSrv *http.Server
	var metricsLn net.Listener
	if metricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsHandler := newSwitchHandler()
		metricsMux.Handle("/metrics", metricsHandler)
		metrics = newMetricsController(metricsHandler, observer)
		metrics.Enable()

		metricsLn, err = net.Listen("tcp", metricsListen)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		metricsSrv = &http.Server{Handler: metricsMux}
		go func() {
			if err := metricsSrv.Serve(metricsLn); err != nil && err != http.ErrServerClosed {
				logger.Fatal(err)
			}
		}()
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	srv := &http.Server{Handler: mux}
	if tlsCertFile != "" {
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	go func() {
		var err error
		if tlsCertFile != "" {
			err = srv.ServeTLS(ln, tlsCertFile, tlsKeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal(err)
		}
	}()

	scheme := "ws"
	httpScheme := "http"
	if tlsCertFile != "" {
		scheme = "wss"
		httpScheme = "https"
	}
	bindAddr := ln.Addr().String()
	out := ready{
		Version:    buildVersion,
		Commit:     buildCommit,
		Date:       buildDate,
		Listen:     bindAddr,
		ConnectURL: scheme + "://" + bindAddr + connectPath,
		HealthzURL: httpScheme + "://" + bindAddr + "/healthz",
	}
	if metricsLn != nil {
		out.MetricsURL = httpScheme + "://" + metricsLn.Addr().String() + "/metrics"
	}
	_ = cmdutil.WriteJSON(stdout, out, false)

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	for {
		switch <-sig {
		case syscall.SIGUSR1:
			if metrics == nil {
				logger.Printf("metrics server disabled (missing --metrics-listen)")
				continue
			}
			metrics.Enable()
			logger.Printf("metrics enabled")
		case syscall.SIGUSR2:
			if metrics == nil {
				continue
			}
			metrics.Disable()
			logger.Printf("metrics disabled")
		default:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = srv.Shutdown(ctx)
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(ctx)
			}
			cancel()
			return 0
		}
	}
}
