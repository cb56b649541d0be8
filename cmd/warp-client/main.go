// Command warp-client dials a Warp tunnel server, claims a domain, and
// replays every tunnelled request against a local address until the
// connection is closed or the process receives a termination signal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/deco-cx/warp/internal/cmdutil"
	"github.com/deco-cx/warp/internal/version"
	"github.com/deco-cx/warp/tunnelclient"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

type ready struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	ServerURL string `json:"server_url"`
	Domain    string `json:"domain"`
	LocalAddr string `json:"local_addr"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg := tunnelclient.DefaultConfig()
	logger := log.New(stderr, "", log.LstdFlags)
	cfg.Logger = logger

	serverURL := cmdutil.EnvString("WARP_CLIENT_SERVER_URL", "")
	apiKey := cmdutil.EnvString("WARP_CLIENT_API_KEY", "")
	domain := cmdutil.EnvString("WARP_CLIENT_DOMAIN", "")
	localAddr := cmdutil.EnvString("WARP_CLIENT_LOCAL_ADDR", "")

	requestBodyCapacity, err := cmdutil.EnvInt("WARP_CLIENT_REQUEST_BODY_CAPACITY", cfg.RequestBodyCapacity)
	if err != nil {
		fmt.Fprintf(stderr, "invalid WARP_CLIENT_REQUEST_BODY_CAPACITY: %v\n", err)
		return 2
	}
	handshakeTimeout, err := cmdutil.EnvDuration("WARP_CLIENT_HANDSHAKE_TIMEOUT", cfg.HandshakeTimeout)
	if err != nil {
		fmt.Fprintf(stderr, "invalid WARP_CLIENT_HANDSHAKE_TIMEOUT: %v\n", err)
		return 2
	}

	fs := flag.NewFlagSet("warp-client", flag.ContinueOnError)
	fs.SetOutput(stderr)

	showVersion := false
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&serverURL, "server-url", serverURL, "tunnel server base URL, e.g. https://warp.example.com (required) (env: WARP_CLIENT_SERVER_URL)")
	fs.StringVar(&apiKey, "api-key", apiKey, "API key accepted by the server (required) (env: WARP_CLIENT_API_KEY)")
	fs.StringVar(&domain, "domain", domain, "domain to claim on the server (required) (env: WARP_CLIENT_DOMAIN)")
	fs.StringVar(&localAddr, "local-addr", localAddr, "local origin to replay requests against, e.g. http://127.0.0.1:8080 (required) (env: WARP_CLIENT_LOCAL_ADDR)")
	fs.IntVar(&requestBodyCapacity, "request-body-capacity", requestBodyCapacity, "per-request body channel capacity (env: WARP_CLIENT_REQUEST_BODY_CAPACITY)")
	fs.DurationVar(&handshakeTimeout, "handshake-timeout", handshakeTimeout, "websocket dial timeout (env: WARP_CLIENT_HANDSHAKE_TIMEOUT)")
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
	if serverURL == "" || apiKey == "" || domain == "" || localAddr == "" {
		return usageErr("missing --server-url, --api-key, --domain, or --local-addr")
	}

	cfg.ServerURL = serverURL
	cfg.APIKey = apiKey
	cfg.Domain = domain
	cfg.LocalAddr = localAddr
	cfg.RequestBodyCapacity = requestBodyCapacity
	cfg.HandshakeTimeout = handshakeTimeout
	cfg.HTTPClient = &http.Client{}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cl, err := tunnelclient.Connect(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer cl.Close()

	select {
	case <-cl.Registered():
	case err := <-cl.Closed():
		fmt.Fprintf(stderr, "connection closed before registration: %v\n", err)
		return 1
	case <-ctx.Done():
		return 0
	}

	_ = cmdutil.WriteJSON(stdout, ready{
		Version:   buildVersion,
		Commit:    buildCommit,
		Date:      buildDate,
		ServerURL: serverURL,
		Domain:    domain,
		LocalAddr: localAddr,
	}, false)
	logger.Printf("registered domain %q, forwarding to %s", domain, localAddr)

	select {
	case <-ctx.Done():
		_ = cl.Close()
		return 0
	case err := <-cl.Closed():
		if err != nil {
			fmt.Fprintf(stderr, "connection closed: %v\n", err)
			return 1
		}
		logger.Printf("connection closed")
		return 0
	}
}
