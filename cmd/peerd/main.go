// Command peerd is the reliable chunk transfer engine's CLI entrypoint:
// it parses the flag surface of spec §6, loads the roster/fragment
// files, binds the datagram endpoint (optionally redirected through a
// SIMULATOR), and runs the event loop until SIGINT or an unrecoverable
// endpoint error.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"

	"peerd/internal/endpoint"
	"peerd/internal/fragfile"
	"peerd/internal/peer"
	"peerd/internal/progress"
	"peerd/internal/roster"
	"peerd/internal/store"
	"peerd/internal/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		rosterPath   = pflag.StringP("peer-roster", "p", "", "peer roster file (required)")
		fragPath     = pflag.StringP("fragment", "c", "", "initial fragment file (required)")
		maxSend      = pflag.IntP("max-send", "m", 0, "maximum concurrent inbound uploads (required)")
		identity     = pflag.IntP("identity", "i", -1, "this peer's roster identifier (required)")
		timeoutSecs  = pflag.Float64P("timeout", "t", 0, "fixed retransmission timeout in seconds (disables RTT estimation)")
		verbose      = pflag.IntP("verbose", "v", 0, "verbosity level 0-3")
		metricsAddr  = pflag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address")
		showProgress = pflag.Bool("progress", false, "render a live progress bar for each DOWNLOAD")
	)
	pflag.Parse()

	logger := newLogger(*verbose)

	if *rosterPath == "" || *fragPath == "" || *maxSend < 1 || *identity < 0 {
		fmt.Fprintln(os.Stderr, "usage: peerd -p roster.txt -c fragment.bin -m max-send -i identity [-t timeout] [-v level]")
		return 2
	}

	fs := afero.NewOsFs()

	r, err := roster.Load(fs, *rosterPath, *identity)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load roster")
		return 1
	}

	chunks, err := fragfile.ReadFragment(fs, *fragPath)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load fragment file")
		return 1
	}
	st := store.New()
	for h, data := range chunks {
		st.Put(h, data)
	}

	ep, err := bindEndpoint(r, *identity)
	if err != nil {
		logger.Error().Err(err).Msg("failed to bind endpoint")
		return 1
	}
	defer ep.Close()

	var fixedRTT time.Duration
	if *timeoutSecs > 0 {
		fixedRTT = time.Duration(*timeoutSecs * float64(time.Second))
	}

	tel := telemetry.New()
	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, tel, logger)
	}

	var onProgress func(string, int, int)
	if *showProgress && isatty.IsTerminal(os.Stdout.Fd()) {
		reporter := progress.New(os.Stdout)
		onProgress = reporter.Update
	}

	node := peer.New(peer.Config{
		SelfID:     *identity,
		MaxSend:    *maxSend,
		Roster:     r,
		Store:      st,
		Endpoint:   ep,
		Fs:         fs,
		FixedRTT:   fixedRTT,
		Logger:     logger,
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
		OnProgress: onProgress,
		Telemetry:  tel,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := node.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("peer terminated")
		return 1
	}
	return 0
}

func newLogger(verbose int) zerolog.Logger {
	level := zerolog.WarnLevel
	switch {
	case verbose >= 3:
		level = zerolog.TraceLevel
	case verbose == 2:
		level = zerolog.DebugLevel
	case verbose == 1:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
}

// bindEndpoint binds the local UDP socket named by this peer's roster
// entry, wrapping it with the SIMULATOR redirector (spec §6) when the
// environment variable is set.
func bindEndpoint(r *roster.Roster, selfID int) (endpoint.Endpoint, error) {
	local := r.SelfAddr()
	udp, err := endpoint.Listen(local)
	if err != nil {
		return nil, err
	}
	simAddrStr := os.Getenv("SIMULATOR")
	if simAddrStr == "" {
		return udp, nil
	}
	simAddr, err := net.ResolveUDPAddr("udp", simAddrStr)
	if err != nil {
		udp.Close()
		return nil, fmt.Errorf("peerd: bad SIMULATOR address %q: %w", simAddrStr, err)
	}
	return endpoint.NewSimulated(udp, simAddr, uint32(selfID), local), nil
}

func serveMetrics(addr string, tel *telemetry.Telemetry, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(tel.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}
