package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/timzifer/wsbridge/bridge"
	"github.com/timzifer/wsbridge/config"
	"github.com/timzifer/wsbridge/drivers/bundle"
	"github.com/timzifer/wsbridge/internal/logging"
	"github.com/timzifer/wsbridge/internal/reload"
	"github.com/timzifer/wsbridge/registry"
	"github.com/timzifer/wsbridge/telemetry"
	"github.com/timzifer/wsbridge/transport"
)

const reloadPollInterval = 2 * time.Second

func main() {
	cfgPath := flag.String("config", "", "Path to configuration file")
	endpoint := flag.String("url", "", "Single endpoint to bridge (in addition to configured connections)")
	driver := flag.String("driver", "websocket", "Driver used for the -url endpoint (websocket or mqtt)")
	filter := flag.String("filter", "", "Expression filtering received messages (env: text, size, binary)")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	flag.Parse()

	cfg := &config.Config{}
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load configuration")
		}
		cfg = loaded
	}
	if *configCheck {
		fmt.Println("configuration ok")
		return
	}

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	matcher, err := compileFilter(*filter)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid filter expression")
	}

	cliDialers, err := cliDialerEntry(*endpoint, *driver)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid -url flag")
	}
	dialers, endpoints, err := bundle.Dialers(cfg.Connections, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid connection configuration")
	}
	for ep, dial := range cliDialers {
		if _, ok := dialers[ep]; !ok {
			dialers[ep] = dial
			endpoints = append(endpoints, ep)
		}
	}
	if len(endpoints) == 0 {
		logger.Fatal().Msg("nothing to bridge: pass -url or configure connections")
	}
	table := bundle.NewTable(dialers)

	collector := telemetry.Noop()
	if cfg.Telemetry.Enabled {
		prom, err := telemetry.NewPrometheusCollector(nil)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to register telemetry")
		}
		collector = prom
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Telemetry.Enabled && cfg.Telemetry.Listen != "" {
		go serveMetrics(ctx, logger, cfg.Telemetry.Listen)
	}

	reg, err := registry.New(table.Dialer(),
		registry.WithLogger(logger),
		registry.WithTelemetry(collector),
		registry.WithPumpInterval(cfg.PumpInterval()),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create registry")
	}
	defer reg.Close()

	go func() {
		if err := reg.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("pump stopped")
		}
	}()

	for _, ep := range endpoints {
		br, err := reg.GetOrCreate(ctx, ep)
		if err != nil {
			logger.Fatal().Err(err).Str("endpoint", ep).Msg("failed to connect")
		}
		go watch(ctx, logger, br, matcher)
	}

	if *cfgPath != "" {
		watcher, err := reload.NewWatcher(*cfgPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to watch configuration")
		}
		go watcher.Run(ctx, reloadPollInterval, func() {
			resync(ctx, logger, reg, table, *cfgPath, cliDialers, matcher)
		})
	}

	go publishStdin(ctx, logger, reg)

	<-ctx.Done()
	logger.Info().Msg("shutting down")
}

// cliDialerEntry builds the dialer for the -url flag, if given.
func cliDialerEntry(endpoint, driver string) (map[string]transport.Dialer, error) {
	if endpoint == "" {
		return nil, nil
	}
	factory, ok := bundle.Factories()[driver]
	if !ok {
		return nil, fmt.Errorf("unknown driver %s", driver)
	}
	dial, err := factory(config.ConnectionConfig{ID: "cli", Driver: driver, Endpoint: endpoint})
	if err != nil {
		return nil, err
	}
	return map[string]transport.Dialer{endpoint: dial}, nil
}

// resync reloads the configuration and aligns the registry with it: removed
// connections are released, added ones dialled. Live bridges whose entry is
// unchanged keep running. The -url endpoint always survives a reload.
func resync(ctx context.Context, logger zerolog.Logger, reg *registry.Registry, table *bundle.Table, cfgPath string, cliDialers map[string]transport.Dialer, matcher func([]byte) bool) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn().Err(err).Msg("ignoring invalid configuration reload")
		return
	}
	dialers, _, err := bundle.Dialers(cfg.Connections, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("ignoring invalid connection configuration")
		return
	}
	for ep, dial := range cliDialers {
		if _, ok := dialers[ep]; !ok {
			dialers[ep] = dial
		}
	}
	table.Replace(dialers)

	for _, ep := range reg.Endpoints() {
		if _, keep := dialers[ep]; keep {
			continue
		}
		if err := reg.Release(ep); err != nil {
			logger.Warn().Err(err).Str("endpoint", ep).Msg("release failed")
			continue
		}
		logger.Info().Str("endpoint", ep).Msg("connection removed")
	}
	known := make(map[string]struct{})
	for _, ep := range reg.Endpoints() {
		known[ep] = struct{}{}
	}
	for ep := range dialers {
		if _, ok := known[ep]; ok {
			continue
		}
		br, err := reg.GetOrCreate(ctx, ep)
		if err != nil {
			logger.Warn().Err(err).Str("endpoint", ep).Msg("failed to connect")
			continue
		}
		logger.Info().Str("endpoint", ep).Msg("connection added")
		go watch(ctx, logger, br, matcher)
	}
}

// compileFilter builds the received-message predicate. An empty expression
// matches everything.
func compileFilter(src string) (func([]byte) bool, error) {
	if src == "" {
		return func([]byte) bool { return true }, nil
	}
	env := map[string]interface{}{
		"text":   "",
		"size":   0,
		"binary": false,
	}
	program, err := expr.Compile(src, expr.Env(env), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile filter: %w", err)
	}
	return func(data []byte) bool {
		out, err := runFilter(program, data)
		if err != nil {
			return true
		}
		return out
	}, nil
}

func runFilter(program *vm.Program, data []byte) (bool, error) {
	env := map[string]interface{}{
		"text":   string(data),
		"size":   len(data),
		"binary": !utf8.Valid(data),
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return true, err
	}
	keep, ok := out.(bool)
	if !ok {
		return true, errors.New("filter did not return a bool")
	}
	return keep, nil
}

// watch logs every event one bridge emits until the context ends or the
// bridge is disposed.
func watch(ctx context.Context, logger zerolog.Logger, br *bridge.Bridge, match func([]byte) bool) {
	logger = logger.With().Str("endpoint", br.Endpoint()).Logger()
	opened, err := br.Opened(ctx)
	if err != nil {
		return
	}
	received, err := br.Received(ctx)
	if err != nil {
		return
	}
	errored, err := br.Errored(ctx)
	if err != nil {
		return
	}
	closed, err := br.Closed(ctx)
	if err != nil {
		return
	}
	for opened != nil || received != nil || errored != nil || closed != nil {
		select {
		case _, ok := <-opened:
			if !ok {
				opened = nil
				continue
			}
			logger.Info().Msg("connection opened")
		case data, ok := <-received:
			if !ok {
				received = nil
				continue
			}
			if !match(data) {
				continue
			}
			logger.Info().Int("size", len(data)).Str("payload", string(data)).Msg("message received")
		case message, ok := <-errored:
			if !ok {
				errored = nil
				continue
			}
			logger.Warn().Str("error", message).Msg("transport error")
		case reason, ok := <-closed:
			if !ok {
				closed = nil
				continue
			}
			logger.Info().Stringer("reason", reason).Msg("connection closed")
		case <-ctx.Done():
			return
		}
	}
}

// publishStdin forwards stdin lines as text messages to every live bridge.
func publishStdin(ctx context.Context, logger zerolog.Logger, reg *registry.Registry) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		for _, ep := range reg.Endpoints() {
			br, err := reg.GetOrCreate(ctx, ep)
			if err != nil {
				continue
			}
			if err := br.Publish(ctx, transport.Text(line)); err != nil {
				logger.Error().Err(err).Str("endpoint", ep).Msg("publish failed")
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func serveMetrics(ctx context.Context, logger zerolog.Logger, listen string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: listen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	logger.Info().Str("listen", listen).Msg("serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server failed")
	}
}
