// Command cordkit connects a bot to the gateway and logs what it receives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/yonatandev1/cordkit"
	"github.com/yonatandev1/cordkit/gateway"
	"github.com/yonatandev1/cordkit/internal/config"
	"github.com/yonatandev1/cordkit/internal/logger"
	"github.com/yonatandev1/cordkit/internal/metrics"
	"github.com/yonatandev1/cordkit/rest"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	conf, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	lg, err := logger.Init(conf.LogConfig)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer lg.Sync()

	if err := run(conf, lg); err != nil {
		lg.Error("cordkit stopped", zap.Error(err))
		lg.Sync()
		os.Exit(1)
	}
}

func run(conf *config.Config, lg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := cordkit.New(conf.Token, clientOptions(conf, lg)...)
	if err != nil {
		return err
	}
	defer client.Shutdown()

	if conf.MetricsConfig != nil && conf.MetricsConfig.Addr != "" {
		srv := &http.Server{Addr: conf.MetricsConfig.Addr, Handler: metrics.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				lg.Error("metrics server", zap.Error(err))
			}
		}()
		defer srv.Close()
		lg.Info("serving metrics", zap.String("addr", conf.MetricsConfig.Addr))
	}

	if conf.TokenFile != "" {
		if err := watchTokenChanges(ctx, conf.TokenFile, time.Second, client, lg); err != nil {
			lg.Warn("not watching token file", zap.String("path", conf.TokenFile), zap.Error(err))
		}
	}

	if err := client.Connect(ctx, conf.GatewayConfig.Shards); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connect: %w", err)
	}
	lg.Info("connected", zap.Int("shards", client.Gateway().ShardCount()))

	go func() {
		<-ctx.Done()
		lg.Info("shutting down")
		client.Shutdown()
	}()

	for ev := range client.Events() {
		logEvent(lg, ev)
		if ev.Kind == gateway.KindFatal {
			return ev.Err
		}
	}
	return nil
}

// clientOptions maps the file config onto client options.
func clientOptions(conf *config.Config, lg *zap.Logger) []cordkit.ConfigOpt {
	opts := []cordkit.ConfigOpt{cordkit.WithLogger(lg)}

	if rc := conf.RESTConfig; rc != nil {
		opts = append(opts, cordkit.WithRESTOpts(
			rest.WithBaseURL(rc.BaseURL),
			rest.WithUserAgent(rc.UserAgent),
			rest.WithTimeout(rc.Timeout),
			rest.WithDoer(newDoer(rc)),
			rest.WithLimiterOpts(
				rest.WithMaxAttempts(rc.MaxAttempts),
				rest.WithMaxInFlight(rc.MaxInFlight),
				rest.WithGlobalRate(rc.GlobalRate),
				rest.WithRetryBackoff(rc.RetryBase, rc.RetryMax),
			),
		))
	}

	if gc := conf.GatewayConfig; gc != nil {
		opts = append(opts, cordkit.WithGatewayOpts(
			gateway.WithURL(gc.URL),
			gateway.WithIntents(gc.Intents),
			gateway.WithCompress(gc.Compress),
			gateway.WithLargeThreshold(gc.LargeThreshold),
			gateway.WithIdentifyLimit(gc.IdentifyInterval, gc.MaxConcurrency),
			gateway.WithShardStagger(gc.ShardStagger),
			gateway.WithBackoff(gc.BackoffBase, gc.BackoffMax, gateway.DefaultConfig().BackoffGap),
			gateway.WithRateLimiterOpts(gateway.WithCommandsPerMinute(gc.CommandsPerMin)),
		))
	}
	return opts
}

func logEvent(lg *zap.Logger, ev gateway.Event) {
	switch ev.Kind {
	case gateway.KindDispatch:
		lg.Debug("dispatch", zap.Int("shard", ev.Shard), zap.String("event", ev.Name), zap.Int64("seq", ev.Sequence))
	case gateway.KindStateChange:
		lg.Info("shard state", zap.Int("shard", ev.Shard), zap.Stringer("from", ev.From), zap.Stringer("to", ev.State))
	case gateway.KindFatal:
		lg.Error("shard failed", zap.Int("shard", ev.Shard), zap.Error(ev.Err))
	}
}
