package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"github.com/fabriqs/go-checkout/checkout"
	"github.com/fabriqs/go-checkout/config"
	"github.com/fabriqs/go-checkout/logging"
	"github.com/fabriqs/go-checkout/notify"
	"github.com/fabriqs/go-checkout/poller"
	"github.com/fabriqs/go-checkout/provider"
	"github.com/fabriqs/go-checkout/proxy"
	"github.com/fabriqs/go-checkout/server"
	"github.com/fabriqs/go-checkout/tracelog"
)

func main() {
	configPath := flag.String("config", "checkout.toml", "optional TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}
	log := logging.New(cfg.Log)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("checkoutd stopped")
	}
}

func run(cfg config.Config, log *logrus.Logger) error {
	if cfg.Provider.APIKey == "" {
		log.Error("RYE_API_KEY is not set: every checkout call will fail")
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN, AttachStacktrace: true}); err != nil {
			return err
		}
		defer sentry.Flush(2 * time.Second)
	}

	traces, err := tracelog.Open(cfg.TraceDSN, log)
	if err != nil {
		return err
	}
	defer traces.Close()

	api := proxy.New(provider.New(cfg.Provider, log), log).WithRecorder(traces)
	polls := poller.New(api, poller.Options{
		Interval:         cfg.Poll.Interval,
		Timeout:          cfg.Poll.Timeout,
		TransientRetries: cfg.Poll.TransientRetries,
	}, log)

	bus := EventBus.New()
	if err := checkout.LogTransitions(bus, log); err != nil {
		return err
	}
	if n := notify.New(cfg.Notify, log); n != nil {
		if err := n.Subscribe(bus); err != nil {
			return err
		}
		defer bus.WaitAsync()
	}

	sessions := checkout.NewRegistry(api, polls, bus, cfg.Server.SessionTTL, log)
	sweepEvery := cfg.Server.SessionTTL / 4
	if sweepEvery < time.Second {
		sweepEvery = time.Second
	}
	stopJanitor, err := sessions.StartJanitor(sweepEvery)
	if err != nil {
		return err
	}
	defer stopJanitor()

	srv, err := server.New(server.Deps{
		Provider: api,
		Sessions: sessions,
		Traces:   traces,
		Log:      log,
	}, server.Options{
		AdminJWTSecret: cfg.Server.AdminJWTSecret,
		Sentry:         cfg.SentryDSN != "",
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Start(cfg.Server.Addr)
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
