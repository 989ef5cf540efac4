package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketmux/config"
	"marketmux/engine"
	"marketmux/exchange/binance"
	"marketmux/internal/channel"
	"marketmux/internal/symbols"
	"marketmux/logger"
	"marketmux/models"
	"marketmux/recorder"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Marketmux.Name,
		"version": cfg.Marketmux.Version,
	}).Info("starting marketmux")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" || cfg.Metrics.CloudWatch {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	channels := channel.NewChannels(cfg.Channels.BookBuffer, cfg.Channels.ErrorBuffer)

	mapper := symbols.NewMapper(cfg.Source.Binance.Symbols)
	adapter := binance.New(cfg.Source.Binance, cfg.Events, mapper)

	eng := engine.New(engine.Options{
		Engine:    cfg.Engine,
		Templates: cfg.Templates,
		Events:    cfg.Events,
		Adapter:   adapter,
		Channels:  channels,
	})

	var rec *recorder.Recorder
	if cfg.Storage.S3.Enabled {
		rec, err = recorder.New(cfg.Storage.S3, channels.Books)
		if err != nil {
			log.WithError(err).Error("failed to create recorder")
			os.Exit(1)
		}
		if err := rec.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start recorder")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; draining book updates")
		go func() {
			for range channels.Books {
			}
		}()
	}

	// Stream errors carry a connection id; recovery re-subscribes whatever
	// the connection was serving.
	go func() {
		for serr := range channels.Errors {
			log.WithComponent("main").WithError(serr.Err).WithFields(logger.Fields{
				"conn_id": serr.ConnID,
			}).Warn("stream error, recovering connection")
			if err := eng.RecoverConnection(ctx, serr.ConnID); err != nil {
				log.WithComponent("main").WithError(err).Error("connection recovery failed")
			}
		}
	}()

	requests := make([]models.SubscriptionRequest, 0, len(cfg.Source.Binance.Symbols))
	for _, symbol := range cfg.Source.Binance.Symbols {
		requests = append(requests, models.SubscriptionRequest{Event: binance.EventOrderbook, Symbol: symbol})
	}
	if err := eng.SubscribeAll(ctx, requests); err != nil {
		log.WithError(err).Error("initial subscription failed")
	}

	log.WithFields(logger.Fields{"symbols": len(requests)}).Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("closing subscriptions")
	if err := eng.CloseAll(); err != nil {
		log.WithError(err).Warn("engine close failed")
	}
	channels.Close()

	if rec != nil {
		log.Info("stopping recorder")
		rec.Stop()
	}

	log.Info("marketmux stopped")
}
