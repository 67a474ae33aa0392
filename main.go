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

	appconfig "tradeflow/config"
	"tradeflow/exchange"
	"tradeflow/gateway"
	"tradeflow/logger"
	"tradeflow/models"
	"tradeflow/oms"
	"tradeflow/position"
	"tradeflow/risk"
	sig "tradeflow/signal"
	"tradeflow/trader"
	"tradeflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := appconfig.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Tradeflow.Name,
		"version": cfg.Tradeflow.Version,
		"symbol":  cfg.Exchange.Symbol,
		"testnet": cfg.Exchange.Testnet,
	}).Info("starting tradeflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" || cfg.Logging.ReportInterval > 0 {
		interval := cfg.Logging.ReportInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		logger.StartReport(ctx, log, interval)
	}

	client := exchange.NewBinance(cfg)
	store := position.NewStore(cfg.Exchange.Symbol)

	marketGateway := gateway.NewMarketDataGateway(cfg, client)
	accountGateway := gateway.NewAccountGateway(cfg, client, store)
	coordinator := oms.NewCoordinator(cfg, client)
	engine := sig.NewEngine(cfg)

	var snapshotWriter *writer.SnapshotWriter
	var sink risk.SnapshotSink
	if cfg.Snapshots.Enabled {
		snapshotWriter, err = writer.NewSnapshotWriter(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create snapshot writer")
			os.Exit(1)
		}
		sink = snapshotWriter
	} else {
		log.WithComponent("main").Info("snapshot persistence disabled")
	}

	controller := risk.NewController(cfg, store, marketGateway, accountGateway, coordinator, sink)
	supervisor := trader.NewSupervisor(cfg, engine, store, marketGateway, accountGateway, coordinator)

	// Every accepted candle re-evaluates the window; registration must
	// happen before the gateways start.
	marketGateway.SubscribeCandle(func(models.Candle) {
		engine.Evaluate(marketGateway.Window())
	})

	// Fill confirmation is poll based (GetOrder in the coordinator);
	// the execution stream is surfaced in the logs.
	accountGateway.SubscribeExecutions(func(ev models.OrderEvent) {
		log.WithComponent("main").WithFields(logger.Fields{
			"order_id":   ev.OrderID,
			"client_id":  ev.ClientOrderID,
			"status":     ev.Status,
			"filled_qty": ev.LastFilledQty,
			"filled_px":  ev.LastFilledPx,
		}).Info("execution update")
	})

	if err := coordinator.Start(ctx); err != nil {
		log.WithError(err).Error("failed to load instrument metadata")
		os.Exit(1)
	}

	if snapshotWriter != nil {
		if err := snapshotWriter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start snapshot writer")
			os.Exit(1)
		}
	}
	if err := marketGateway.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start market data gateway")
		os.Exit(1)
	}
	if err := accountGateway.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start account gateway")
		os.Exit(1)
	}
	if err := controller.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start risk controller")
		os.Exit(1)
	}
	if err := supervisor.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start trading supervisor")
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	received := <-sigChan
	log.WithFields(logger.Fields{"signal": received.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		supervisor.Stop()
		controller.Stop()
		accountGateway.Stop()
		marketGateway.Stop()
		if snapshotWriter != nil {
			snapshotWriter.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("tradeflow stopped")
}
