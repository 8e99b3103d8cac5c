package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/axiafin/modelgov/internal/audit"
	"github.com/axiafin/modelgov/internal/config"
	"github.com/axiafin/modelgov/internal/governance"
	"github.com/axiafin/modelgov/internal/server"
	"github.com/axiafin/modelgov/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "modelgov: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck
	sugar := log.Sugar()

	sink, err := buildAuditSink(sugar, cfg.Audit)
	if err != nil {
		return err
	}
	defer sink.Close() //nolint:errcheck

	orchCfg := governance.DefaultOrchestratorConfig()
	orchCfg.AutoRollbackEnabled = cfg.Governance.AutoRollbackEnabled
	orchCfg.RollbackCooldown = cfg.Governance.RollbackCooldown
	orchCfg.DefaultMinConfidence = cfg.Governance.MinConfidence
	orchCfg.DefaultEscalationThreshold = cfg.Governance.EscalationThreshold
	orchCfg.DefaultTriggerThreshold = cfg.Governance.TriggerThreshold
	orchCfg.DefaultTriggerWindow = cfg.Governance.TriggerWindow
	orchCfg.DefaultTriggerDebounce = cfg.Governance.TriggerDebounce
	orchCfg.DefaultTriggerSampleFloor = cfg.Governance.TriggerSampleFloor
	orchCfg.MetricBufferSamples = cfg.Governance.MetricBufferSamples

	orch := governance.NewOrchestrator(sugar, sink, orchCfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(log, cfg.Server, orch)
	return srv.Start(ctx)
}

func buildAuditSink(log *zap.SugaredLogger, cfg config.AuditConfig) (audit.Sink, error) {
	sinks := []audit.Sink{audit.NewZapSink(log)}

	if cfg.StoreEnabled {
		db, err := gorm.Open(sqlite.Open(cfg.StoreDSN), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("open audit store: %w", err)
		}
		storeCfg := audit.DefaultStoreConfig()
		storeCfg.BatchSize = cfg.BatchSize
		storeCfg.FlushInterval = cfg.FlushInterval
		store, err := audit.NewStoreSink(db, log, storeCfg)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, store)
	}

	if cfg.KafkaEnabled {
		kcfg := audit.DefaultKafkaConfig()
		if len(cfg.KafkaBrokers) > 0 {
			kcfg.Brokers = cfg.KafkaBrokers
		}
		if cfg.KafkaTopic != "" {
			kcfg.Topic = cfg.KafkaTopic
		}
		sinks = append(sinks, audit.NewKafkaSink(kcfg, log))
	}

	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return audit.NewMultiSink(log, sinks...), nil
}
