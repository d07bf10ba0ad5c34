package main

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/config"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/database"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/diagnostics"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/logging"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/metrics"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/replication"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// serverStack owns the process-wide ledger handle and projection connection.
type serverStack struct {
	config      config.ServerConfig
	logger      *zap.Logger
	sqlDB       *sql.DB
	ledger      *ledger.Ledger
	metrics     *metrics.Metrics
	sync        *replication.Service
	diagnostics *diagnostics.Service
}

func openStack(ctx context.Context) (*serverStack, error) {
	appConfig, err := config.LoadServer(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}
	rt := &serverStack{config: appConfig, logger: logger, metrics: metrics.New()}

	db, err := database.OpenProjection(database.Config{Driver: appConfig.DatabaseDriver, DSN: appConfig.DatabaseDSN}, logging.Component(logger, "database"))
	if err != nil {
		rt.Close()
		return nil, err
	}
	if rt.sqlDB, err = db.DB(); err != nil {
		rt.Close()
		return nil, err
	}

	rt.ledger, err = ledger.Open(ctx, ledger.Config{
		Path:              appConfig.LedgerPath,
		DataKey:           appConfig.LedgerDataKey,
		BlockMaxTxs:       appConfig.LedgerBlockMaxTxs,
		QueryDefaultLimit: appConfig.QueryDefaultLimit,
		QueryMaxLimit:     appConfig.QueryMaxLimit,
		Logger:            logging.Component(logger, "ledger"),
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.sync, err = replication.NewService(replication.ServiceConfig{
		Database:     db,
		Ledger:       rt.ledger,
		Clock:        time.Now,
		IDProvider:   replication.NewUUIDProvider(),
		Logger:       logging.Component(logger, "replication"),
		Metrics:      rt.metrics,
		PullLimit:    appConfig.PullDefaultLimit,
		PullMaxLimit: appConfig.PullMaxLimit,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.diagnostics, err = diagnostics.NewService(diagnostics.ServiceConfig{
		Database: db,
		Ledger:   rt.ledger,
		Clock:    time.Now,
		Logger:   logging.Component(logger, "diagnostics"),
		Metrics:  rt.metrics,
		Interval: appConfig.DiagnosticsInterval,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// Close releases the ledger and the projection connection.
func (r *serverStack) Close() {
	var errs []error
	if r.ledger != nil {
		errs = append(errs, r.ledger.Close())
	}
	if r.sqlDB != nil {
		errs = append(errs, r.sqlDB.Close())
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Warn("shutdown cleanup failed", zap.Error(err))
	}
	_ = r.logger.Sync()
}
