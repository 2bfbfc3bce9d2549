package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"gridbot/internal/config"
	"gridbot/internal/core"
	"gridbot/internal/engine"
	"gridbot/internal/exchange"
	"gridbot/internal/exchange/binance"
	"gridbot/internal/grid"
	"gridbot/internal/logging"
)

func main() {
	if err := config.LoadDotEnv(config.DefaultEnvPath); err != nil {
		fatal(err.Error())
	}
	cfg, err := config.Load(config.DefaultPath)
	if err != nil {
		fatal(err.Error())
	}
	logger, err := logging.New(cfg.Runtime.LogLevel)
	if err != nil {
		fatal(err.Error())
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := binance.NewClient(cfg, logger)
	if err != nil {
		logger.Error("client_init_failed", zap.Error(err))
		os.Exit(1)
	}
	err = run(ctx, cfg, client, logger)
	code := exitCode(err)
	if code != 0 {
		logger.Error("gridbot_stopped", zap.Error(err))
	} else {
		logger.Info("gridbot_stopped")
	}
	_ = logger.Sync()
	os.Exit(code)
}

// run builds the ladder against ex and trades it until ctx is done.
func run(ctx context.Context, cfg config.Config, ex exchange.Exchange, logger *zap.Logger) error {
	rungs, err := prepare(ctx, cfg, ex, logger)
	if err != nil {
		return err
	}
	eng := engine.New(ex, cfg.Gridbot.Pair, rungs, logger, engine.Options{
		Reconcile: time.Duration(cfg.Runtime.ReconcileIntervalSec) * time.Second,
		Heartbeat: time.Duration(cfg.Runtime.HeartbeatSec) * time.Second,
	})
	return eng.Run(ctx)
}

// prepare reads the exchange rules and reference price, builds the rungs and
// checks them against the symbol filters and the free balance.
func prepare(ctx context.Context, cfg config.Config, ex exchange.Exchange, logger *zap.Logger) ([]core.Rung, error) {
	g := cfg.Gridbot
	rules, err := ex.GetRules(ctx, g.Pair)
	if err != nil {
		return nil, fmt.Errorf("get rules: %w", err)
	}
	tick, err := ex.TickerPrice(ctx, g.Pair)
	if err != nil {
		return nil, fmt.Errorf("ticker price: %w", err)
	}
	if tick.Price.Cmp(g.LowerLimit.Decimal) < 0 || tick.Price.Cmp(g.UpperLimit.Decimal) > 0 {
		return nil, fmt.Errorf("%w: current price %s of %s is outside the grid [%s, %s]",
			core.ErrConfig, tick.Price, g.Pair, g.LowerLimit.Decimal, g.UpperLimit.Decimal)
	}
	spec := grid.Spec{
		Lower:  g.LowerLimit.Decimal,
		Upper:  g.UpperLimit.Decimal,
		Grids:  g.NumberOfGrids,
		Amount: g.OrderAmount.Decimal,
	}
	rungs, err := grid.Build(spec, tick.Price)
	if err != nil {
		return nil, err
	}
	if err := grid.CheckRules(g.Pair, rungs, rules); err != nil {
		return nil, err
	}
	bal, err := ex.Balances(ctx)
	if err != nil {
		return nil, fmt.Errorf("balances: %w", err)
	}
	if err := grid.CheckBalance(rungs, bal); err != nil {
		return nil, err
	}
	base, quote := grid.Requirements(rungs)
	logger.Info("grid_built",
		zap.String("exchange", ex.Name()),
		zap.Int("rungs", len(rungs)),
		zap.Stringer("step", grid.Step(spec)),
		zap.Stringer("reference_price", tick.Price),
		zap.Int("reference_rung", grid.IndexForPrice(rungs, tick.Price)),
		zap.Stringer("base_required", base),
		zap.Stringer("quote_required", quote),
	)
	return rungs, nil
}

// exitCode maps the result of run to the process status: 0 for a clean
// interruption, 1 for anything else.
func exitCode(err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}
	return 1
}

func fatal(msg string) {
	fmt.Fprintln(os.Stdout, msg)
	os.Exit(1)
}
