package skeleton

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/gwillem/skeleton/pkg/board"
	"github.com/gwillem/skeleton/pkg/feedback"
	"github.com/gwillem/skeleton/pkg/persist"
	"github.com/gwillem/skeleton/pkg/servo"
	"github.com/gwillem/skeleton/pkg/share"
)

// Bootstrap loads the definitions and positions named in cfg, connects the
// boards and opens the stores. The returned hub streams state changes and
// must be served by the caller.
func Bootstrap(ctx context.Context, cfg *Config, logger *zap.SugaredLogger) (*Controller, *share.Hub, error) {
	defs, err := servo.LoadDefinitions(cfg.DefinitionsDir)
	if err != nil {
		return nil, nil, err
	}
	positions, err := persist.Load(cfg.PositionsPath())
	if err != nil {
		return nil, nil, err
	}
	reg, err := servo.NewRegistry(defs, positions, logger.Named("servo"))
	if err != nil {
		return nil, nil, err
	}
	if err := defs.SaveServos(cfg.DefinitionsDir); err != nil {
		logger.Warnw("saving corrected servo definitions failed", "error", err)
	}
	logger.Infow("servo definitions loaded", "servos", len(reg.Names()), "feedback", len(defs.Feedback))

	clk := clock.New()
	sender := board.NewSender(Boards, clk, logger.Named("board"))
	if err := Connect(ctx, cfg, sender, logger.Named("board")); err != nil {
		return nil, nil, multierr.Append(err, sender.Close())
	}

	store, err := feedback.OpenStormStore(cfg.TraceDB)
	if err != nil {
		return nil, nil, multierr.Append(err, sender.Close())
	}
	db, err := share.Dial(cfg.RedisAddr)
	if err != nil {
		return nil, nil, multierr.Combine(err, store.Close(), sender.Close())
	}

	hub := share.NewHub(logger.Named("ws"))
	c := NewController(Options{
		Config:    cfg,
		Registry:  reg,
		Sender:    sender,
		Positions: persist.New(cfg.PositionsPath(), positions, logger.Named("persist")),
		Store:     store,
		Publisher: share.Multi{share.NewKV(db, logger.Named("share")), hub},
		Clock:     clk,
		Logger:    logger,
	})
	hub.Snapshot = c.Events
	c.closer = func() error {
		db.Close()
		return multierr.Combine(store.Close(), sender.Close())
	}
	return c, hub, nil
}

// Connect attaches the boards to sender. Boards with a configured port are
// opened directly and must identify as the expected board; the others are
// searched for on all serial ports. Boards that cannot be found stay
// disconnected.
func Connect(ctx context.Context, cfg *Config, sender *board.Sender, logger *zap.SugaredLogger) error {
	discover := false
	for i, bc := range cfg.Boards {
		if bc.Port == "" {
			discover = true
			continue
		}
		conn, err := board.Open(ctx, bc.Port, bc.Baud)
		if err != nil {
			logger.Warnw("opening board failed", "board", i, "port", bc.Port, "error", err)
			continue
		}
		idx, err := board.Handshake(ctx, conn)
		if err == nil && idx != i {
			err = errors.Errorf("port identifies as board %d", idx)
		}
		if err != nil {
			logger.Warnw("board did not identify", "board", i, "port", bc.Port, "error", err)
			conn.Close()
			continue
		}
		if err := sender.Attach(i, conn, bc.Port); err != nil {
			return err
		}
		logger.Infow("board connected", "board", i, "port", bc.Port)
	}
	if !discover {
		return ctx.Err()
	}

	found, err := board.Discover(ctx, cfg.Boards[0].Baud, logger)
	if err != nil {
		return err
	}
	for _, f := range found {
		if sender.Connected(f.Index) {
			f.Conn.Close()
			continue
		}
		if err := sender.Attach(f.Index, f.Conn, f.Port); err != nil {
			return multierr.Append(err, f.Conn.Close())
		}
	}
	return nil
}
