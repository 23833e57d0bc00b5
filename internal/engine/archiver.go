// Package engine drives batches from the inbox to confirmed tape residency.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BadgerOps/tapevault/internal/alert"
	"github.com/BadgerOps/tapevault/internal/catalog"
	"github.com/BadgerOps/tapevault/internal/config"
	"github.com/BadgerOps/tapevault/internal/store"
	"github.com/BadgerOps/tapevault/internal/vault"
	"github.com/BadgerOps/tapevault/internal/workpool"
)

// Options holds the pipeline settings.
type Options struct {
	WorkDir         string
	Threshold       int64
	Backoff         []time.Duration
	MaxAttempts     int
	RetryInterval   time.Duration
	ConfirmInterval time.Duration
	TransferWorkers int
	ConfirmWorkers  int
	QueueSize       int
}

// OptionsFromConfig builds Options from a validated config.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	threshold, err := cfg.ThresholdBytes()
	if err != nil {
		return Options{}, err
	}
	return Options{
		WorkDir:         cfg.WorkDir(),
		Threshold:       threshold,
		Backoff:         cfg.Retry.Backoff,
		MaxAttempts:     cfg.Retry.MaxAttempts,
		RetryInterval:   cfg.Retry.Interval,
		ConfirmInterval: cfg.Confirm.Interval,
		TransferWorkers: cfg.Remote.MaxSessions,
		ConfirmWorkers:  cfg.Confirm.Workers,
	}, nil
}

// Archiver owns the batch pipeline: cutting batches, transferring them to
// the vault, retrying failures and confirming tape residency.
type Archiver struct {
	store   *store.Store
	vault   vault.Vault
	catalog catalog.Registrar
	alerter alert.Alerter
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	transfers *workpool.Pool
	confirms  *workpool.Pool

	// accumulateMu serialises batch cutting
	accumulateMu sync.Mutex

	startOnce sync.Once
	startErr  error
}

// NewArchiver creates an Archiver. Pools are created here but only run
// after Run or Start.
func NewArchiver(st *store.Store, v vault.Vault, reg catalog.Registrar, al alert.Alerter, opts Options, logger *slog.Logger) *Archiver {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	return &Archiver{
		store:     st,
		vault:     v,
		catalog:   reg,
		alerter:   al,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		transfers: workpool.New("transfer", opts.TransferWorkers, opts.QueueSize, logger),
		confirms:  workpool.New("confirm", opts.ConfirmWorkers, opts.QueueSize, logger),
	}
}

func (a *Archiver) batchDir(batchID string) string {
	return filepath.Join(a.opts.WorkDir, batchID)
}

func (a *Archiver) itemsDir(batchID string) string {
	return filepath.Join(a.batchDir(batchID), "items")
}

func (a *Archiver) repoDir(batchID string) string {
	return filepath.Join(a.batchDir(batchID), "repo")
}

// Start recovers interrupted work and starts the worker pools. It must be
// called before anything else can notify the archiver; later calls return
// the result of the first.
func (a *Archiver) Start(ctx context.Context) error {
	a.startOnce.Do(func() {
		if err := a.Recover(ctx); err != nil {
			a.startErr = fmt.Errorf("recovering batches: %w", err)
			return
		}
		a.transfers.Start()
		a.confirms.Start()
	})
	return a.startErr
}

// Stop interrupts running tasks and waits for the pools to drain.
func (a *Archiver) Stop() {
	a.transfers.Stop()
	a.confirms.Stop()
}

// Run starts the pipeline if needed and blocks until ctx is cancelled. The
// retry and confirmation scans run on their own tickers.
func (a *Archiver) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop()

	// Items registered while we were down may already cross the threshold
	if err := a.ItemReady(ctx); err != nil {
		a.logger.Error("initial accumulation check failed", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		every(gctx, a.opts.RetryInterval, "retry scan", a.logger, a.RetryScan)
		return nil
	})
	g.Go(func() error {
		every(gctx, a.opts.ConfirmInterval, "confirmation scan", a.logger, a.ConfirmScan)
		return nil
	})
	// Items registered from outside this process produce no notification
	g.Go(func() error {
		every(gctx, a.opts.RetryInterval, "accumulation check", a.logger, a.ItemReady)
		return nil
	})

	a.logger.Info("archiver running",
		"transfer_workers", a.transfers.Workers(),
		"confirm_workers", a.confirms.Workers(),
		"retry_interval", a.opts.RetryInterval,
		"confirm_interval", a.opts.ConfirmInterval,
	)
	err := g.Wait()
	a.logger.Info("archiver stopping")
	return err
}
