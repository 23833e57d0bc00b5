package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/BadgerOps/tapevault/internal/alert"
	"github.com/BadgerOps/tapevault/internal/catalog"
	"github.com/BadgerOps/tapevault/internal/config"
	"github.com/BadgerOps/tapevault/internal/engine"
	"github.com/BadgerOps/tapevault/internal/store"
	"github.com/BadgerOps/tapevault/internal/vault"
)

func openStore(cfg *config.Config) (*store.Store, error) {
	driver := cfg.Database.Driver
	if driver == "" {
		driver = "sqlite"
	}
	if driver == "sqlite" {
		if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
	}
	return store.Open(driver, cfg.DatabaseDSN(), logger)
}

// newVault builds the vault selected by remote.type.
func newVault(cfg *config.Config, logger *slog.Logger) (vault.Vault, error) {
	r := cfg.Remote
	switch r.Type {
	case "dmf":
		return vault.NewDMF(vault.DMFOptions{
			User:          r.DMF.User,
			Host:          r.DMF.Host,
			Root:          r.Root,
			Extension:     r.Extension,
			DmftarBinary:  r.DMF.DmftarBinary,
			SSHBinary:     r.DMF.SSHBinary,
			DmlsBinary:    r.DMF.DmlsBinary,
			ChecksumGlob:  r.DMF.ChecksumGlob,
			DefaultDigest: r.DMF.DefaultDigest,
		}, nil, logger), nil
	case "dir":
		split, err := humanize.ParseBytes(r.Dir.SplitSize)
		if err != nil {
			return nil, fmt.Errorf("invalid remote.dir.split_size: %w", err)
		}
		return vault.NewDir(vault.DirOptions{
			Root:         r.Root,
			Extension:    r.Extension,
			SplitSize:    int64(split),
			Compression:  r.Dir.Compression,
			MigrateAfter: r.Dir.MigrateAfter,
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported remote.type %q", r.Type)
	}
}

func newCatalog(cfg *config.Config, logger *slog.Logger) (catalog.Registrar, error) {
	if cfg.Catalog.URL == "" {
		logger.Warn("catalog.url not set, batches are not registered")
		return catalog.NewNoop(logger), nil
	}
	return catalog.NewHTTP(cfg.Catalog.URL, cfg.Catalog.Token, cfg.Catalog.Timeout, logger)
}

// newArchiver wires the pipeline. The caller closes the returned alerter.
func newArchiver(cfg *config.Config, st *store.Store) (*engine.Archiver, alert.Alerter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	opts, err := engine.OptionsFromConfig(cfg)
	if err != nil {
		return nil, nil, err
	}

	v, err := newVault(cfg, logger.With("component", "vault"))
	if err != nil {
		return nil, nil, err
	}
	reg, err := newCatalog(cfg, logger.With("component", "catalog"))
	if err != nil {
		return nil, nil, err
	}
	al, err := alert.New(cfg.Alert.SentryDSN, logger.With("component", "alert"))
	if err != nil {
		return nil, nil, err
	}

	a := engine.NewArchiver(st, v, reg, al, opts, logger.With("component", "archiver"))
	return a, al, nil
}
