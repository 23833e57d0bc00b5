package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/tapevault/internal/inbox"
)

var (
	registerDatasetID      string
	registerDatasetVersion string
	registerBagID          string
	registerNBN            string
)

func newRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register FILE",
		Short: "Register a package in the inbox as ready for archiving",
		Long: `Register a dataset version export that has been placed in the inbox.
The package is hashed and recorded as READY. A package with unusable
metadata is moved to the dead-letter directory with an error report.

A running 'tapevault serve' picks the item up on its next accumulation
check.`,
		Example: `  tapevault register export.zip \
    --dataset-id doi:10.5072/DAR/ABC --dataset-version 2.1 \
    --bag-id urn:uuid:0a1b2c3d-4e5f-6071-8293-a4b5c6d7e8f9`,
		Args: cobra.ExactArgs(1),
		RunE: registerRun,
	}

	cmd.Flags().StringVar(&registerDatasetID, "dataset-id", "", "dataset identifier")
	cmd.Flags().StringVar(&registerDatasetVersion, "dataset-version", "", "dataset version")
	cmd.Flags().StringVar(&registerBagID, "bag-id", "", "bag identifier (<prefix>:<uuid>)")
	cmd.Flags().StringVar(&registerNBN, "nbn", "", "persistent identifier")
	cmd.MarkFlagRequired("dataset-id")
	cmd.MarkFlagRequired("dataset-version")
	cmd.MarkFlagRequired("bag-id")

	return cmd
}

func registerRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}

	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	svc, err := inbox.NewService(globalStore, globalCfg.InboxDir(), globalCfg.DeadLetterDir(), nil, logger)
	if err != nil {
		return err
	}
	it, err := svc.Register(cmd.Context(), inbox.Request{
		Path:           path,
		DatasetID:      registerDatasetID,
		DatasetVersion: registerDatasetVersion,
		BagID:          registerBagID,
		NBN:            registerNBN,
	})
	if errors.Is(err, inbox.ErrRejected) {
		fmt.Printf("Rejected: item %d moved to %s\n", it.ID, it.Path)
		return err
	}
	if err != nil {
		return err
	}

	fmt.Printf("Registered item %d (%s, sha256 %s)\n", it.ID, humanize.Bytes(uint64(it.Size)), it.Checksum)
	return nil
}
