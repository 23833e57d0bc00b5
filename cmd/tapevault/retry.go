package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/tapevault/internal/store"
)

func newRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry BATCH",
		Short: "Requeue a failed or waiting batch",
		Long: `Reset the attempt counter of a FAILED or waiting TRANSFERRING batch so it
is eligible for transfer straight away. A running 'tapevault serve' picks it
up on its next retry scan.`,
		Example: `  tapevault retry 6f1c2d3e-...`,
		Args:    cobra.ExactArgs(1),
		RunE:    retryRun,
	}
	return cmd
}

func retryRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}
	if err := globalStore.RequeueBatch(args[0]); err != nil {
		return fmt.Errorf("batch %s cannot be requeued (must be idle and FAILED or TRANSFERRING): %w", args[0], err)
	}
	fmt.Printf("Batch %s requeued\n", args[0])
	return nil
}

func newConfirmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "confirm BATCH",
		Short: "Check once whether a transferred batch is on tape",
		Long: `Query the vault for the migration state of every file of a TRANSFERRED
batch. When all of them are on tape the batch is marked CONFIRMED and its
working directory removed, exactly as the periodic confirmation scan does.`,
		Example: `  tapevault confirm 6f1c2d3e-...`,
		Args:    cobra.ExactArgs(1),
		RunE:    confirmRun,
	}
	return cmd
}

func confirmRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}
	id := args[0]

	archiver, alerter, err := newArchiver(globalCfg, globalStore)
	if err != nil {
		return err
	}
	defer alerter.Close()

	won, err := globalStore.TryBeginOperation(id, store.BatchTransferred)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("batch %s is not an idle TRANSFERRED batch", id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	ok, err := archiver.Confirm(ctx, id)
	if err != nil {
		return err
	}
	if ok {
		fmt.Printf("Batch %s confirmed on tape\n", id)
	} else {
		fmt.Printf("Batch %s is not on tape yet\n", id)
	}
	return nil
}
