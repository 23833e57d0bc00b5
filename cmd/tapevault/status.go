package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/tapevault/internal/store"
)

var (
	statusBatch  string
	statusFilter string
	statusLimit  int
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display item and batch status",
		Long: `Display item and batch counts and the most recent batches.

Use --batch to show a single batch with its items and checksum parts, or
--status to list only batches in one state.`,
		Example: `  tapevault status
  tapevault status --status FAILED
  tapevault status --batch 6f1c2d3e-...`,
		RunE: statusRun,
	}

	cmd.Flags().StringVar(&statusBatch, "batch", "", "show details of one batch")
	cmd.Flags().StringVar(&statusFilter, "status", "", "only list batches in this state")
	cmd.Flags().IntVar(&statusLimit, "limit", 20, "number of batches to list")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}
	if statusBatch != "" {
		return printBatch(globalStore, statusBatch)
	}

	filter := store.BatchStatus(strings.ToUpper(statusFilter))
	if filter != "" && !filter.IsValid() {
		return fmt.Errorf("unknown batch status %q", statusFilter)
	}

	stats, err := globalStore.Stats()
	if err != nil {
		return err
	}

	fmt.Println("Items")
	fmt.Println("=====")
	for _, s := range []store.ItemStatus{
		store.ItemReady, store.ItemClaimed, store.ItemImported,
		store.ItemTransferred, store.ItemArchived, store.ItemRejected, store.ItemMissing,
	} {
		fmt.Printf("%-14s %8d\n", s, stats.Items[s])
	}
	fmt.Printf("%-14s %8s\n", "ready volume", humanize.Bytes(uint64(stats.ReadyBytes)))
	fmt.Println("")

	batches, err := globalStore.ListBatches(filter, statusLimit)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		fmt.Println("No batches found")
		return nil
	}

	fmt.Println("Batches")
	fmt.Println("=======")
	fmt.Printf("%-36s %-13s %8s %-16s %s\n", "ID", "Status", "Attempts", "Created", "Last error")
	fmt.Println(strings.Repeat("-", 100))
	for _, b := range batches {
		status := string(b.Status)
		if b.InProgress {
			status += "*"
		}
		fmt.Printf("%-36s %-13s %8d %-16s %s\n",
			b.ID,
			status,
			b.Attempts,
			b.CreatedAt.Local().Format("2006-01-02 15:04"),
			truncate(b.ErrorMessage, 60),
		)
	}
	fmt.Println("")
	fmt.Println("* operation in progress")
	return nil
}

func printBatch(st *store.Store, id string) error {
	b, err := st.GetBatch(id)
	if err != nil {
		return err
	}
	items, err := st.ListBatchItems(id)
	if err != nil {
		return err
	}

	fmt.Printf("Batch:        %s\n", b.ID)
	fmt.Printf("Status:       %s (in progress: %v)\n", b.Status, b.InProgress)
	fmt.Printf("Attempts:     %d\n", b.Attempts)
	fmt.Printf("Created:      %s\n", b.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if !b.LastAttemptAt.IsZero() {
		fmt.Printf("Last attempt: %s (%s)\n", b.LastAttemptAt.Local().Format("2006-01-02 15:04:05"), humanize.Time(b.LastAttemptAt))
	}
	if b.VaultPath != "" {
		fmt.Printf("Vault path:   %s\n", b.VaultPath)
	}
	if b.ErrorMessage != "" {
		fmt.Printf("Last error:   %s\n", b.ErrorMessage)
	}

	var total int64
	for _, it := range items {
		total += it.Size
	}
	fmt.Printf("\nItems (%d, %s)\n", len(items), humanize.Bytes(uint64(total)))
	for _, it := range items {
		fmt.Printf("  %6d %-12s %10s  %s %s\n", it.ID, it.Status, humanize.Bytes(uint64(it.Size)), it.DatasetID, it.DatasetVersion)
	}

	if len(b.Parts) > 0 {
		fmt.Printf("\nParts (%d)\n", len(b.Parts))
		for _, p := range b.Parts {
			fmt.Printf("  %4d %-8s %s  %s\n", p.Index, p.Algorithm, p.Checksum, p.Name)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
