package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/tapevault/internal/config"
)

var (
	configInitOutput string
	configInitForce  bool
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage tapevault configuration. Subcommands show the effective settings
or write a starting config file.`,
		Example: `  tapevault config show
  tapevault config init --output /etc/tapevault/tapevault.yaml`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigInitCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the current configuration in YAML format, with environment
and command-line overrides applied. Secrets are masked.`,
		Example: `  tapevault config show
  tapevault config show --config /etc/tapevault/tapevault.yaml`,
		RunE: configShowRun,
	}

	return cmd
}

func configShowRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	log.Debug("showing configuration")

	shown := *globalCfg
	shown.Catalog.Token = mask(shown.Catalog.Token)
	shown.Alert.SentryDSN = mask(shown.Alert.SentryDSN)
	if shown.Database.Driver == "mysql" {
		shown.Database.DSN = mask(shown.Database.DSN)
	}

	data, err := yaml.Marshal(&shown)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println(string(data))

	if err := globalCfg.Validate(); err != nil {
		fmt.Printf("WARNING: %v\n", err)
	}
	return nil
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Long: `Write the default configuration as YAML, to stdout or to --output.
An existing file is only replaced with --force.`,
		Example: `  tapevault config init
  tapevault config init --output tapevault.yaml`,
		RunE: configInitRun,
	}

	cmd.Flags().StringVarP(&configInitOutput, "output", "o", "", "write to this file instead of stdout")
	cmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")

	return cmd
}

func configInitRun(cmd *cobra.Command, args []string) error {
	data, err := yaml.Marshal(config.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if configInitOutput == "" {
		fmt.Print(string(data))
		return nil
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !configInitForce {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(configInitOutput, flags, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", configInitOutput)
	return nil
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
