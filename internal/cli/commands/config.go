package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bbockelm/cvmfs/internal/config"
)

var configCmdConfigPath string

var configCmd = &cobra.Command{
	Use:   "config <fqrn>",
	Short: "Print the resolved configuration for a repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.Flags().StringVarP(&configCmdConfigPath, "config", "c", "", "path to a CVMFS_*-style key=value config file")
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(args[0], configCmdConfigPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding configuration: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
