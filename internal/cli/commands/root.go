// Package commands is the cobra command tree for the cvmfsfs binary: a
// mount command that wires every internal package into a running
// fs.Mount, and a config subcommand that dumps the resolved
// configuration (grounded on latentfs/internal/cli/commands).
package commands

import (
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

// SetVersion sets the build-time version info reported by --version.
func SetVersion(v, c string) {
	version = v
	commit = c
	rootCmd.Version = version + " (" + commit + ")"
}

var rootCmd = &cobra.Command{
	Use:   "cvmfsfs",
	Short: "Mount the read side of a CernVM-FS repository",
	Long:  `cvmfsfs mounts a CernVM-FS repository's catalog tree as a read-only FUSE filesystem.`,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
