// Package commands is Bay's CLI command tree, following the teacher's
// commands package layout (cmd/docker-mcp/commands) — one file per
// subcommand, a Root() constructor wiring them onto a bare *cobra.Command.
package commands

import (
	"github.com/spf13/cobra"
)

// Root builds Bay's top-level command: serve, migrate, version.
func Root() *cobra.Command {
	root := &cobra.Command{
		Use:   "bay",
		Short: "Bay is a container sandbox control plane",
	}

	root.AddCommand(serveCommand())
	root.AddCommand(migrateCommand())
	root.AddCommand(versionCommand())
	return root
}
