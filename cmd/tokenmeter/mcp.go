package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/pario-ai/tokenmeter/pkg/mcp"
)

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve read-only accounting tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			var auditor mcp.AuditSearcher
			if a.auditor != nil {
				auditor = a.auditor
			}
			var cache mcp.CacheStatter
			if a.cache != nil {
				cache = a.cache
			}

			srv := mcp.New(a.engine, auditor, cache, version)
			return srv.Run(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
}
