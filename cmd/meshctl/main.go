// Command meshctl inspects and maintains a relay node's packet database and
// encodes or decodes radio frames by hand.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// globalOptions holds the persistent flags shared by the database commands.
type globalOptions struct {
	cfgFile string
	dbPath  string
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "meshctl",
		Short:         "SOS mesh relay node maintenance tool",
		Long:          `meshctl works directly on a relay node's SQLite database and on raw radio frames.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	opts := &globalOptions{}
	root.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "TOML config file (default: MESHRELAY_CONFIG)")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "database path (overrides config)")

	root.AddCommand(pendingCmd(opts))
	root.AddCommand(recentCmd(opts))
	root.AddCommand(cleanupCmd(opts))
	root.AddCommand(wipeCmd(opts))
	root.AddCommand(nodeCmd(opts))
	root.AddCommand(encodeCmd())
	root.AddCommand(decodeCmd())

	return root
}
