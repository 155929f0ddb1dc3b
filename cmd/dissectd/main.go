// Command dissectd is a passive traffic dissector: it reads frames from a
// live interface or a saved capture file, reassembles TCP streams and
// demultiplexes protocols through proto.Engine, and logs the content it
// recovers.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dissectd",
		Short: "Passive network traffic dissector",
	}
	root.AddCommand(newRunCmd())
	return root
}
