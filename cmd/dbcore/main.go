// Command dbcore is an inspection shell for the database core: it can
// open a database file, print its catalog, list in-doubt transactions,
// and dump the raw key space — standing in for the JDBC-style surface
// spec §1's Non-goals exclude.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dbcore",
		Short: "Inspect dbcore database files",
	}
	root.PersistentFlags().String("path", "", "path to the database file")

	root.AddCommand(newCatalogCmd())
	root.AddCommand(newInDoubtCmd())
	root.AddCommand(newDumpCmd())
	root.AddCommand(newVersionCmd())
	return root
}
