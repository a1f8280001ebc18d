package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kvore/dbcore/catalog"
	"github.com/kvore/dbcore/lifecycle"
)

// openReadOnly opens the database at the path bound to the command's
// "path" flag (via viper, so DBCORE_PATH is honored too), with
// Options.ReadOnly set, which skips taking the database lock file. The
// store itself is opened writable, and a path that holds no database yet
// is bootstrapped and committed like any first open.
func openReadOnly(cmd *cobra.Command) (*lifecycle.Database, error) {
	v := viper.New()
	v.SetEnvPrefix("DBCORE")
	v.AutomaticEnv()
	_ = v.BindPFlag("path", cmd.Flags().Lookup("path"))

	return lifecycle.Open(v.GetString("path"), lifecycle.Options{ReadOnly: true})
}

func newCatalogCmd() *cobra.Command {
	var schema string
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Print every loaded catalog object",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openReadOnly(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			objs := db.Catalog().All()
			sort.Slice(objs, func(i, j int) bool { return objs[i].ID < objs[j].ID })

			for _, obj := range objs {
				if schema != "" && obj.SchemaName != schema {
					continue
				}
				printObject(cmd, obj)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&schema, "schema", "", "only print objects in this schema")
	return cmd
}

func newInDoubtCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "in-doubt",
		Short: "List prepared transactions awaiting resolution",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openReadOnly(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			names, err := db.Store().ListInDoubt()
			if err != nil {
				return err
			}
			for _, n := range names {
				cmd.Println(n)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the dbcore version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	}
}

// version is overwritten at build time via -ldflags.
var version = "dev"

func printObject(cmd *cobra.Command, obj *catalog.Object) {
	name := obj.Name
	if obj.SchemaName != "" {
		name = obj.SchemaName + "." + name
	}
	cmd.Println(fmt.Sprintf("%-6d %-12s %s", obj.ID, obj.Type, name))
}
