package main

import (
	"encoding/hex"

	"github.com/spf13/cobra"
)

// newDumpCmd mirrors the teacher's "pebble" command: it outputs the raw
// key space of the transaction store, standing in for a storage-layer
// inspection tool now that the document/JSON dump it originally fed is
// out of scope.
func newDumpCmd() *cobra.Command {
	var keysOnly bool
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Dump the raw key/value space of the transaction store",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openReadOnly(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			tx := db.Store().Begin(false)
			defer tx.Rollback()

			rows, err := tx.Iterate(nil)
			if err != nil {
				return err
			}
			for _, row := range rows {
				if keysOnly {
					cmd.Println(hex.EncodeToString(row.Key))
					continue
				}
				cmd.Println(hex.EncodeToString(row.Key) + " = " + hex.EncodeToString(row.Value))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&keysOnly, "keys-only", "k", false, "only output keys")
	return cmd
}
