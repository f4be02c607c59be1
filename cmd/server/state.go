package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/banditlabs/banditd/internal/policy"
)

// stateCmd inspects the on-disk snapshot directory without a running
// server. Useful after a crash to see what a restart would restore.
func stateCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect persisted experiment snapshots",
	}
	cmd.PersistentFlags().StringVarP(&dir, "dir", "d", "data/state", "Snapshot directory")

	list := &cobra.Command{
		Use:   "list",
		Short: "List snapshots with their policy type and arm count",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := os.ReadDir(dir)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(entries))
			for _, entry := range entries {
				if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".state") {
					names = append(names, entry.Name())
				}
			}
			sort.Strings(names)

			for _, name := range names {
				blob, err := os.ReadFile(filepath.Join(dir, name))
				if err != nil {
					fmt.Printf("%s\tunreadable: %v\n", name, err)
					continue
				}
				doc, err := policy.Inspect(blob)
				if err != nil {
					fmt.Printf("%s\tcorrupt: %v\n", name, err)
					continue
				}
				fmt.Printf("%s\t%s\t%d arm(s)\n", strings.TrimSuffix(name, ".state"), doc.Policy, len(doc.Arms))
			}
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show <experiment-id>",
		Short: "Print one snapshot as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("malformed experiment id: %w", err)
			}
			blob, err := os.ReadFile(filepath.Join(dir, id.String()+".state"))
			if err != nil {
				return err
			}
			doc, err := policy.Inspect(blob)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.AddCommand(list)
	cmd.AddCommand(show)
	return cmd
}
