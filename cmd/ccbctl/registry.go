package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/wiretap-dev/ccb/internal/registry"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Dump the cross-project pane registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := registry.ListRecords()
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("(no registry records)")
			return nil
		}

		sort.Slice(records, func(i, j int) bool { return records[i].UpdatedAt > records[j].UpdatedAt })
		for _, r := range records {
			fmt.Printf("session=%s name=%q project=%s work_dir=%s terminal=%s\n",
				r.CCBSessionID, r.CCBSessionName, r.CCBProjectID, r.WorkDir, r.Terminal)
			providers := make([]string, 0, len(r.Providers))
			for p := range r.Providers {
				providers = append(providers, p)
			}
			sort.Strings(providers)
			for _, p := range providers {
				fmt.Printf("  %s: %v\n", p, map[string]any(r.Providers[p]))
			}
		}
		return nil
	},
}
