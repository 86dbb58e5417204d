package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wiretap-dev/ccb/internal/sessionfile"
)

var sessionsWorkDir string

var providerKeys = []string{"codex", "claude", "gemini", "opencode", "droid"}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Dump the per-provider session files bound to a project",
	RunE: func(cmd *cobra.Command, args []string) error {
		workDir := sessionsWorkDir
		if workDir == "" {
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			workDir = wd
		}

		projectID, err := sessionfile.ProjectID(workDir)
		if err != nil {
			return err
		}
		fmt.Printf("work_dir=%s project_id=%s\n", workDir, projectID)

		found := 0
		for _, provider := range providerKeys {
			path := sessionfile.Path(workDir, provider, sessionfile.DefaultSessionName)
			sess, err := sessionfile.Load(path)
			if err != nil || len(sess) == 0 {
				continue
			}
			found++
			fmt.Printf("  %-9s terminal=%-6s pane=%-8s active=%v path=%s\n",
				provider, sess.Terminal(), sess.PaneID(), sess.Active(), path)
		}
		if found == 0 {
			fmt.Println("  (no bound provider sessions)")
		}
		return nil
	},
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsWorkDir, "work-dir", "", "project directory to inspect (default: cwd)")
}
