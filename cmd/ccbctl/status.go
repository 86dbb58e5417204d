package main

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wiretap-dev/ccb/internal/daemon"
)

var (
	upStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	downStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report which provider daemons are currently running",
	RunE: func(cmd *cobra.Command, args []string) error {
		width := terminalWidth()
		row := func(a, b, c, d string) string {
			line := fmt.Sprintf("%-8s %-8s %-8s %s", a, b, c, d)
			if width > 0 && len(line) > width {
				line = line[:width]
			}
			return line
		}

		fmt.Println(headStyle.Render(row("PREFIX", "STATE", "PID", "UPTIME")))
		for _, prefix := range providerPrefixes {
			sf, err := daemon.ReadState(prefix)
			if err != nil {
				fmt.Println(row(prefix, downStyle.Render("down"), "-", "-"))
				continue
			}
			uptime := time.Since(time.Unix(sf.StartedAt, 0)).Round(time.Second)
			fmt.Println(row(prefix, upStyle.Render("up"), fmt.Sprint(sf.PID), uptime.String()))
		}
		return nil
	},
}

func terminalWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 0
	}
	return w
}
