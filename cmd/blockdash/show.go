package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/simondcohen/scblockerdashboard/internal/backend"
	"github.com/simondcohen/scblockerdashboard/internal/schema"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("114"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current block list",
	Long: `Display all time blocks and standard block templates from the
current backing store, along with the active persistence mode.`,
	Run: func(cmd *cobra.Command, args []string) {
		eng, cleanup, err := startEngine(cmd.Context(), backend.NoPrompter{}, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()

		printStatus(eng.Mode().String(), eng.FileName())
		printBlocks(eng.Blocks())
		printStandardBlocks(eng.StandardBlocks())
	},
}

func printStatus(mode, fileName string) {
	fmt.Printf("\n%s\n", headerStyle.Render("Time Blocks"))
	if fileName != "" {
		fmt.Printf("%s\n\n", dimStyle.Render(fmt.Sprintf("mode: %s  file: %s", mode, fileName)))
	} else {
		fmt.Printf("%s\n\n", dimStyle.Render(fmt.Sprintf("mode: %s", mode)))
	}
}

func printBlocks(blocks []schema.Block) {
	if len(blocks) == 0 {
		fmt.Printf("%s\n", dimStyle.Render("No blocks yet. Add one with 'blockdash add'."))
		return
	}

	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].StartTime.Before(blocks[j].StartTime)
	})

	for _, b := range blocks {
		line := fmt.Sprintf("%4d  %s-%s  %s",
			b.ID,
			b.StartTime.Local().Format("15:04"),
			b.EndTime.Local().Format("15:04"),
			b.Name)

		switch b.Status {
		case schema.StatusCompleted:
			line = doneStyle.Render(line + "  ✓")
		case schema.StatusFailed:
			reason := ""
			if b.FailureReason != "" {
				reason = "  (" + b.FailureReason + ")"
			}
			line = failStyle.Render(line + "  ✗" + reason)
		}
		fmt.Println(line)

		if b.Notes != "" {
			fmt.Println(dimStyle.Render("      " + b.Notes))
		}
	}
}

func printStandardBlocks(standard []schema.StandardBlock) {
	if len(standard) == 0 {
		return
	}

	fmt.Printf("\n%s\n", headerStyle.Render("Standard Blocks"))
	for _, s := range standard {
		line := fmt.Sprintf("%4d  %s", s.ID, s.Name)
		if s.Required {
			line += dimStyle.Render("  (required)")
		}
		fmt.Println(line)
	}
}

func init() {
	rootCmd.AddCommand(showCmd)
}
