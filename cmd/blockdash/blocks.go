package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/simondcohen/scblockerdashboard/internal/backend"
	"github.com/simondcohen/scblockerdashboard/internal/engine"
	"github.com/simondcohen/scblockerdashboard/internal/schema"
)

var (
	addStart string
	addEnd   string
	addDate  string
	addNotes string

	failReason string
)

var addCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Add a time block",
	Long: `Add a time block to the current document.

Times are given as HH:MM on the chosen date (today by default):

  blockdash add "Deep work" --start 09:00 --end 11:30`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		start, end, err := parseRange(addDate, addStart, addEnd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		block := schema.Block{
			ID:        time.Now().UnixMilli(),
			Name:      args[0],
			StartTime: start,
			EndTime:   end,
			Notes:     addNotes,
			Status:    schema.StatusActive,
		}
		block.Touch(time.Now())
		if err := block.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		withEngine(cmd, func(eng *engine.Engine) error {
			eng.SetBlocks(append(eng.Blocks(), block))
			fmt.Printf("Added block %d: %s %s-%s\n", block.ID, block.Name,
				start.Local().Format("15:04"), end.Local().Format("15:04"))
			return nil
		})
	},
}

var doneCmd = &cobra.Command{
	Use:   "done ID",
	Short: "Mark a block completed",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withEngine(cmd, func(eng *engine.Engine) error {
			return updateBlock(eng, args[0], func(b *schema.Block) {
				b.Status = schema.StatusCompleted
				b.Touch(time.Now())
			})
		})
	},
}

var failCmd = &cobra.Command{
	Use:   "fail ID",
	Short: "Mark a block failed",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if failReason == "" {
			fmt.Fprintf(os.Stderr, "Error: --reason is required\n")
			os.Exit(1)
		}
		withEngine(cmd, func(eng *engine.Engine) error {
			return updateBlock(eng, args[0], func(b *schema.Block) {
				now := time.Now()
				b.Status = schema.StatusFailed
				b.FailedAt = &now
				b.FailureReason = failReason
				b.Touch(now)
			})
		})
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Remove a block",
	Long: `Remove a block from the current document.

Removal is local: a sibling process that still has the block in memory can
write it back, because concurrent-edit merging never propagates deletions.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withEngine(cmd, func(eng *engine.Engine) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			blocks := eng.Blocks()
			kept := blocks[:0]
			found := false
			for _, b := range blocks {
				if b.ID == id {
					found = true
					continue
				}
				kept = append(kept, b)
			}
			if !found {
				return fmt.Errorf("no block with id %d", id)
			}
			eng.SetBlocks(kept)
			fmt.Printf("Removed block %d\n", id)
			return nil
		})
	},
}

// withEngine runs fn against a headless engine and flushes on the way out.
func withEngine(cmd *cobra.Command, fn func(*engine.Engine) error) {
	eng, cleanup, err := startEngine(cmd.Context(), backend.NoPrompter{}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	runErr := fn(eng)
	// Close flushes the pending write before the process exits.
	cleanup()
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		os.Exit(1)
	}
}

func updateBlock(eng *engine.Engine, rawID string, mutate func(*schema.Block)) error {
	id, err := parseID(rawID)
	if err != nil {
		return err
	}

	blocks := eng.Blocks()
	for i := range blocks {
		if blocks[i].ID == id {
			mutate(&blocks[i])
			if err := blocks[i].Validate(); err != nil {
				return err
			}
			eng.SetBlocks(blocks)
			fmt.Printf("Updated block %d\n", id)
			return nil
		}
	}
	return fmt.Errorf("no block with id %d", id)
}

func parseID(raw string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(raw, "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid block id %q", raw)
	}
	return id, nil
}

// parseRange resolves HH:MM start/end times against a date, defaulting to
// today in local time.
func parseRange(date, start, end string) (time.Time, time.Time, error) {
	day := time.Now()
	if date != "" {
		parsed, err := time.ParseInLocation("2006-01-02", date, time.Local)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", date)
		}
		day = parsed
	}

	parseClock := func(raw string) (time.Time, error) {
		clock, err := time.Parse("15:04", raw)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid time %q, want HH:MM", raw)
		}
		return time.Date(day.Year(), day.Month(), day.Day(),
			clock.Hour(), clock.Minute(), 0, 0, time.Local), nil
	}

	startAt, err := parseClock(start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	endAt, err := parseClock(end)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !endAt.After(startAt) {
		return time.Time{}, time.Time{}, fmt.Errorf("end time must be after start time")
	}
	return startAt, endAt, nil
}

func init() {
	addCmd.Flags().StringVar(&addStart, "start", "", "start time (HH:MM)")
	addCmd.Flags().StringVar(&addEnd, "end", "", "end time (HH:MM)")
	addCmd.Flags().StringVar(&addDate, "date", "", "date (YYYY-MM-DD, default today)")
	addCmd.Flags().StringVar(&addNotes, "notes", "", "free-form notes")
	_ = addCmd.MarkFlagRequired("start")
	_ = addCmd.MarkFlagRequired("end")

	failCmd.Flags().StringVar(&failReason, "reason", "", "why the block failed")

	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(doneCmd)
	rootCmd.AddCommand(failCmd)
	rootCmd.AddCommand(removeCmd)
}
