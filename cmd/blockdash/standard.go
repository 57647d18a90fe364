package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/simondcohen/scblockerdashboard/internal/engine"
	"github.com/simondcohen/scblockerdashboard/internal/schema"
)

var standardRequired bool

var standardCmd = &cobra.Command{
	Use:   "standard",
	Short: "Manage standard block templates",
	Long: `Standard blocks are reusable templates for blocks that recur every
day, like a morning review. They carry no times of their own.`,
}

var standardAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Add a standard block template",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withEngine(cmd, func(eng *engine.Engine) error {
			block := schema.StandardBlock{
				ID:       time.Now().UnixMilli(),
				Name:     args[0],
				Required: standardRequired,
			}
			if err := block.Validate(); err != nil {
				return err
			}
			eng.SetStandardBlocks(append(eng.StandardBlocks(), block))
			fmt.Printf("Added standard block %d: %s\n", block.ID, block.Name)
			return nil
		})
	},
}

var standardRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Remove a standard block template",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withEngine(cmd, func(eng *engine.Engine) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			standard := eng.StandardBlocks()
			kept := standard[:0]
			found := false
			for _, s := range standard {
				if s.ID == id {
					found = true
					continue
				}
				kept = append(kept, s)
			}
			if !found {
				return fmt.Errorf("no standard block with id %d", id)
			}
			eng.SetStandardBlocks(kept)
			fmt.Printf("Removed standard block %d\n", id)
			return nil
		})
	},
}

var standardListCmd = &cobra.Command{
	Use:   "list",
	Short: "List standard block templates",
	Run: func(cmd *cobra.Command, args []string) {
		withEngine(cmd, func(eng *engine.Engine) error {
			standard := eng.StandardBlocks()
			if len(standard) == 0 {
				fmt.Println(dimStyle.Render("No standard blocks."))
				return nil
			}
			printStandardBlocks(standard)
			return nil
		})
	},
}

func init() {
	standardAddCmd.Flags().BoolVar(&standardRequired, "required", false, "mark the template as required")

	standardCmd.AddCommand(standardAddCmd)
	standardCmd.AddCommand(standardRemoveCmd)
	standardCmd.AddCommand(standardListCmd)
	rootCmd.AddCommand(standardCmd)
}
