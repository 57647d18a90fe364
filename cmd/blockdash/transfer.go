package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/simondcohen/scblockerdashboard/internal/engine"
	"github.com/simondcohen/scblockerdashboard/internal/export"
	"github.com/simondcohen/scblockerdashboard/internal/schema"
)

var importBackup bool

var exportCmd = &cobra.Command{
	Use:   "export [FILE]",
	Short: "Export all blocks as JSONL",
	Long: `Write every block and standard block as JSONL, one record per
line, to FILE or standard output.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withEngine(cmd, func(eng *engine.Engine) error {
			doc := &schema.StorageDocument{
				Version:        schema.DocumentVersion,
				Blocks:         eng.Blocks(),
				StandardBlocks: eng.StandardBlocks(),
			}

			out := os.Stdout
			if len(args) == 1 {
				f, err := os.Create(args[0])
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer f.Close()
				out = f
			}

			if err := export.Write(out, doc); err != nil {
				return err
			}
			if len(args) == 1 {
				fmt.Fprintf(os.Stderr, "Exported %d block(s), %d standard block(s) to %s\n",
					len(doc.Blocks), len(doc.StandardBlocks), args[0])
			}
			return nil
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import blocks from JSONL",
	Long: `Import blocks from a JSONL export and merge them into the current
document. Imported records follow the same reconciliation rules as a
concurrent writer: collisions keep whichever side changed more recently,
and nothing already present is removed.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		f, err := os.Open(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()

		blocks, standard, result, err := export.Read(f)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		withEngine(cmd, func(eng *engine.Engine) error {
			if importBackup {
				if name := eng.FileName(); name != "" {
					backupPath, err := export.Backup(name)
					if err != nil {
						return err
					}
					fmt.Printf("Backup: %s\n", backupPath)
				}
			}

			current := &schema.StorageDocument{
				Version:        schema.DocumentVersion,
				Blocks:         eng.Blocks(),
				StandardBlocks: eng.StandardBlocks(),
			}
			merged := export.Merge(current, blocks, standard)

			eng.SetBlocks(merged.Blocks)
			eng.SetStandardBlocks(merged.StandardBlocks)

			fmt.Printf("Imported %d block(s), %d standard block(s)\n",
				result.BlocksImported, result.StandardImported)
			for _, msg := range result.Errors {
				fmt.Fprintf(os.Stderr, "Warning: %s\n", msg)
			}
			return nil
		})
	},
}

func init() {
	importCmd.Flags().BoolVar(&importBackup, "backup", false, "back up the backing file before importing")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
