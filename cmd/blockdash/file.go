package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/simondcohen/scblockerdashboard/internal/backend"
)

// formPrompter asks for a backing file path with an interactive form.
type formPrompter struct{}

// PickFile implements backend.Prompter.
func (formPrompter) PickFile(ctx context.Context) (string, error) {
	var path string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Backing file for your time blocks").
			Description("The file is created if it does not exist. Leave empty to cancel.").
			Placeholder("~/blocks.json").
			Value(&path),
	))

	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return "", backend.ErrCancelled
		}
		return "", err
	}

	path = strings.TrimSpace(path)
	if path == "" {
		return "", backend.ErrCancelled
	}
	return expandHome(path), nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
		}
	}
	return path
}

var fileCmd = &cobra.Command{
	Use:   "file",
	Short: "Manage the backing file",
	Long: `Manage the registered backing file.

The registered file survives restarts: every blockdash invocation uses it
until it is cleared or replaced. Without a registered file the document
lives in the embedded database under the state directory.`,
}

var fileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the registered backing file",
	Run: func(cmd *cobra.Command, args []string) {
		reg, err := openRegistry()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer reg.Close()

		handle, ok, err := reg.GetContext(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if !ok {
			fmt.Println("No backing file registered.")
			return
		}

		fmt.Printf("File: %s\n", handle.Path)
		fmt.Printf("Registered: %s\n", handle.StoredAt.Local().Format("2006-01-02 15:04:05"))
		if backend.Verify(handle.Path, backend.AccessReadWrite) != backend.Granted {
			fmt.Println(failStyle.Render("Warning: the file is not writable from here"))
		}
	},
}

var fileSetCmd = &cobra.Command{
	Use:   "set [PATH]",
	Short: "Register a backing file, prompting when no path is given",
	Long: `Register PATH as the backing file and carry the current document
over into it. If the file already holds blocks, the two sets are merged.

Without PATH an interactive prompt asks for one.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var prompter backend.Prompter = formPrompter{}
		if len(args) == 1 {
			path := expandHome(args[0])
			prompter = backend.PrompterFunc(func(ctx context.Context) (string, error) {
				return path, nil
			})
		}

		// With no registered handle, engine startup itself prompts and
		// registers the file. With one, startup loads the old file and an
		// explicit change carries its content over to the new one.
		_, hadHandle := registeredHandle(cmd.Context())

		eng, cleanup, err := startEngine(cmd.Context(), prompter, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()

		if hadHandle {
			if err := eng.ChangeFile(cmd.Context()); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		if eng.FileName() == "" {
			fmt.Println("No file selected.")
			return
		}
		fmt.Printf("Backing file: %s\n", eng.FileName())
	},
}

var fileClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the registered backing file",
	Long: `Forget the registered backing file. The file itself is left in
place; future invocations fall back to the embedded database.`,
	Run: func(cmd *cobra.Command, args []string) {
		reg, err := openRegistry()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer reg.Close()

		if err := reg.ClearContext(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Backing file cleared.")
	},
}

func init() {
	fileCmd.AddCommand(fileShowCmd)
	fileCmd.AddCommand(fileSetCmd)
	fileCmd.AddCommand(fileClearCmd)
	rootCmd.AddCommand(fileCmd)
}
