package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/benaskins/coffer/internal/securestore"
)

// withStore loads config, opens the audited store for the CLI actor and
// runs fn with it.
func withStore(fn func(s *securestore.Store, h securestore.Handle) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	store, closeFn, err := openStore(cfg, "cli")
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(store, currentHandle())
}

func readValue(in io.Reader, fd int) (string, error) {
	if term.IsTerminal(fd) {
		fmt.Print("Enter value: ")
		b, err := term.ReadPassword(fd)
		if err != nil {
			return "", fmt.Errorf("reading value: %w", err)
		}
		fmt.Println()
		return string(b), nil
	}
	b, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return strings.TrimRight(string(b), "\n"), nil
}

var writeCmd = &cobra.Command{
	Use:   "write <key> [value]",
	Short: "Store an entry",
	Long:  "Store an entry. If value is omitted, reads from stdin (useful for piping).",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]

		var value string
		if len(args) == 2 {
			value = args[1]
		} else {
			v, err := readValue(os.Stdin, int(os.Stdin.Fd()))
			if err != nil {
				return err
			}
			value = v
		}

		return withStore(func(s *securestore.Store, h securestore.Handle) error {
			if err := s.Write(h, key, value); err != nil {
				return err
			}
			fmt.Printf("%s %s stored %s\n", okStyle.Render("✓"), keyStyle.Render(key),
				scopeLabel(h.Namespace(), h.Accessibility().Option()))
			return nil
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read <key>",
	Short: "Print an entry's value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s *securestore.Store, h securestore.Handle) error {
			val, ok, err := s.Read(h, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("entry %q not found in %s", args[0], h.Scope())
			}
			fmt.Println(val)
			return nil
		})
	},
}

var readAllCmd = &cobra.Command{
	Use:     "read-all",
	Short:   "List every entry in the namespace",
	Aliases: []string{"ls"},
	RunE: func(cmd *cobra.Command, args []string) error {
		showValues, _ := cmd.Flags().GetBool("values")
		return withStore(func(s *securestore.Store, h securestore.Handle) error {
			all, err := s.ReadAll(h)
			if err != nil && len(all) == 0 {
				return err
			}
			if err != nil {
				fmt.Fprintln(os.Stderr, errorStyle.Render("some entries could not be read: "+err.Error()))
			}

			if len(all) == 0 {
				fmt.Println("No entries stored", scopeLabel(h.Namespace(), h.Accessibility().Option()))
				return nil
			}

			keys := make([]string, 0, len(all))
			for k := range all {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			if showValues {
				fmt.Fprintln(w, "KEY\tVALUE")
				for _, k := range keys {
					fmt.Fprintf(w, "%s\t%s\n", k, all[k])
				}
			} else {
				fmt.Fprintln(w, "KEY")
				for _, k := range keys {
					fmt.Fprintln(w, k)
				}
			}
			return w.Flush()
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <key>",
	Short:   "Remove an entry",
	Aliases: []string{"rm"},
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s *securestore.Store, h securestore.Handle) error {
			if err := s.Delete(h, args[0]); err != nil {
				return err
			}
			fmt.Printf("%s %s deleted\n", okStyle.Render("✓"), keyStyle.Render(args[0]))
			return nil
		})
	},
}

var deleteAllCmd = &cobra.Command{
	Use:   "delete-all",
	Short: "Remove every entry in the namespace",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s *securestore.Store, h securestore.Handle) error {
			if err := s.DeleteAll(h); err != nil {
				return err
			}
			fmt.Printf("%s all entries deleted %s\n", okStyle.Render("✓"),
				scopeLabel(h.Namespace(), h.Accessibility().Option()))
			return nil
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Move entries from the legacy flat keychain service into the namespace",
	Long: "Copies every legacy entry matching --group and --accessibility into the namespace " +
		"and removes it from the legacy location. Run once per group/accessibility pair in use.",
	RunE: func(cmd *cobra.Command, args []string) error {
		legacy, _ := cmd.Flags().GetString("legacy-service")
		keep, _ := cmd.Flags().GetBool("keep")

		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if legacy == "" {
			legacy = cfg.LegacyService
		}
		store, closeFn, err := openStore(cfg, "cli")
		if err != nil {
			return err
		}
		defer closeFn()

		h := currentHandle()
		src := securestore.LegacySource(legacy, currentOptions())
		n, err := store.Migrate(h, src, !keep)
		if err != nil {
			return fmt.Errorf("migrated %d entries before failing: %w", n, err)
		}
		fmt.Printf("%s migrated %d entries from %s %s\n", okStyle.Render("✓"), n, src.Service,
			scopeLabel(h.Namespace(), h.Accessibility().Option()))
		return nil
	},
}

var rotateCmd = &cobra.Command{
	Use:   "rotate <key> <command>",
	Short: "Replace an entry with the output of a command",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s *securestore.Store, h securestore.Handle) error {
			if err := s.Rotate(h, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("%s %s rotated\n", okStyle.Render("✓"), keyStyle.Render(args[0]))
			return nil
		})
	},
}

func init() {
	readAllCmd.Flags().Bool("values", false, "Print values as well as keys")
	migrateCmd.Flags().String("legacy-service", "", "Legacy keychain service (default flutter_secure_storage_service)")
	migrateCmd.Flags().Bool("keep", false, "Leave legacy entries in place after copying")

	rootCmd.AddCommand(writeCmd, readCmd, readAllCmd, deleteCmd, deleteAllCmd, migrateCmd, rotateCmd)
}
