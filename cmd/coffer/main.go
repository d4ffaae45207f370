package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "coffer",
	Short: "Namespaced secure key/value storage backed by the OS keychain",
}

var (
	configPath    string
	groupID       string
	accessibility string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.coffer/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&groupID, "group", "g", "", "Namespace (default secure_storage)")
	rootCmd.PersistentFlags().StringVarP(&accessibility, "accessibility", "a", "",
		"passcode, unlocked, unlocked_this_device, first_unlock or first_unlock_this_device (default unlocked)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}
}
