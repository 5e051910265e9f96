// Command irestore lists and restores encrypted iOS backups and unlocks
// data protection keybags.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/awnumar/memguard"
	"github.com/google/logger"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dunhamsteve/iosprotect/internal/config"
)

var (
	v          = config.New()
	cfg        *config.Config
	configFile string
)

var rootCmd = &cobra.Command{
	Use:           "irestore",
	Short:         "Unlock iOS keybags and restore encrypted backups",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(v, configFile)
		if err != nil {
			return err
		}
		out := io.Discard
		if cfg.Verbose {
			out = os.Stderr
		}
		logger.Init("irestore", false, false, out)
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default is $HOME/.irestore.yaml)")
	flags.String("backup-root", "", "directory holding the backups")
	flags.String("device-key", "", "hex device key (0x835)")
	flags.BoolP("verbose", "v", false, "log to stderr")
	_ = v.BindPFlag("backup_root", flags.Lookup("backup-root"))
	_ = v.BindPFlag("device_key", flags.Lookup("device-key"))
	_ = v.BindPFlag("verbose", flags.Lookup("verbose"))

	rootCmd.AddCommand(listCmd, lsCmd, restoreCmd, keybagCmd, systembagCmd)
}

func main() {
	err := rootCmd.Execute()
	memguard.Purge()
	if err != nil {
		fmt.Fprintln(os.Stderr, "irestore:", err)
		os.Exit(1)
	}
}

func dumpJSON(w io.Writer, x interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(x)
}

// getpass returns the configured password, or prompts for one. The caller
// must Destroy the buffer.
func getpass(prompt string) (*memguard.LockedBuffer, error) {
	if cfg.Password != "" {
		return memguard.NewBufferFromBytes([]byte(cfg.Password)), nil
	}
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	return memguard.NewBufferFromBytes(pw), nil
}
