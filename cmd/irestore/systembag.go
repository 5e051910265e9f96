package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dunhamsteve/iosprotect/systembag"
)

var systembagCmd = &cobra.Command{
	Use:   "systembag FILE",
	Short: "Open a systembag.kb file with the wipe key (IRESTORE_WIPE_KEY)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		wipeKey, err := cfg.WipeKeyBytes()
		if err != nil {
			return err
		}
		if wipeKey == nil {
			id, err := systembag.WipeID(f)
			if err != nil {
				return err
			}
			return fmt.Errorf("wipe key required: effaceable storage id %d", id)
		}
		deviceKey, err := cfg.DeviceKeyBytes()
		if err != nil {
			return err
		}

		kb, status, err := systembag.Open(f, wipeKey, deviceKey)
		if err != nil {
			return err
		}
		defer kb.Destroy()
		fmt.Fprintln(os.Stderr, "Keybag: SIGN check", status)
		if err := printKeybag(cmd.OutOrStdout(), kb); err != nil {
			return err
		}
		if deviceKey == nil {
			return errors.New("no device key, not unlocking")
		}
		if _, err := unlockKeybag(kb); err != nil {
			return err
		}
		return dumpJSON(cmd.OutOrStdout(), kb.ClearClassKeys())
	},
}

func init() {
	systembagCmd.Flags().StringVar(&passcodeHex, "passcode-key", "", "hex passcode key, skips derivation")
}
