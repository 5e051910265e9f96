package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dunhamsteve/iosprotect/keybag"
)

var (
	signedBlob  bool
	passcodeHex string
)

var keybagCmd = &cobra.Command{
	Use:   "keybag",
	Short: "Inspect and unlock raw keybag blobs",
}

var keybagInspectCmd = &cobra.Command{
	Use:   "inspect FILE",
	Short: "Decode a keybag and print its attributes and class keys",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kb, err := loadKeybag(args[0])
		if err != nil {
			return err
		}
		return printKeybag(cmd.OutOrStdout(), kb)
	},
}

var keybagUnlockCmd = &cobra.Command{
	Use:   "unlock FILE",
	Short: "Unlock a keybag and print the class keys as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kb, err := loadKeybag(args[0])
		if err != nil {
			return err
		}
		defer kb.Destroy()
		res, err := unlockKeybag(kb)
		if err != nil {
			return err
		}
		return dumpJSON(cmd.OutOrStdout(), map[string]interface{}{
			"uuid":       kb.UUIDString(),
			"type":       kb.Type.String(),
			"classKeys":  kb.ClearClassKeys(),
			"unresolved": res.Unresolved,
		})
	},
}

func init() {
	keybagCmd.PersistentFlags().BoolVar(&signedBlob, "signed", false, "FILE is a DATA/SIGN envelope")
	keybagUnlockCmd.Flags().StringVar(&passcodeHex, "passcode-key", "", "hex passcode key, skips derivation")
	keybagCmd.AddCommand(keybagInspectCmd, keybagUnlockCmd)
}

func loadKeybag(path string) (*keybag.Keybag, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	deviceKey, err := cfg.DeviceKeyBytes()
	if err != nil {
		return nil, err
	}
	if signedBlob {
		kb, status, err := keybag.FromSignedBlob(data, deviceKey)
		if err != nil {
			return nil, err
		}
		fmt.Fprintln(os.Stderr, "Keybag: SIGN check", status)
		return kb, nil
	}
	kb, err := keybag.Decode(data)
	if err != nil {
		return nil, err
	}
	if deviceKey != nil {
		kb.SetDeviceKey(deviceKey)
	}
	return kb, nil
}

func unlockKeybag(kb *keybag.Keybag) (*keybag.UnlockResult, error) {
	if passcodeHex != "" {
		pk, err := hex.DecodeString(passcodeHex)
		if err != nil {
			return nil, fmt.Errorf("passcode key: %w", err)
		}
		return kb.UnlockWithPasscodeKey(pk)
	}
	needsPasscode := false
	for _, ck := range kb.Keys {
		if ck.Wrap&keybag.WrapPasscode != 0 {
			needsPasscode = true
		}
	}
	if !needsPasscode {
		return kb.UnlockWithPasscodeKey(nil)
	}
	pw, err := getpass("Passcode: ")
	if err != nil {
		return nil, err
	}
	defer pw.Destroy()
	pk, err := kb.PasscodeKey(pw.Bytes())
	if err != nil {
		return nil, err
	}
	return kb.UnlockWithPasscodeKey(pk)
}

func printKeybag(w io.Writer, kb *keybag.Keybag) error {
	fmt.Fprintf(w, "Keybag type : %s keybag (%d)\n", kb.Type, uint32(kb.Type))
	fmt.Fprintf(w, "Keybag version : %d\n", kb.Version())
	fmt.Fprintf(w, "Keybag UUID : %s\n", kb.UUIDString())
	for tag, a := range kb.Attributes {
		if tag == "VERS" {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\n", tag, a)
	}
	fmt.Fprintln(w, "Class\tWRAP\tName")
	for _, id := range kb.ClassIDs() {
		ck := kb.Keys[id]
		fmt.Fprintf(w, "%d\t%s\t%s\n", id, ck.Wrap, keybag.ClassName(id))
	}
	for _, warning := range kb.Warnings {
		fmt.Fprintln(w, "warning:", warning)
	}
	return nil
}
