package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/chazu/specter/deopt"
)

var encodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Pack a reason, action and debug id into a deoptimization code",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reasonName, _ := cmd.Flags().GetString("reason")
		actionName, _ := cmd.Flags().GetString("action")
		debugID, _ := cmd.Flags().GetInt("debug-id")

		reason, err := deopt.ParseReason(reasonName)
		if err != nil {
			return err
		}
		action, err := deopt.ParseAction(actionName)
		if err != nil {
			return err
		}
		code, err := deopt.Encode(reason, action, debugID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%#x\n", uint64(code))
		return nil
	},
}

var decodeCmd = &cobra.Command{
	Use:   "decode <code>",
	Short: "Unpack a deoptimization code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := strconv.ParseUint(args[0], 0, 64)
		if err != nil {
			return fmt.Errorf("invalid code %q: %w", args[0], err)
		}
		reason, action, debugID, err := deopt.Decode(deopt.Code(raw))
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "reason:      %s\n", reason)
		fmt.Fprintf(out, "action:      %s\n", action)
		fmt.Fprintf(out, "debugId:     %d\n", debugID)
		fmt.Fprintf(out, "invalidates: %t\n", action.DoesInvalidateCompilation())
		return nil
	},
}

func init() {
	encodeCmd.Flags().String("reason", "None", "deoptimization reason, e.g. BoundsCheckException")
	encodeCmd.Flags().String("action", "InvalidateRecompile", "deoptimization action, e.g. None")
	encodeCmd.Flags().Int("debug-id", 0, "debug id (32-bit signed)")
}
