package app

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/autopeer-io/devicekit/pkg/apis/restore/v1alpha1"
	"github.com/autopeer-io/devicekit/pkg/app"
)

var recoveryActions = []string{"enter", "status", "kickout"}

type recoveryStatus struct {
	Mode       v1alpha1.Mode     `json:"mode"`
	Properties map[string]string `json:"properties,omitempty"`
}

func (c *cli) newRecoveryCommand() *cobra.Command {
	var (
		udid    string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:       "recovery enter|status|kickout",
		Short:     "Enter, inspect or leave recovery mode",
		ValidArgs: recoveryActions,
		Args:      cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := strings.ToLower(args[0])
			switch action {
			case "enter", "status", "kickout":
			default:
				return &app.ExitError{
					Code: app.ExitUsage,
					Err:  fmt.Errorf("unknown action %q, use one of: %s", args[0], strings.Join(recoveryActions, " | ")),
				}
			}

			s, err := c.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			switch action {
			case "enter":
				if err := s.service.Enter(ctx, udid); err != nil {
					return fail(cmd, jsonOut, app.ExitFailure, err)
				}
				return report(cmd, jsonOut, recoveryStatus{Mode: v1alpha1.ModeRecovery})
			case "kickout":
				if err := s.service.Kickout(ctx, udid); err != nil {
					return fail(cmd, jsonOut, app.ExitFailure, err)
				}
				return report(cmd, jsonOut, recoveryStatus{Mode: v1alpha1.ModeNormal})
			}

			// irecovery only answers for recovery and DFU; anything else goes
			// through the detector.
			st := recoveryStatus{Mode: v1alpha1.ModeUnknown}
			if rs, err := s.service.RecoveryStatus(ctx); err == nil && rs.Mode.Known() {
				st.Mode, st.Properties = rs.Mode, rs.Properties
			} else {
				st.Mode = s.service.Mode(ctx, udid)
			}
			if jsonOut {
				return printJSON(out, st)
			}
			fmt.Fprintf(out, "Mode: %s\n", st.Mode)
			keys := make([]string, 0, len(st.Properties))
			for k := range st.Properties {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(out, "  %s: %s\n", k, st.Properties[k])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&udid, "udid", "", "Device to act on; may be omitted when exactly one is attached.")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON.")
	return cmd
}

func report(cmd *cobra.Command, jsonOut bool, st recoveryStatus) error {
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), st)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Device is in %s mode.\n", st.Mode)
	return nil
}
