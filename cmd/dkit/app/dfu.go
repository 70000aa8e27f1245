package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/autopeer-io/devicekit/internal/transition"
	"github.com/autopeer-io/devicekit/pkg/app"
)

func (c *cli) newDFUCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dfu",
		Short: "DFU mode helpers",
	}
	cmd.AddCommand(c.newDFUGuideCommand())
	return cmd
}

func (c *cli) newDFUGuideCommand() *cobra.Command {
	var (
		model     string
		udid      string
		countdown bool
		wait      bool
		jsonOut   bool
	)
	cmd := &cobra.Command{
		Use:   "guide",
		Short: "Show the button sequence that puts a device into DFU mode",
		Long: `Show the button sequence that puts a device into DFU mode.

DFU cannot be entered by software. With --wait the command stays until the
device is observed in DFU mode or the transition timeout elapses.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if model == "" && udid == "" {
				return &app.ExitError{Code: app.ExitUsage, Err: fmt.Errorf("one of --model or --udid is required")}
			}

			s, err := c.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()
			ctx := cmd.Context()

			if model == "" {
				d, err := s.service.Info(ctx, udid)
				if err != nil {
					return fail(cmd, jsonOut, deviceExitCode(err), fmt.Errorf("cannot read the product type, pass --model: %w", err))
				}
				model = d.ProductType
			}
			guide, err := transition.LookupGuide(model)
			if err != nil {
				return fail(cmd, jsonOut, app.ExitUsage, err)
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), guide)
			}

			announce := func(ctx context.Context) error {
				return guide.Present(ctx, cmd.OutOrStdout(), countdown, nil)
			}
			if !wait {
				return announce(ctx)
			}
			if err := s.service.AwaitDFU(ctx, udid, announce); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Device is in DFU mode.")
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "Product type, e.g. iPhone12,8.")
	cmd.Flags().StringVar(&udid, "udid", "", "Read the product type from this device.")
	cmd.Flags().BoolVar(&countdown, "countdown", false, "Count down the timed steps.")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait until the device is observed in DFU mode.")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the sequence as JSON.")
	return cmd
}
