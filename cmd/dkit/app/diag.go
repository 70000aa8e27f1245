package app

import (
	"fmt"
	"strings"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/autopeer-io/devicekit/pkg/app"
)

func (c *cli) newDiagCommand() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:       "diag usb",
		Short:     "Diagnose the host's device tooling",
		ValidArgs: []string{"usb"},
		Args:      cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != "usb" {
				return &app.ExitError{Code: app.ExitUsage, Err: fmt.Errorf("unknown diagnosis %q, use: usb", args[0])}
			}

			s, err := c.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			r, err := s.service.Diag(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), r)
			}

			out := cmd.OutOrStdout()
			table := uitable.New()
			table.MaxColWidth = maxColWidth
			table.AddRow("TOOL", "FOUND", "VERSION", "PATH")
			for _, t := range r.Tools {
				table.AddRow(t.Name, t.Found, orUnknown(t.Version), t.Path)
			}
			fmt.Fprintln(out, table)
			fmt.Fprintln(out)

			usb := uitable.New()
			usb.MaxColWidth = maxColWidth
			usb.AddRow("usb mode:", r.USB.Mode)
			if r.USB.Error != "" {
				usb.AddRow("usb error:", r.USB.Error)
			}
			if r.Service != nil {
				usb.AddRow("device service running:", r.Service.Running)
			}
			usb.AddRow("os:", r.Host.OS)
			if r.Host.DiskFree != "" {
				usb.AddRow("disk free:", r.Host.DiskFree)
			}
			fmt.Fprintln(out, usb)

			if len(r.Hints) > 0 {
				fmt.Fprintln(out)
				fmt.Fprintln(out, "Hints:")
				fmt.Fprintln(out, "  "+strings.Join(r.Hints, "\n  "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON.")
	return cmd
}
