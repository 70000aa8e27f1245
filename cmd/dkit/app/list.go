package app

import (
	"fmt"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
)

const maxColWidth = 60

func (c *cli) newListCommand() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List attached devices",
		Long:  "List devices in normal mode. Devices in recovery or DFU are shown by 'recovery status'.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			devices, err := s.service.List(cmd.Context())
			if err != nil {
				return fail(cmd, jsonOut, deviceExitCode(err), err)
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), devices)
			}
			if len(devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No devices found.")
				return nil
			}

			table := uitable.New()
			table.MaxColWidth = maxColWidth
			table.AddRow("UDID", "PRODUCT", "VERSION", "NAME", "MODE", "CONNECTION")
			for _, d := range devices {
				table.AddRow(d.UDID, orUnknown(d.ProductType), orUnknown(d.ProductVersion), orUnknown(d.DeviceName), d.Mode, d.Connection)
			}
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON.")
	return cmd
}

func (c *cli) newInfoCommand() *cobra.Command {
	var (
		udid    string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show the attributes of one device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			d, err := s.service.Info(cmd.Context(), udid)
			if err != nil {
				return fail(cmd, jsonOut, deviceExitCode(err), err)
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), d)
			}

			table := uitable.New()
			table.MaxColWidth = maxColWidth
			table.AddRow("udid:", d.UDID)
			table.AddRow("product_type:", orUnknown(d.ProductType))
			table.AddRow("product_version:", orUnknown(d.ProductVersion))
			table.AddRow("device_name:", orUnknown(d.DeviceName))
			table.AddRow("mode:", d.Mode)
			table.AddRow("connection:", d.Connection)
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}
	cmd.Flags().StringVar(&udid, "udid", "", "Device to query; may be omitted when exactly one is attached.")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON.")
	return cmd
}

func orUnknown(v string) string {
	if v == "" {
		return "?"
	}
	return v
}
