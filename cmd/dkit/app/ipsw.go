package app

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/autopeer-io/devicekit/internal/firmware"
	"github.com/autopeer-io/devicekit/internal/pkg/errdefs"
	"github.com/autopeer-io/devicekit/pkg/app"
)

func (c *cli) newIPSWCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ipsw",
		Short: "Firmware image helpers",
	}
	cmd.AddCommand(c.newIPSWVerifyCommand())
	return cmd
}

func (c *cli) newIPSWVerifyCommand() *cobra.Command {
	var (
		hash     string
		products []string
		jsonOut  bool
	)
	cmd := &cobra.Command{
		Use:   "verify <image.ipsw>",
		Short: "Check a firmware image without touching any device",
		Long: `Check a firmware image without touching any device.

Exit status is 0 for a valid image, 2 when the image fails validation and 1
for any other error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			img, err := s.service.Verify(cmd.Context(), args[0], firmware.ValidateOptions{
				ExpectedHash:       hash,
				ExpectedProductIDs: products,
			})
			if jsonOut && img != nil {
				if perr := printJSON(cmd.OutOrStdout(), img); perr != nil {
					return perr
				}
				if err != nil {
					return &app.ExitError{Code: errdefs.ExitCode(err), Err: err, Silent: true}
				}
				return nil
			}
			if err != nil {
				return fail(cmd, jsonOut, errdefs.ExitCode(err), err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "OK %s\n", img.Path)
			fmt.Fprintf(out, "  size:   %s\n", humanize.Bytes(uint64(img.Size)))
			fmt.Fprintf(out, "  sha1:   %s\n", img.SHA1)
			fmt.Fprintf(out, "  sha256: %s\n", img.SHA256)
			if m := img.Manifest; m != nil {
				fmt.Fprintf(out, "  build:  %s (%s)\n", m.ProductVersion, m.BuildVersion)
				fmt.Fprintf(out, "  products: %s\n", strings.Join(m.ProductTypes, ", "))
			}
			if img.ManifestWarning != "" {
				fmt.Fprintf(out, "  warning: %s\n", img.ManifestWarning)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&hash, "sha", "", "Expected SHA-1 or SHA-256 digest (hex).")
	cmd.Flags().StringSliceVar(&products, "product", nil, "Product types the image must support, e.g. iPhone12,8.")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON.")
	return cmd
}
