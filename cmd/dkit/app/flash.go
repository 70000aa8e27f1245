package app

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/autopeer-io/devicekit/internal/pkg/errdefs"
	"github.com/autopeer-io/devicekit/internal/restore"
	"github.com/autopeer-io/devicekit/pkg/apis/restore/v1alpha1"
	"github.com/autopeer-io/devicekit/pkg/app"
)

type flashFlags struct {
	udid          string
	ipsw          string
	latest        bool
	wipe          bool
	dryRun        bool
	preflightOnly bool
	timeout       time.Duration
	hash          string
	products      []string
	jsonOut       bool
}

func (c *cli) newFlashCommand() *cobra.Command {
	f := &flashFlags{wipe: true}
	cmd := &cobra.Command{
		Use:   "flash --ipsw <image.ipsw>",
		Short: "Restore firmware onto a device",
		Long: `Restore firmware onto a device.

The image is validated first. --preflight-only stops after validation,
--dry-run also prints the restore command without running it. Exit status is
0 on success, 2 when validation fails and 1 for any other failure.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runFlash(cmd, f)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&f.udid, "udid", f.udid, "Device to restore; may be omitted when exactly one is attached.")
	fs.StringVar(&f.ipsw, "ipsw", f.ipsw, "Path to the firmware image.")
	fs.BoolVar(&f.latest, "latest", f.latest, "Download the latest firmware (not supported).")
	fs.BoolVar(&f.wipe, "wipe", f.wipe, "Erase the device. --wipe=false requests an update restore that keeps user data.")
	fs.BoolVar(&f.dryRun, "dry-run", f.dryRun, "Validate and print the restore command without running it.")
	fs.BoolVar(&f.preflightOnly, "preflight-only", f.preflightOnly, "Validate only.")
	fs.DurationVar(&f.timeout, "timeout", f.timeout, "Override --restore.timeout for this run.")
	fs.StringVar(&f.hash, "sha", f.hash, "Expected SHA-1 or SHA-256 digest of the image (hex).")
	fs.StringSliceVar(&f.products, "product", f.products, "Product types the image must support; defaults to the device's own.")
	fs.BoolVar(&f.jsonOut, "json", f.jsonOut, "Print the restore result as JSON.")
	return cmd
}

func (c *cli) runFlash(cmd *cobra.Command, f *flashFlags) error {
	switch {
	case f.latest:
		return fail(cmd, f.jsonOut, errdefs.ExitValidation,
			errdefs.NewValidation(errdefs.Unsupported, "", "--latest is not supported, pass --ipsw"))
	case f.ipsw == "":
		return fail(cmd, f.jsonOut, errdefs.ExitValidation,
			errdefs.NewValidation(errdefs.NotFound, "", "--ipsw is required"))
	}

	s, err := c.open(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.service.Flash(cmd.Context(), f.udid, f.ipsw, restore.Options{
		Wipe:               f.wipe,
		DryRun:             f.dryRun,
		PreflightOnly:      f.preflightOnly,
		Timeout:            f.timeout,
		ExpectedHash:       f.hash,
		ExpectedProductIDs: f.products,
	})
	if res == nil {
		return fail(cmd, f.jsonOut, errdefs.ExitCode(err), err)
	}

	code := errdefs.ExitCode(err)
	if err == nil && res.Status != v1alpha1.StatusSuccess {
		code = errdefs.ExitFailure
		err = fmt.Errorf("restore finished with status %s", res.Status)
	}

	if f.jsonOut {
		if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
			return perr
		}
	} else {
		printSummary(cmd, res)
	}
	if code == app.ExitOK {
		return nil
	}
	return &app.ExitError{Code: code, Err: err, Silent: f.jsonOut}
}

func printSummary(cmd *cobra.Command, res *v1alpha1.RestoreResult) {
	out := cmd.OutOrStdout()
	for _, s := range res.Steps {
		mark := "ok"
		if !s.OK {
			mark = "FAILED"
		}
		if s.Message != "" {
			fmt.Fprintf(out, "  %-11s %-6s %s\n", s.Name, mark, s.Message)
		} else {
			fmt.Fprintf(out, "  %-11s %s\n", s.Name, mark)
		}
	}
	fmt.Fprintf(out, "Status: %s | Log: %s | %.1fs\n", res.Status, res.LogFile, res.DurationSec)
}
