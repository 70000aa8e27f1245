package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/autopeer-io/devicekit/cmd/dkit/app/options"
	"github.com/autopeer-io/devicekit/internal/archive"
	"github.com/autopeer-io/devicekit/internal/notifier"
	"github.com/autopeer-io/devicekit/internal/pkg/metrics"
	"github.com/autopeer-io/devicekit/internal/restore"
	"github.com/autopeer-io/devicekit/internal/toolkit"
	"github.com/autopeer-io/devicekit/pkg/app"
	"github.com/autopeer-io/devicekit/pkg/log"
	"github.com/autopeer-io/devicekit/pkg/mqtt"
)

const (
	commandName = "dkit"
	commandDesc = `dkit detects attached iOS devices, moves them between normal, recovery
and DFU mode, verifies firmware images and supervises firmware restores.

Every option can also be set in a YAML config file (--config) or through
DKIT_* environment variables, e.g. DKIT_RESTORE_LOG_DIR.`

	notifierQoS       = 1
	disconnectTimeout = 5 * time.Second
)

// Version is set at build time.
var Version = "dev"

// serviceFactory builds the toolkit service for one command invocation.
type serviceFactory func(cfg *toolkit.Config, opts ...toolkit.Option) *toolkit.Service

func defaultServiceFactory(cfg *toolkit.Config, opts ...toolkit.Option) *toolkit.Service {
	return toolkit.New(*cfg, nil, log.Std(), opts...)
}

type cli struct {
	opts       *options.DkitOptions
	newService serviceFactory
}

// NewApp returns the dkit command tree.
func NewApp() *app.App {
	return newApp(defaultServiceFactory)
}

func newApp(factory serviceFactory) *app.App {
	c := &cli{opts: options.NewDkitOptions(), newService: factory}
	return app.NewApp(
		commandName,
		"Detect, transition and restore iOS devices",
		app.WithDescription(commandDesc),
		app.WithOptions(c.opts),
		app.WithDefaultValidArgs(),
		app.WithCommands(
			c.newListCommand(),
			c.newInfoCommand(),
			c.newRecoveryCommand(),
			c.newDFUCommand(),
			c.newIPSWCommand(),
			c.newFlashCommand(),
			c.newDiagCommand(),
			newVersionCommand(),
		),
	)
}

// session is the per-invocation wiring: the service plus the optional
// metrics endpoint, archive and progress notifier.
type session struct {
	service *toolkit.Service
	closers []func()
}

func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// open builds the session. observe attaches the restore observers configured
// by the s3 and mqtt options.
func (c *cli) open(ctx context.Context, observe bool) (*session, error) {
	cfg, err := c.opts.Config()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := log.Std()
	s := &session{}

	if c.opts.MetricsOptions.Enabled() {
		mctx, cancel := context.WithCancel(ctx)
		srv := metrics.NewServer(c.opts.MetricsOptions.Addr, logger)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := srv.Start(mctx); err != nil {
				logger.Error(err, "Metrics server stopped")
			}
		}()
		s.closers = append(s.closers, func() {
			cancel()
			<-done
		})
	}

	var observers []restore.Observer
	if observe && c.opts.S3Options.Enabled {
		provider, err := archive.NewMinIOProvider(c.opts.S3Options, logger)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to create archive provider: %w", err)
		}
		observers = append(observers, archive.NewArchiver(provider, c.opts.S3Options.Prefix, logger))
	}
	if observe && c.opts.MqttOptions.Enabled {
		n, closeFn, err := c.openNotifier(ctx, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		observers = append(observers, n)
		s.closers = append(s.closers, closeFn)
	}

	s.service = c.newService(cfg, toolkit.WithObservers(observers...))
	return s, nil
}

// openNotifier connects to the broker. An unreachable broker is not fatal:
// the restore runs and the events are dropped.
func (c *cli) openNotifier(ctx context.Context, logger log.Logger) (*notifier.Notifier, func(), error) {
	mo := c.opts.MqttOptions
	client, err := mqtt.NewClient(mo.ToClientConfig(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create mqtt client: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to start mqtt client: %w", err)
	}

	actx, cancel := context.WithTimeout(ctx, mo.ConnectTimeout)
	defer cancel()
	if err := client.AwaitConnection(actx); err != nil {
		logger.Warn("MQTT broker not reachable, progress events may be lost", "broker", mo.Broker, "error", err)
	}

	n := notifier.New(client, mo.TopicRoot, notifierQoS, logger)
	return n, func() {
		n.Close()
		dctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		client.Disconnect(dctx)
	}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCommand() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the dkit version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), map[string]string{"version": Version})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", commandName, Version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON.")
	return cmd
}
