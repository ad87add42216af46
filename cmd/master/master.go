package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/goodieshq/goclust/internal/config"
	"github.com/goodieshq/goclust/internal/master"
	"github.com/goodieshq/goclust/internal/metrics"
	"github.com/goodieshq/goclust/internal/transport"
	"github.com/goodieshq/goclust/internal/utils"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func main() {
	app := &cli.App{
		Name:  "goclust-master",
		Usage: "Issue commands to goclust slaves",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML config file",
				EnvVars: []string{config.EnvPrefix + "CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "ping",
				Usage:     "Ping one slave",
				ArgsUsage: "ADDRESS",
				Action:    ping,
			},
			{
				Name:   "ping-all",
				Usage:  "Register every configured node, then ping them all",
				Action: pingAll,
			},
			{
				Name:      "send",
				Usage:     "Send a local file to a slave",
				ArgsUsage: "ADDRESS LOCAL_FILE REMOTE_PATH",
				Action:    send,
			},
			{
				Name:      "fetch",
				Usage:     "Fetch a file from a slave",
				ArgsUsage: "ADDRESS REMOTE_PATH LOCAL_FILE",
				Action:    fetch,
			},
			{
				Name:      "exec",
				Usage:     "Run a command on a slave and print its output",
				ArgsUsage: "ADDRESS COMMAND [ARGS...]",
				Action:    execute,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("Master error")
	}
}

// setup loads the configuration and builds a client from it. The returned
// func writes the client's metrics and must run once the command is done.
func setup(c *cli.Context) (*master.Client, config.Config, func(), error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, cfg, nil, err
	}
	if err := utils.SetupLogger(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, cfg, nil, err
	}

	tlsConf, err := transport.ClientTLS(cfg.TLS)
	if err != nil {
		return nil, cfg, nil, fmt.Errorf("failed to configure tls: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Textfile != "" {
		m = metrics.New()
	}
	flush := func() {
		if err := m.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			log.Error().Err(err).Str("path", cfg.Metrics.Textfile).Msg("Failed to write metrics")
		}
	}

	client := master.NewClient(master.ClientOpts{
		TLS:         tlsConf,
		MagicLength: cfg.Protocol.MagicLength,
		Resync:      cfg.ResyncMode(),
		DialTimeout: utils.Ptr(cfg.Master.DialTimeout),
		MaxRate:     cfg.Master.MaxRateBytes,
		Metrics:     m,
	})
	return client, cfg, flush, nil
}

func args(c *cli.Context, n int) ([]string, error) {
	if c.NArg() < n {
		return nil, fmt.Errorf("expected arguments: %s", c.Command.ArgsUsage)
	}
	return c.Args().Slice(), nil
}

func ping(c *cli.Context) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}
	client, _, flush, err := setup(c)
	if err != nil {
		return err
	}
	defer flush()
	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := master.NewCluster(client).PingAddr(ctx, a[0]); err != nil {
		return err
	}
	log.Info().Str("address", a[0]).Msg("Slave is alive")
	return nil
}

func pingAll(c *cli.Context) error {
	client, cfg, flush, err := setup(c)
	if err != nil {
		return err
	}
	defer flush()
	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cluster := master.NewCluster(client)
	for _, node := range cfg.Master.Nodes {
		if err := cluster.AddNode(ctx, node); err != nil {
			return err
		}
	}
	if err := cluster.PingAll(ctx); err != nil {
		return err
	}
	log.Info().Strs("nodes", cluster.Nodes()).Msg("All nodes are alive")
	return nil
}

func send(c *cli.Context) error {
	a, err := args(c, 3)
	if err != nil {
		return err
	}
	client, _, flush, err := setup(c)
	if err != nil {
		return err
	}
	defer flush()
	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	f, err := os.Open(a[1])
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", a[1], err)
	}
	defer f.Close()

	conn, err := client.Connect(ctx, a[0])
	if err != nil {
		return err
	}
	conn, n, err := client.SendFile(ctx, conn, a[2], f)
	if err != nil {
		return err
	}
	log.Info().Str("path", a[2]).Str("size", utils.DisplayB(uint64(n))).Msg("File sent")
	return conn.Close()
}

func fetch(c *cli.Context) error {
	a, err := args(c, 3)
	if err != nil {
		return err
	}
	client, _, flush, err := setup(c)
	if err != nil {
		return err
	}
	defer flush()
	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	f, err := os.Create(a[2])
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", a[2], err)
	}
	defer f.Close()

	conn, err := client.Connect(ctx, a[0])
	if err != nil {
		return err
	}
	conn, n, err := client.FetchFile(ctx, conn, a[1], f)
	if err != nil {
		return err
	}
	log.Info().Str("path", a[1]).Str("size", utils.DisplayB(uint64(n))).Msg("File fetched")
	return conn.Close()
}

func execute(c *cli.Context) error {
	a, err := args(c, 2)
	if err != nil {
		return err
	}
	client, _, flush, err := setup(c)
	if err != nil {
		return err
	}
	defer flush()
	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conn, err := client.Connect(ctx, a[0])
	if err != nil {
		return err
	}
	conn, err = client.Exec(ctx, conn, strings.Join(a[1:], " "), os.Stdout)
	if err != nil {
		return err
	}
	return conn.Close()
}
