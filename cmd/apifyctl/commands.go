package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/paulgrammer/apifyjobs/internal/apify"
	"github.com/paulgrammer/apifyjobs/internal/cache"
	"github.com/paulgrammer/apifyjobs/internal/config"
	"github.com/spf13/cobra"
)

// cli carries what every subcommand shares.
type cli struct {
	stdin          io.Reader
	stdout, stderr io.Writer

	cfg        config.AppConfig
	client     *apify.Client
	closeCache func() error

	baseURL  string
	target   string
	family   string
	input    string
	sport    string
	books    []string
	markets  []string
	regions  []string
	interval time.Duration
	maxWait  time.Duration
	debug    bool
}

func newRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "apifyctl",
		Short:         "Run and inspect Apify actor and task runs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.closeCache != nil {
				return c.closeCache()
			}
			return nil
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&c.baseURL, "base-url", "", "API base URL (default from APIFY_BASE_URL)")
	flags.StringVar(&c.family, "family", "", "endpoint family: actor or task (default from APIFY_FAMILY)")
	flags.DurationVar(&c.interval, "interval", 0, "poll interval (default from APIFY_POLL_INTERVAL)")
	flags.DurationVar(&c.maxWait, "max-wait", 0, "give up polling after this long (default from APIFY_POLL_MAX_WAIT)")
	flags.BoolVar(&c.debug, "debug", false, "log requests to stderr")

	root.AddCommand(c.runCommand(), c.submitCommand(), c.statusCommand(), c.fetchCommand())
	return root
}

func (c *cli) addInputFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&c.target, "target", "", "actor or task id (default from APIFY_TARGET)")
	flags.StringVar(&c.input, "input", "", "JSON input file, or - for stdin")
	flags.StringVar(&c.sport, "sport", "", "sport key for the default sportsbook input")
	flags.StringSliceVar(&c.books, "bookmaker", nil, "bookmakers for the default sportsbook input")
	flags.StringSliceVar(&c.markets, "market", nil, "markets for the default sportsbook input")
	flags.StringSliceVar(&c.regions, "region", nil, "regions for the default sportsbook input")
}

func (c *cli) setup(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if c.baseURL != "" {
		cfg.Apify.BaseURL = c.baseURL
	}
	if c.family != "" {
		cfg.Apify.Family = c.family
	}
	if c.interval > 0 {
		cfg.Apify.PollInterval = c.interval
	}
	if c.maxWait > 0 {
		cfg.Apify.PollMaxWait = c.maxWait
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.cfg = cfg

	level := slog.LevelWarn
	if c.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(c.stderr, &slog.HandlerOptions{Level: level}))

	opts := []apify.Option{apify.WithConfig(cfg.Apify.ClientConfig(cfg.Cache.TTL)), apify.WithLogger(logger)}
	results, closeCache, err := cache.Open(ctx, cfg.Cache.Backend, cfg.Redis.CacheConfig())
	if err != nil {
		return err
	}
	c.closeCache = closeCache
	if results != nil {
		opts = append(opts, apify.WithResultCache(results))
	}
	c.client = apify.New(cfg.Apify.Token, opts...)
	return nil
}

func (c *cli) runCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a run, wait for it and print its dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := c.request()
			if err != nil {
				return err
			}
			items, err := c.client.RunJob(cmd.Context(), req, c.cfg.Apify.DefaultFamily(), apify.WithProgress(c.progress))
			if err != nil {
				return c.remoteError(err)
			}
			return c.print(items)
		},
	}
	c.addInputFlags(cmd)
	return cmd
}

func (c *cli) submitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Start a run and print its handle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := c.request()
			if err != nil {
				return err
			}
			handle, err := c.client.Submit(cmd.Context(), req.Target, c.cfg.Apify.DefaultFamily(), req.Input)
			if err != nil {
				return c.remoteError(err)
			}
			return c.print(handle)
		},
	}
	c.addInputFlags(cmd)
	return cmd
}

func (c *cli) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status RUN_ID",
		Short: "Poll a run until it finishes and print its final status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			handle := apify.JobHandle{ID: args[0], Family: c.cfg.Apify.DefaultFamily()}
			status, err := c.client.AwaitCompletion(cmd.Context(), handle, c.cfg.Apify.PollInterval, c.cfg.Apify.PollMaxWait,
				func(_ apify.JobStatus, raw string) {
					fmt.Fprintf(c.stderr, "%s %s\n", handle.ID, raw)
				})
			if err != nil {
				return c.remoteError(err)
			}
			return c.print(map[string]string{"id": handle.ID, "status": string(status)})
		},
	}
}

func (c *cli) fetchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch RUN_ID",
		Short: "Print the normalized dataset of a finished run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := c.client.FetchResult(cmd.Context(), apify.JobHandle{ID: args[0], Family: c.cfg.Apify.DefaultFamily()})
			if err != nil {
				return c.remoteError(err)
			}
			return c.print(items)
		},
	}
}

// request builds the job request from flags. An --input file wins over the
// sportsbook flags.
func (c *cli) request() (apify.JobRequest, error) {
	req := apify.JobRequest{Target: c.target}
	if req.Target == "" {
		req.Target = c.cfg.Apify.Target
	}

	if c.input != "" {
		var (
			raw []byte
			err error
		)
		if c.input == "-" {
			raw, err = io.ReadAll(c.stdin)
		} else {
			raw, err = os.ReadFile(c.input)
		}
		if err != nil {
			return req, fmt.Errorf("read input: %w", err)
		}
		if !json.Valid(raw) {
			return req, errors.New("input is not valid JSON")
		}
		req.Input = json.RawMessage(raw)
		return req, nil
	}

	input := apify.DefaultSportsbookInput()
	if c.sport != "" {
		input.Sport = c.sport
	}
	if len(c.books) > 0 {
		input.Bookmakers = c.books
	}
	if len(c.markets) > 0 {
		input.Markets = c.markets
	}
	if len(c.regions) > 0 {
		input.Regions = c.regions
	}
	req.Input = input
	return req, nil
}

func (c *cli) progress(p apify.Progress) {
	switch p.Stage {
	case apify.StageSubmitted:
		fmt.Fprintf(c.stderr, "submitted %s\n", p.Handle.ID)
	case apify.StagePolled:
		fmt.Fprintf(c.stderr, "%s %s\n", p.Handle.ID, p.RawStatus)
	case apify.StageCached:
		fmt.Fprintf(c.stderr, "served %d items from cache\n", p.Items)
	}
}

// remoteError writes the remote status code and raw body to stderr so a
// rejected request can be debugged without rerunning it.
func (c *cli) remoteError(err error) error {
	if code, body, ok := apify.RemoteDetails(err); ok {
		if code != 0 {
			fmt.Fprintf(c.stderr, "remote status: %d\n", code)
		}
		fmt.Fprintf(c.stderr, "remote body:\n%s\n", body)
	}
	return err
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
