package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-i2p/sqlpool/lib/config"
	"github.com/go-i2p/sqlpool/lib/conn"
	"github.com/go-i2p/sqlpool/lib/metrics"
	"github.com/go-i2p/sqlpool/lib/pool"
	"github.com/go-i2p/sqlpool/version"
)

// session is a configured pool plus whatever serves alongside it.
type session struct {
	cfg    *config.Config
	pool   *pool.Pool
	server *http.Server
}

func (o *options) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.driver != "" {
		cfg.Backend.Driver = o.driver
	}
	if o.dsn != "" {
		cfg.Backend.DSN = o.dsn
	}
	if o.metricsListen != "" {
		cfg.Metrics.Listen = o.metricsListen
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (o *options) open() (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	b, err := cfg.OpenBackend()
	if err != nil {
		return nil, err
	}

	p := pool.New(b, cfg.PoolConfig())
	p.Subscribe(func(ev pool.Event) {
		attrs := []any{"type", string(ev.Type)}
		if ev.Conn != nil {
			attrs = append(attrs, "conn", ev.Conn.ID())
		}
		if ev.Type == pool.EventBreaker {
			attrs = append(attrs, "circuit", ev.Circuit.String())
		}
		if ev.Err != nil {
			attrs = append(attrs, "error", ev.Err)
		}
		o.logger.Debug("pool event", attrs...)
	})

	s := &session{cfg: cfg, pool: p}
	if cfg.Metrics.Listen != "" {
		if err := s.serveMetrics(o); err != nil {
			p.Close()
			return nil, err
		}
	}

	o.logger.Debug("pool ready",
		"driver", cfg.Backend.Driver,
		"pool", cfg.Pool.Name,
		"max_size", cfg.Pool.MaxSize)
	return s, nil
}

func (s *session) serveMetrics(o *options) error {
	reg := metrics.NewRegistry()
	if _, err := metrics.Register(reg, s.pool); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	s.server = &http.Server{
		Addr:              s.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.logger.Error("metrics server failed", "error", err)
		}
	}()
	o.logger.Info("serving metrics", "listen", s.cfg.Metrics.Listen)
	return nil
}

// close stops the metrics server and drains the pool.
func (s *session) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.server != nil {
		s.server.Shutdown(ctx)
	}
	return s.pool.End(ctx)
}

func newQueryCommand(opts *options) *cobra.Command {
	var parallel, repeat int

	cmd := &cobra.Command{
		Use:   "query SQL [ARGS...]",
		Short: "Run a statement through the pool",
		Long: `Run a statement through the pool, optionally from several workers at
once. The rows of the first execution are printed; later executions only
count towards the summary.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if parallel < 1 || repeat < 1 {
				return errors.New("--parallel and --repeat must be at least 1")
			}

			s, err := opts.open()
			if err != nil {
				return err
			}
			defer s.close()

			params := make([]any, 0, len(args)-1)
			for _, a := range args[1:] {
				params = append(params, a)
			}

			start := time.Now()
			first, err := runParallel(cmd.Context(), s.pool, parallel, repeat, args[0], params)
			if err != nil {
				return err
			}
			elapsed := time.Since(start)

			if first != nil {
				printResult(cmd, first)
			}
			stats := s.pool.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d statements in %s using %d connections (max %d)\n",
				parallel*repeat, elapsed.Round(time.Millisecond), stats.CreatedCount, stats.MaxSize)
			return nil
		},
	}

	cmd.Flags().IntVarP(&parallel, "parallel", "p", 1, "Number of concurrent workers")
	cmd.Flags().IntVarP(&repeat, "repeat", "r", 1, "Executions per worker")
	return cmd
}

// runParallel runs query repeat times from each of parallel workers and
// returns the first result to arrive. The first failure cancels the rest.
func runParallel(ctx context.Context, p *pool.Pool, parallel, repeat int, query string, params []any) (*conn.Result, error) {
	g, ctx := errgroup.WithContext(ctx)

	var (
		once  sync.Once
		first *conn.Result
	)
	for w := 0; w < parallel; w++ {
		g.Go(func() error {
			for i := 0; i < repeat; i++ {
				res, err := p.Query(ctx, query, params...)
				if err != nil {
					return err
				}
				once.Do(func() { first = res })
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return first, nil
}

func printResult(cmd *cobra.Command, res *conn.Result) {
	out := cmd.OutOrStdout()
	if len(res.Columns) == 0 {
		fmt.Fprintln(out, "OK")
		return
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.ToUpper(strings.Join(res.Columns, "\t")))
	for _, row := range res.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = formatValue(v)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	tw.Flush()
	fmt.Fprintf(out, "\n(%d rows)\n", res.Len())
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}

func newStatsCommand(opts *options) *cobra.Command {
	var warm int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Warm up the pool and print its statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.open()
			if err != nil {
				return err
			}
			defer s.close()

			n := warm
			if n <= 0 || n > s.cfg.Pool.MaxSize {
				n = s.cfg.Pool.MaxSize
			}
			if err := warmUp(cmd.Context(), s.pool, n); err != nil {
				return err
			}
			printStats(cmd, s.pool.Name(), s.pool.Stats())
			return nil
		},
	}

	cmd.Flags().IntVar(&warm, "warm", 0, "Connections to open and ping first (default: max_size)")
	return cmd
}

// warmUp checks out n connections at once, pings each and returns them.
func warmUp(ctx context.Context, p *pool.Pool, n int) error {
	conns := make([]*pool.Conn, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range conns {
		g.Go(func() error {
			c, err := p.Acquire(gctx)
			if err != nil {
				return err
			}
			conns[i] = c
			return c.Ping(gctx)
		})
	}
	err := g.Wait()

	for _, c := range conns {
		if c != nil {
			p.Release(c, c.Lost())
		}
	}
	return err
}

func printStats(cmd *cobra.Command, name string, st pool.Stats) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Pool:             %s\n", name)
	fmt.Fprintf(out, "Max Size:         %d\n", st.MaxSize)
	fmt.Fprintf(out, "Total:            %d\n", st.Total)
	fmt.Fprintf(out, "Idle:             %d\n", st.Idle)
	fmt.Fprintf(out, "In Use:           %d\n", st.InUse)
	fmt.Fprintf(out, "Waiting:          %d\n", st.Waiting)
	fmt.Fprintf(out, "Acquires:         %d (%d failed, %d timed out)\n", st.AcquireCount, st.AcquireFailed, st.TimeoutCount)
	fmt.Fprintf(out, "Created:          %d\n", st.CreatedCount)
	fmt.Fprintf(out, "Removed:          %d\n", st.RemovedCount)
	fmt.Fprintf(out, "Connect Failures: %d\n", st.ConnectFailures)
}

func newConfigCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration files",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [PATH]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK: %s pool %q, max %d connections\n",
				cfg.Backend.Driver, cfg.Pool.Name, cfg.Pool.MaxSize)
			return nil
		},
	}

	cmd.AddCommand(initCmd, checkCmd)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sqlpool version %s (%s)\n", version.Full(), version.Runtime())
		},
	}
}
