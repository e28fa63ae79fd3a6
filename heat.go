/*
Heat solves the 2D heat diffusion benchmark on a grid split into horizontal
bands, one band per worker.

	heat -local 4                      all workers in this process
	heat -config job.json -rank 2      one worker of a cluster job
	heat -config job.json -deploy      rank 0, starting the others over ssh

The first worker prints the number of steps, the elapsed time and the
approximate throughput. The exit status is 0 when the run converged or hit
its step bound, 1 on a configuration error or an aborted job.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dashaylan/HiveStencil/comm"
	"github.com/dashaylan/HiveStencil/configs"
	"github.com/dashaylan/HiveStencil/ipc"
	"github.com/dashaylan/HiveStencil/stencil"
	"github.com/dashaylan/HiveStencil/tipc"
)

// how long a cluster worker waits for its peers to come up
const connectTimeout = time.Minute

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("heat", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "configuration file (.json, .yaml)")
	rank := fs.Int("rank", 0, "rank of this worker in the cluster")
	local := fs.Int("local", 0, "run this many workers in-process")
	deploy := fs.Bool("deploy", false, "start ranks 1..N-1 over ssh, then run rank 0")
	logLevel := fs.String("log-level", "", "debug, info, warn or error; overrides the configuration")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg := configs.Config{Params: configs.DefaultParams()}
	if *configPath != "" {
		var err error
		if cfg, err = configs.ReadConfig(*configPath); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}
	if *logLevel != "" {
		cfg.Params.LogLevel = *logLevel
	}
	level, err := configs.ParseLevel(cfg.Params.LogLevel)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch {
	case *local > 0:
		err = runLocal(ctx, cfg.Params, *local, logger, stdout)
	case *configPath == "":
		err = errors.New("heat: -config is required unless -local is given")
	case *deploy && *rank != 0:
		err = errors.New("heat: -deploy runs on rank 0 only")
	default:
		err = runCluster(ctx, cfg, *rank, *deploy, logger, stdout)
	}
	if err != nil {
		logger.Error("heat failed", slog.Any("error", err))
		return 1
	}
	return 0
}

// runLocal runs every worker of the job in this process over tipc.
func runLocal(ctx context.Context, p configs.Params, n int, logger *slog.Logger, out io.Writer) error {
	if err := p.Validate(n); err != nil {
		return err
	}
	var g errgroup.Group
	for _, ep := range tipc.NewMesh(n) {
		g.Go(func() error {
			return drone(ctx, ep, p, logger.With(slog.Int("rank", ep.Rank())), out)
		})
	}
	return g.Wait()
}

// runCluster runs one worker of a job spread over the cluster nodes.
func runCluster(ctx context.Context, cfg configs.Config, rank int, deploy bool, logger *slog.Logger, out io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	n := cfg.Workers()
	if rank < 0 || rank >= n {
		return fmt.Errorf("heat: rank %d outside a cluster of %d nodes", rank, n)
	}
	logger = logger.With(slog.Int("rank", rank))

	if deploy {
		started, err := ipc.StartNodes(ctx, cfg.Cluster, ipc.DeployOptions{Logger: logger})
		logger.Info("deployment done", slog.Int("started", started), slog.Int("nodes", n-1))
		if err != nil {
			return err
		}
	}

	addrs := make([]string, n)
	for r, node := range cfg.Cluster.Nodes {
		addrs[r] = node.Address
	}
	_, port, err := net.SplitHostPort(addrs[rank])
	if err != nil {
		return fmt.Errorf("heat: node %d address: %w", rank, err)
	}
	opts := []ipc.Option{ipc.WithLogger(logger)}
	if prefix := cfg.Params.VectorLog; prefix != "" {
		f, err := os.Create(vectorLogPath(prefix, rank))
		if err != nil {
			return fmt.Errorf("heat: vector log: %w", err)
		}
		defer f.Close()
		opts = append(opts, ipc.WithCodec(ipc.NewVectorClockCodec(rank, f, ipc.MsgpackCodec{})))
	}
	t, err := ipc.Listen(rank, n, ":"+port, opts...)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := t.Connect(cctx, addrs); err != nil {
		t.Close()
		return err
	}
	return drone(ctx, t, cfg.Params, logger, out)
}

// vectorLogPath is the vector clock log of worker rank.
func vectorLogPath(prefix string, rank int) string {
	return fmt.Sprintf("%s-rank%d.log", prefix, rank)
}

// drone runs one worker to completion on transport t.
func drone(ctx context.Context, t ipc.Transport, p configs.Params, logger *slog.Logger, out io.Writer) error {
	level, err := stencil.RequiredLevel(p.Exchange)
	if err != nil {
		t.Close()
		return err
	}
	c, err := comm.New(t, level, comm.WithLogger(logger))
	if err != nil {
		t.Close()
		return err
	}
	defer c.Close()

	w, err := stencil.NewWorker(c, p, stencil.WithLogger(logger))
	if err != nil {
		return c.Abort(err)
	}
	if p.Display {
		if c.Rank() == 0 {
			fmt.Fprintln(out, "# init:")
		}
		if err := w.Dump(ctx, out); err != nil {
			return c.Abort(err)
		}
	}

	res, err := w.Run(ctx)
	if err != nil {
		return err
	}
	if c.Rank() == 0 {
		s := w.Summary(res)
		logger.Info("summary", slog.Any("run", s))
		if _, err := s.WriteTo(out); err != nil {
			return err
		}
	}
	if p.Display {
		if err := w.Dump(ctx, out); err != nil {
			return c.Abort(err)
		}
	}
	return nil
}
