package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/fabricbench/cm"
	fi "github.com/rocketbitz/fabricbench/fi"
)

func newServerCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Listen for connection requests and accept them until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := opts.resolve(ctx, cmd)
			if err != nil {
				return err
			}
			rt, err := newRuntime(opts)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())
			return runServer(ctx, cmd.OutOrStdout(), rt, s)
		},
	}
}

func runServer(ctx context.Context, out io.Writer, rt *runtime, s settings) error {
	ln, err := cm.Listen(s.listenerConfig(s.Node, nil, rt))
	if err != nil {
		if ln != nil {
			_ = ln.Close()
		}
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()

	fmt.Fprintln(out, cm.DescribeRDMA(ln.Addr(), ln.Info()))
	rt.log.Infow("listening", "addr", ln.Addr().String(), "provider", s.Provider, "domain", s.Domain, "node_id", s.NodeID)

	err = ln.Start(ctx, func(p *cm.Peer) {
		rt.log.Infow("peer accepted", "seq", p.Seq, "fid", p.Endpoint.ID(), "peer", p.Info.DestAddr.String())
	})
	if err != nil {
		return err
	}
	err = ln.Join()
	if errors.Is(err, context.Canceled) {
		rt.log.Infow("server stopped", "accepted", ln.Registry().Len())
		return nil
	}
	return err
}

func newClientCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "client",
		Short: "Connect to a listening server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := opts.resolve(ctx, cmd)
			if err != nil {
				return err
			}
			rt, err := newRuntime(opts)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())
			return runClient(ctx, cmd.OutOrStdout(), rt, s)
		},
	}
}

func runClient(ctx context.Context, out io.Writer, rt *runtime, s settings) error {
	node := s.Node
	if node == "" {
		node = "127.0.0.1"
	}
	conn, err := cm.Connect(ctx, s.connectConfig(node, rt))
	if conn != nil {
		defer conn.Close()
	}
	if err != nil {
		rt.log.Errorw("connect failed", "error", err, "errno", int(fi.ErrnoOf(err)), "reason", cm.Reason(err))
		return err
	}
	fmt.Fprintln(out, cm.DescribeRDMA(conn.Info().DestAddr, conn.Info()))
	kv := []any{"fid", conn.Endpoint().ID(), "dest", conn.Info().DestAddr.String()}
	if mr := conn.Endpoint().MemoryRegion(); mr != nil {
		kv = append(kv, "mr_key", mr.Key(), "mr_size", mr.Size())
	}
	rt.log.Infow("connected", kv...)
	fmt.Fprintf(out, "connected to %s\n", conn.Info().DestAddr)
	return nil
}

func newSelftestCommand(opts *options) *cobra.Command {
	clients := 1
	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run a server and clients in one process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := opts.resolve(ctx, cmd)
			if err != nil {
				return err
			}
			if clients < 1 {
				return fmt.Errorf("clients must be at least 1, got %d", clients)
			}
			reader := sdkmetric.NewManualReader()
			provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
			defer provider.Shutdown(context.Background())
			otelMetrics, err := cm.NewOTelMetrics(cm.OTelMetricsOptions{MeterProvider: provider})
			if err != nil {
				return err
			}
			rt, err := newRuntime(opts, otelMetrics)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			out := cmd.OutOrStdout()
			if err := runSelftest(ctx, out, rt, s, clients); err != nil {
				return err
			}
			return printCounters(ctx, out, reader)
		},
	}
	cmd.Flags().IntVar(&clients, "clients", 1, "number of clients to connect")
	return cmd
}

func runSelftest(ctx context.Context, out io.Writer, rt *runtime, s settings, clients int) error {
	node := s.Node
	if node == "" {
		node = "127.0.0.1"
	}
	registry := cm.NewRegistry()
	ln, err := cm.Listen(s.listenerConfig(node, registry, rt))
	if err != nil {
		if ln != nil {
			_ = ln.Close()
		}
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()
	fmt.Fprintln(out, cm.DescribeRDMA(ln.Addr(), ln.Info()))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := ln.Serve(gctx, func(p *cm.Peer) {
			rt.log.Infow("peer accepted", "seq", p.Seq, "fid", p.Endpoint.ID())
		})
		if cm.IsShutdown(err) {
			return nil
		}
		return fmt.Errorf("accept: %w", err)
	})
	g.Go(func() error {
		defer cancel()
		for i := 0; i < clients; i++ {
			conn, err := cm.Connect(gctx, s.connectConfig(node, rt))
			if conn != nil {
				defer conn.Close()
			}
			if err != nil {
				return fmt.Errorf("client %d: %w", i+1, err)
			}
		}
		// The accept side registers a peer after its own CONNECTED event.
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for registry.Len() < clients {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-tick.C:
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tFID\tSTATE\tRDMA")
	for p := range registry.All() {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%t\n", p.Seq, p.Endpoint.ID(), p.State(), p.Info.SupportsRMA())
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "accepted %d peers\n", registry.Len())
	return nil
}

func printCounters(ctx context.Context, out io.Writer, reader *sdkmetric.ManualReader) error {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		return fmt.Errorf("collect metrics: %w", err)
	}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			fmt.Fprintf(out, "%s %d\n", m.Name, total)
		}
	}
	return nil
}

func newProvidersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List registered fabric providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listProviders(cmd.OutOrStdout())
		},
	}
}

func listProviders(out io.Writer) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tFABRIC\tDOMAIN\tENDPOINT\tRDMA")
	for _, name := range fi.Providers() {
		info, err := fi.Query(fi.WithProvider(name))
		if err != nil {
			fmt.Fprintf(tw, "%s\t-\t-\t-\t%s\n", name, cm.Reason(err))
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", name, info.Fabric, info.Domain, info.Endpoint, info.SupportsRMA())
	}
	return tw.Flush()
}
