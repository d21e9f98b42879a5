package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wardenos/warden/internal/kernel/task"
	"github.com/wardenos/warden/internal/loader"
)

func newExecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec <manifest>...",
		Short: "Load the listed manifests, run until every task exits, print a report",
		Args:  cobra.MinimumNArgs(1),
		RunE:  execManifests,
	}
	cmd.Flags().Bool("trace", false, "emit per-syscall debug logs")
	cmd.Flags().Bool("bench", false, "print latency benchmarks after the run")
	return cmd
}

func execManifests(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := buildDaemon(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer d.close(context.Background())

	var results []*loader.Result
	for _, path := range args {
		res, err := d.loader.LoadFile(ctx, path)
		if err != nil {
			return err
		}
		results = append(results, res)
	}

	d.kernel.Start()

	done := make(chan struct{})
	go func() {
		d.kernel.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.kernel.Shutdown()
		<-done
	}

	trapped := 0
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tNAME\tSTATE\tEXIT\tTRAP")
	for _, res := range results {
		info, err := d.kernel.TaskInfo(task.ID(res.Instance.Task))
		if err != nil {
			continue
		}
		exit := "-"
		if info.ExitCode != nil {
			exit = fmt.Sprintf("%d", *info.ExitCode)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%v\n", info.ID, info.Name, info.State, exit, info.Trapped)
		if info.Trapped {
			trapped++
		}
	}
	w.Flush()

	if benchOn, _ := cmd.Flags().GetBool("bench"); benchOn && d.bench != nil {
		printBench(cmd, d)
	}
	if trapped > 0 {
		return fmt.Errorf("%d task(s) trapped", trapped)
	}
	return nil
}

func printBench(cmd *cobra.Command, d *daemon) {
	fmt.Fprintf(cmd.OutOrStdout(), "\nwall time: %s\n", d.bench.Uptime().Round(time.Millisecond))
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERIES\tCOUNT\tMEAN\tP50\tP95\tP99\tMAX")
	for _, s := range d.bench.Summaries() {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			s.Series, s.Count,
			ns(s.Mean), ns(s.P50), ns(s.P95), ns(s.P99), ns(s.Max))
	}
	w.Flush()
}

func ns(v float64) string {
	return time.Duration(v).Round(time.Microsecond).String()
}
