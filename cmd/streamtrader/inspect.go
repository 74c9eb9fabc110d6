package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"btcstream/internal/model"
	"btcstream/internal/portfolio"
	redisstore "btcstream/internal/store/redis"
	sqlitestore "btcstream/internal/store/sqlite"
)

var snapshotSource string

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print the latest ledger snapshot",
	Long: `Print the latest ledger snapshot with its derived summary.

Sources:
  file    the JSON file written on shutdown (default)
  sqlite  the ledger_snapshots table
  redis   the <prefix>:ledger:latest key`,
	Args: cobra.NoArgs,
	RunE: runSnapshot,
}

var tradesLimit int

var tradesCmd = &cobra.Command{
	Use:   "trades",
	Short: "List closed trades from the SQLite journal, newest first",
	Args:  cobra.NoArgs,
	RunE:  runTrades,
}

var (
	eventsKind   string
	eventsCount  int64
	eventsFollow bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent engine events from Redis, optionally following live ones",
	Args:  cobra.NoArgs,
	RunE:  runEvents,
}

func init() {
	snapshotCmd.Flags().StringVar(&snapshotSource, "source", "file", "file, sqlite or redis")
	tradesCmd.Flags().IntVarP(&tradesLimit, "limit", "n", 20, "number of trades to show")
	eventsCmd.Flags().StringVarP(&eventsKind, "kind", "k", string(model.EventPositionClosed), "event stream to read")
	eventsCmd.Flags().Int64VarP(&eventsCount, "count", "n", 20, "number of recent events")
	eventsCmd.Flags().BoolVarP(&eventsFollow, "follow", "f", false, "keep printing live events")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var (
		data []byte
		err  error
	)
	switch snapshotSource {
	case "file":
		data, err = os.ReadFile(cfg.SnapshotPath)
	case "sqlite":
		var st *sqlitestore.Store
		st, err = sqlitestore.Open(sqlitestore.Config{DBPath: cfg.SQLitePath}, quietLogger())
		if err != nil {
			return err
		}
		defer st.Close()
		data, err = st.ReadLatestSnapshotJSON(ctx)
	case "redis":
		var pub *redisstore.Publisher
		pub, err = openRedis()
		if err != nil {
			return err
		}
		defer pub.Close()
		data, err = pub.ReadLatestSnapshotJSON(ctx)
	default:
		return fmt.Errorf("unknown source %q", snapshotSource)
	}
	if err != nil {
		return err
	}
	if data == nil {
		return fmt.Errorf("no snapshot in %s", snapshotSource)
	}

	snap, err := portfolio.DecodeSnapshot(data)
	if err != nil {
		return err
	}
	ledger, err := portfolio.FromSnapshot(snap, portfolio.Config{
		InitialCapital: snap.InitialCapital,
		Limits:         cfg.Trading.Risk,
	}, quietLogger())
	if err != nil {
		return err
	}

	out := struct {
		Time    time.Time         `json:"time"`
		Summary portfolio.Summary `json:"summary"`
		Open    []model.Position  `json:"open_positions"`
	}{Time: snap.Time, Summary: ledger.Summary(), Open: snap.OpenPositions}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runTrades(cmd *cobra.Command, args []string) error {
	st, err := sqlitestore.Open(sqlitestore.Config{DBPath: cfg.SQLitePath}, quietLogger())
	if err != nil {
		return err
	}
	defer st.Close()

	trades, err := st.Trades(cmd.Context(), tradesLimit)
	if err != nil {
		return err
	}
	if len(trades) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no closed trades")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TRADE\tSTATUS\tENTRY\tEXIT\tSIZE\tPNL\tPNL%\tHELD\tREASON")
	for _, p := range trades {
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%.2f\t%.6f\t%.2f\t%.2f\t%s\t%s\n",
			p.TradeID, p.Status, p.EntryPrice, p.ExitPrice, p.Size,
			p.RealizedPnL, p.RealizedPnLPct, p.Duration(p.ExitTime).Round(time.Second), p.ExitReason)
	}
	return w.Flush()
}

func runEvents(cmd *cobra.Command, args []string) error {
	pub, err := openRedis()
	if err != nil {
		return err
	}
	defer pub.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := redisstore.NewReader(pub.Client(), cfg.Redis.Prefix, quietLogger())
	recent, err := r.Recent(ctx, model.EventKind(eventsKind), eventsCount)
	if err != nil {
		return err
	}
	for _, ev := range recent {
		printEvent(cmd, ev)
	}
	if !eventsFollow {
		return nil
	}

	ch := make(chan model.Event, 64)
	errc := make(chan error, 1)
	go func() { errc <- r.Subscribe(ctx, ch) }()
	for {
		select {
		case ev := <-ch:
			printEvent(cmd, ev)
		case err := <-errc:
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func printEvent(cmd *cobra.Command, ev model.Event) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s  %-20s %s\n", ev.Time.Format(time.RFC3339), ev.Kind, ev.Payload)
}

func openRedis() (*redisstore.Publisher, error) {
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis is not configured (set REDIS_ADDR)")
	}
	return redisstore.New(redisstore.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
	}, quietLogger())
}
