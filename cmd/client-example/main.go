package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/aoserv/aoserv-client/internal/logging"
	"github.com/aoserv/aoserv-client/pkg/client"
	"github.com/aoserv/aoserv-client/pkg/config"
	"github.com/aoserv/aoserv-client/pkg/protocol"
	"github.com/aoserv/aoserv-client/pkg/schema"
)

var (
	configPath string
	pretty     bool
	watchDelay time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "aoserv-client",
	Short: "Query an AOServ master through the client cache",
	Long: `Reads AOServ tables through a cached connector and prints rows as JSON.

Masters and credentials come from --config (or $AOSERV_CONFIG) and AOSERV_*
environment variables, for example:

  AOSERV_MASTERS=localhost:4583 AOSERV_USERNAME=admin aoserv-client list servers

Tables: businesses, servers, dns_zones, dns_records, tickets.`,
	SilenceUsage: true,
}

var listCmd = &cobra.Command{
	Use:   "list <table>",
	Short: "Print every row of a table",
	Args:  cobra.ExactArgs(1),
	RunE:  runList,
}

var getCmd = &cobra.Command{
	Use:   "get <table> <key>",
	Short: "Print one row by primary key",
	Args:  cobra.ExactArgs(2),
	RunE:  runGet,
}

var invalidateCmd = &cobra.Command{
	Use:   "invalidate <ids>",
	Short: "Ask the master to invalidate tables by id, e.g. 3,4",
	Long: `Sends an invalidate request for each table id. The master answers with
the table and its dependents, which every listening client then drops from
its cache. The requested ids are echoed once every request succeeded.`,
	Args: cobra.ExactArgs(1),
	RunE: runInvalidate,
}

var watchCmd = &cobra.Command{
	Use:   "watch [table...]",
	Short: "Print a line whenever a table changes on the master",
	Long: `Keeps a cache listener connection open and prints one JSON line per
table invalidation, with the table's new row count. Bursts of changes within
--delay are reported once. Without arguments every table is watched.`,
	RunE: runWatch,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", false, "indent JSON output")
	watchCmd.Flags().DurationVar(&watchDelay, "delay", 250*time.Millisecond, "coalescing delay per table")

	rootCmd.AddCommand(listCmd, getCmd, invalidateCmd, watchCmd)
}

// connect loads configuration and returns a connector with every sample
// table bound.
func connect(listen bool) (*client.Connector, *schema.Tables, error) {
	cfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg.ListenCaches = listen
	cfg.Logging.Apply()

	conn, err := client.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	tables, err := schema.New(conn)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, tables, nil
}

func runList(cmd *cobra.Command, args []string) error {
	conn, tables, err := connect(false)
	if err != nil {
		return err
	}
	defer conn.Close()

	rows, err := listRows(cmd.Context(), tables, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), rows)
}

func runGet(cmd *cobra.Command, args []string) error {
	conn, tables, err := connect(false)
	if err != nil {
		return err
	}
	defer conn.Close()

	row, ok, err := getRow(cmd.Context(), tables, args[0], args[1])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: no row with key %s", args[0], args[1])
	}
	return printJSON(cmd.OutOrStdout(), row)
}

func runInvalidate(cmd *cobra.Command, args []string) error {
	ids, err := protocol.ParseTableList(args[0])
	if err != nil {
		return err
	}

	conn, _, err := connect(false)
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, id := range ids {
		if err := conn.InvalidateTable(cmd.Context(), id); err != nil {
			return fmt.Errorf("invalidate table %d: %w", id, err)
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), protocol.FormatTableList(ids))
	return nil
}

type watchEvent struct {
	Time  time.Time `json:"time"`
	Table string    `json:"table"`
	Rows  int       `json:"rows"`
}

func runWatch(cmd *cobra.Command, args []string) error {
	conn, tables, err := connect(true)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	names := args
	if len(names) == 0 {
		names = tableNames
	}

	out := cmd.OutOrStdout()
	events := make(chan watchEvent, 16)
	for _, name := range names {
		tbl, ok := tables.ByName(name)
		if !ok {
			return fmt.Errorf("unknown table %q", name)
		}
		remove, err := conn.Registry().AddListener(tbl.ID(), watchDelay, func(protocol.TableID) {
			n, err := countRows(ctx, tables, name)
			if err != nil {
				logging.Warn().Err(err).Str("table", name).Msg("count failed")
				return
			}
			select {
			case events <- watchEvent{Time: time.Now().UTC(), Table: name, Rows: n}:
			case <-ctx.Done():
			}
		})
		if err != nil {
			return err
		}
		defer remove()
	}

	logging.Info().Strs("tables", names).Msg("watching for changes")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if err := printJSON(out, ev); err != nil {
				return err
			}
		}
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
