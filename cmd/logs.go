/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/allbin/probemon/internal/logstore"
	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"
)

// logsCmd represents the logs command
var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Read and maintain stored device logs",
	Long: `Read the per-device, per-day log files written by probemon. These commands
work directly on the log directory and do not need a running daemon.

Use --flash on any subcommand to read the flash tool output stream instead
of the captured serial output.`,
}

var logsDevicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices that have stored logs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openLogStore(cmd)
		if err != nil {
			return err
		}
		ids, err := store.Devices()
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var logsDaysCmd = &cobra.Command{
	Use:   "days <device-id>",
	Short: "List the stored days of a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, stream, err := openLogStore(cmd)
		if err != nil {
			return err
		}
		days, err := store.Days(args[0], stream)
		if err != nil {
			return err
		}
		if len(days) == 0 {
			fmt.Printf("No %s logs for %s\n", stream, args[0])
			return nil
		}
		rows := make([][]string, 0, len(days))
		var total int64
		for _, d := range days {
			rows = append(rows, []string{d.Date, humanize.IBytes(uint64(d.Size))})
			total += d.Size
		}
		fmt.Println(styledTable([]string{"Day", "Size"}, rows))
		fmt.Printf("%d day(s), %s\n", len(days), humanize.IBytes(uint64(total)))
		return nil
	},
}

var logsTailCmd = &cobra.Command{
	Use:   "tail <device-id>",
	Short: "Print the last stored lines of a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("lines")
		store, stream, err := openLogStore(cmd)
		if err != nil {
			return err
		}
		lines, err := store.Tail(cmd.Context(), args[0], stream, n)
		if err != nil {
			return err
		}
		for _, l := range lines {
			printLine(store, l)
		}
		return nil
	},
}

var logsQueryCmd = &cobra.Command{
	Use:   "query <device-id>",
	Short: "Search stored lines of a device",
	Long: `Print stored lines of a device in order, optionally limited to a time range
and to lines containing a text (case-insensitive, escape codes ignored).

--from is inclusive and --to exclusive. Both accept RFC 3339, "2006-01-02
15:04:05" or a bare day "2006-01-02" in the log time zone.

Example:
  probemon logs query 000440112138 --from 2025-03-01 --to 2025-03-02 --contains "hard fault"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, stream, err := openLogStore(cmd)
		if err != nil {
			return err
		}
		q := logstore.Query{DeviceID: args[0], Stream: stream}
		q.Contains, _ = cmd.Flags().GetString("contains")
		q.Offset, _ = cmd.Flags().GetInt("offset")
		q.Limit, _ = cmd.Flags().GetInt("limit")

		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		if q.From, err = parseLogTime(from, store.Location()); err != nil {
			return fmt.Errorf("--from: %w", err)
		}
		if q.To, err = parseLogTime(to, store.Location()); err != nil {
			return fmt.Errorf("--to: %w", err)
		}

		return store.Scan(cmd.Context(), q, func(l logstore.Line) error {
			printLine(store, l)
			return nil
		})
	},
}

var logsShiftCmd = &cobra.Command{
	Use:   "shift <device-id> <duration>",
	Short: "Shift every stored timestamp of a device",
	Long: `Rewrite the stored timestamps of a device by a fixed duration, for logs
written while the clock or time zone was wrong. Each rewritten file keeps
its original as <file>.bak.

Today's file is skipped, since a running probemon may still be appending
to it. Pass --include-today once capture of the device is stopped.

Example:
  probemon logs shift 000440112138 -2h`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := time.ParseDuration(args[1])
		if err != nil {
			return err
		}
		store, stream, err := openLogStore(cmd)
		if err != nil {
			return err
		}
		before := time.Now()
		if includeToday, _ := cmd.Flags().GetBool("include-today"); includeToday {
			before = time.Time{}
		}
		n, err := store.ShiftTimestamps(args[0], stream, d, before)
		if err != nil {
			return err
		}
		fmt.Printf("Shifted %d file(s) of %s by %s\n", n, args[0], d)
		return nil
	},
}

var logsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete day files older than a retention period",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		if days <= 0 {
			return errors.New("--days must be positive")
		}
		store, _, err := openLogStore(cmd)
		if err != nil {
			return err
		}
		removed, err := store.Prune(time.Now(), days)
		for _, path := range removed {
			fmt.Println("removed", path)
		}
		if err != nil {
			return err
		}
		fmt.Printf("Removed %s file(s)\n", humanize.Comma(int64(len(removed))))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.AddCommand(logsDevicesCmd, logsDaysCmd, logsTailCmd, logsQueryCmd, logsShiftCmd, logsPruneCmd)

	logsCmd.PersistentFlags().Bool("flash", false, "use the flash tool output stream")
	logsCmd.PersistentFlags().Bool("seq", false, "print line sequence numbers")

	logsTailCmd.Flags().IntP("lines", "n", 50, "number of lines")

	logsQueryCmd.Flags().String("from", "", "first time to include")
	logsQueryCmd.Flags().String("to", "", "first time to exclude")
	logsQueryCmd.Flags().StringP("contains", "c", "", "only lines containing this text")
	logsQueryCmd.Flags().Int("offset", 0, "skip this many matching lines")
	logsQueryCmd.Flags().IntP("limit", "l", 0, "print at most this many lines (0 = all)")

	logsShiftCmd.Flags().Bool("include-today", false, "also rewrite today's file (capture must be stopped)")

	logsPruneCmd.Flags().Int("days", 0, "keep this many days")
}

var printSeq bool

func openLogStore(cmd *cobra.Command) (*logstore.Store, logstore.Stream, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, "", err
	}
	stream := logstore.StreamCapture
	if flash, _ := cmd.Flags().GetBool("flash"); flash {
		stream = logstore.StreamFlash
	}
	printSeq, _ = cmd.Flags().GetBool("seq")

	store := logstore.New(logstore.Options{
		Fs:       afero.NewOsFs(),
		Root:     cfg.Log.Root,
		Location: cfg.Log.Location(),
		Logger:   pslog.Ctx(cmd.Context()),
	})
	return store, stream, nil
}

func printLine(store *logstore.Store, l logstore.Line) {
	ts := l.Time.In(store.Location()).Format("2006-01-02 15:04:05.000")
	if printSeq {
		fmt.Printf("%s %s %s\n", ts, strconv.FormatUint(l.Seq, 10), l.Text)
		return
	}
	fmt.Printf("%s %s\n", ts, l.Text)
}

var logTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseLogTime parses a time flag. Empty means unbounded.
func parseLogTime(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range logTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
