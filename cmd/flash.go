/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/allbin/probemon/internal/broadcast"
	"github.com/allbin/probemon/internal/flash"
	"github.com/allbin/probemon/internal/service"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"
)

const devicePollInterval = 250 * time.Millisecond

// flashCmd represents the flash command
var flashCmd = &cobra.Command{
	Use:   "flash --device <id> [--device <id>...] --image <file.hex>",
	Short: "Flash a firmware image onto one or more probes",
	Long: `Flash an Intel HEX image onto the targets behind one or more probes using
pyOCD. Capture of each probe is paused for the flash and resumed afterwards;
the tool output is stored in <log-dir>/<device-id>/<YYYY-MM-DD>.flash.log.

All devices are flashed in parallel. The command fails if any job fails.

Examples:
  probemon flash --device 000440112138 --image build/app.hex
  probemon flash -d 000440112138 -d 000440112139 -i app.hex --pack EFR32FG28.pack`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, _ := cmd.Flags().GetStringSlice("device")
		image, _ := cmd.Flags().GetString("image")
		pack, _ := cmd.Flags().GetString("pack")
		target, _ := cmd.Flags().GetString("target")
		frequency, _ := cmd.Flags().GetString("frequency")
		wait, _ := cmd.Flags().GetDuration("wait")
		quiet, _ := cmd.Flags().GetBool("quiet")

		if len(devices) == 0 {
			return fmt.Errorf("%w: at least one --device is required", flash.ErrValidation)
		}

		logger := pslog.Ctx(cmd.Context())
		svc, err := newService(cmd, logger)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return svc.Run(gctx)
		})
		g.Go(func() error {
			defer cancel()
			if err := waitForDevices(gctx, svc, devices, wait); err != nil {
				return err
			}

			reqs := make([]flash.Request, 0, len(devices))
			for _, id := range devices {
				reqs = append(reqs, flash.Request{
					DeviceID:  id,
					Image:     image,
					Pack:      pack,
					Target:    target,
					Frequency: frequency,
				})
			}
			return runFlash(gctx, svc, reqs, quiet)
		})
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(flashCmd)

	flashCmd.Flags().StringSliceP("device", "d", nil, "device ID to flash (repeatable)")
	flashCmd.Flags().StringP("image", "i", "", "Intel HEX image to flash")
	flashCmd.Flags().String("pack", "", "pack file name in the pack directory (default: matched by target family)")
	flashCmd.Flags().StringP("target", "t", "", "pyOCD target (default from flash.target)")
	flashCmd.Flags().StringP("frequency", "f", "", "SWD clock frequency (default from flash.frequency)")
	flashCmd.Flags().Duration("wait", 15*time.Second, "how long to wait for the devices to attach")
	flashCmd.Flags().BoolP("quiet", "q", false, "do not print flash tool output")
	_ = flashCmd.MarkFlagRequired("image")
}

// waitForDevices scans until every id is attached or the wait expires.
func waitForDevices(ctx context.Context, svc *service.Service, ids []string, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(devicePollInterval)
	defer ticker.Stop()
	for {
		if _, err := svc.Scan(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		var missing []string
		for _, id := range ids {
			if _, err := svc.Device(id); err != nil {
				missing = append(missing, id)
			}
		}
		if len(missing) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("devices not attached after %s: %v", wait, missing)
		case <-ticker.C:
		}
	}
}

// runFlash submits reqs, streams tool output and prints a summary.
func runFlash(ctx context.Context, svc *service.Service, reqs []flash.Request, quiet bool) error {
	sub, err := svc.Subscribe(broadcast.Filter{Kinds: []broadcast.Kind{broadcast.KindFlash}})
	if err != nil {
		return err
	}
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range sub.Events() {
			if !quiet {
				fmt.Printf("[%s] %s\n", ev.DeviceID, ev.Text)
			}
		}
	}()

	subs := svc.Flash(ctx, reqs)
	jobs := make([]flash.Job, len(subs))
	for i, s := range subs {
		jobs[i] = s.Job
		if s.Err != nil {
			continue
		}
		j, err := svc.WaitJob(ctx, s.Job.ID)
		if err != nil {
			sub.Close()
			<-printed
			return err
		}
		jobs[i] = j
	}
	sub.Close()
	<-printed

	failed := 0
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		if j.State != flash.JobSucceeded {
			failed++
		}
		rows = append(rows, []string{
			j.DeviceID,
			j.ID,
			string(j.State),
			j.Duration().Round(time.Millisecond).String(),
			j.Error,
		})
	}
	fmt.Println()
	fmt.Println(styledTable([]string{"Device", "Job", "State", "Duration", "Error"}, rows))

	if failed > 0 {
		return fmt.Errorf("%d of %d flash jobs failed", failed, len(jobs))
	}
	return nil
}
