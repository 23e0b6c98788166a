package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tropx/fleet/internal/config"
	"github.com/tropx/fleet/internal/scanner"
	"github.com/tropx/fleet/internal/state"
	"github.com/tropx/fleet/internal/transport/goble"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for TropX sensors",
	Long: `Run one discovery burst and print every TropX sensor in range.

Advertisements that do not match the configured sensor name patterns or fall
below the RSSI floor are ignored.`,
	RunE: runScan,
}

var scanWindow time.Duration

func init() {
	scanCmd.Flags().DurationVarP(&scanWindow, "window", "w", 0, "Scan window (default from config)")
}

func runScan(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if scanWindow > 0 {
		cfg.Scanner.ActiveWindow = scanWindow
	}

	tr, err := goble.New(logger)
	if err != nil {
		return fmt.Errorf("failed to open BLE transport: %w", err)
	}
	defer tr.Close()

	store := state.NewStore(logger)
	sched, err := scanner.New(tr, store, scanner.Options{
		ActiveWindow:       cfg.Scanner.ActiveWindow,
		IdleGap:            cfg.Scanner.IdleGap,
		MinRestartInterval: cfg.Scanner.MinRestartInterval,
		RSSIFloor:          cfg.Scanner.RSSIFloor,
		NamePatterns:       cfg.Scanner.NamePatterns,
	}, logger)
	if err != nil {
		return err
	}
	defer sched.Close()

	fmt.Printf("Scanning for %s...\n", cfg.Scanner.ActiveWindow)
	devices, err := sched.Scan(cmd.Context())
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		color.Yellow("No sensors found")
		return nil
	}

	printDeviceTable(devices)
	return nil
}

func printDeviceTable(devices []state.Record) {
	bold := color.New(color.Bold)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	bold.Fprintln(w, "ADDRESS\tNAME\tRSSI\tSTATE")
	for _, d := range devices {
		rssi := color.GreenString("%d", d.RSSI)
		if d.RSSI < -70 {
			rssi = color.RedString("%d", d.RSSI)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Address, d.Name, rssi, d.State)
	}
	w.Flush()

	fmt.Printf("\n%d sensor(s) found\n", len(devices))
}
