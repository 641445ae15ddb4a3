package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"j1939-core/utils"
)

const (
	flagInterface   = "iface"
	flagTable       = "table"
	flagLogFile     = "log"
	flagLevel       = "level"
	flagAddress     = "address"
	flagDestination = "destination"
	flagQueue       = "queue"
	flagCSV         = "csv"
	flagCBOR        = "cbor"
	flagMonitor     = "monitor"
	flagDiscovery   = "discovery"
)

var rootCmd = &cobra.Command{
	Use:          "j1939-listener",
	Short:        "Decode SAE J1939 signals from a CAN bus",
	Long:         "Listens on a SocketCAN interface, reassembles transport-protocol messages,\ndecodes registered PGNs into engineering-unit readings and periodically\nrequests the PGNs of interest.",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	pf := rootCmd.Flags()
	pf.StringP(flagInterface, "i", "can0", "SocketCAN interface name")
	pf.StringP(flagTable, "t", "config/j1939_parameters.csv", "PGN parameter database (csv)")
	pf.String(flagLogFile, "j1939_listener.log", "log file path")
	pf.String(flagLevel, "info", "trace|debug|info|warn|error|critical")
	pf.Uint8(flagAddress, 0xF9, "node source address")
	pf.Uint8(flagDestination, 0x00, "request destination address (0xFF = broadcast)")
	pf.Int(flagQueue, 256, "reading queue capacity, oldest dropped when full")
	pf.String(flagCSV, "", "write decoded readings to this csv file")
	pf.String(flagCBOR, "", "write decoded readings to this cbor file")
	pf.Bool(flagMonitor, false, "print decoded readings to the terminal")
	pf.Bool(flagDiscovery, false, "scan for available PGNs first, then poll only those that answered")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()

	logPath, _ := f.GetString(flagLogFile)
	levelStr, _ := f.GetString(flagLevel)

	log, err := utils.NewFileLogger(logPath, utils.ParseLevel(levelStr), true)
	if err != nil {
		return err
	}
	defer log.Close()

	cfg := RunnerConfig{}
	cfg.Interface, _ = f.GetString(flagInterface)
	cfg.TablePath, _ = f.GetString(flagTable)
	cfg.NodeAddress, _ = f.GetUint8(flagAddress)
	cfg.Destination, _ = f.GetUint8(flagDestination)
	cfg.QueueSize, _ = f.GetInt(flagQueue)
	cfg.CSVPath, _ = f.GetString(flagCSV)
	cfg.CBORPath, _ = f.GetString(flagCBOR)
	cfg.Monitor, _ = f.GetBool(flagMonitor)
	cfg.Discovery, _ = f.GetBool(flagDiscovery)

	ctx := cmd.Context()

	runner, err := NewRunner(ctx, cfg, log)
	if err != nil {
		log.Critical("Startup failed: %v", err)
		return err
	}
	defer runner.Close()

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Critical("Run failed: %v", err)
		return err
	}
	return nil
}
