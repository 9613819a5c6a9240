// Command v5 is the host-side CLI for talking to a V5 brain or
// controller over USB serial: listing/selecting a device, uploading
// and downloading files, tailing the user program's terminal stream,
// printing device info, and driving the cargo build hook end to end
// (spec.md §1, §4.7).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.bug.st/serial"

	"github.com/v5serial/v5ctl/pkg/device"
	"github.com/v5serial/v5ctl/pkg/discovery"
	"github.com/v5serial/v5ctl/pkg/facade"
	"github.com/v5serial/v5ctl/pkg/protocol"
	"github.com/v5serial/v5ctl/pkg/telemetry"
	"github.com/v5serial/v5ctl/pkg/transport"
	"github.com/v5serial/v5ctl/pkg/uiprogress"
)

var (
	flagPort            string
	flagRedisAddr       string
	flagTimeout         time.Duration
	flagAllowLinkedFile bool
)

func main() {
	// Some launch wrappers invoke this binary as "v5 <subcommand>"
	// with the program name repeated as argv[0] *and* argv[1]; strip
	// the duplicate so cobra sees a clean subcommand list.
	if len(os.Args) > 1 && os.Args[1] == "v5" {
		os.Args = append(os.Args[:1], os.Args[2:]...)
	}

	root := &cobra.Command{
		Use:   "v5",
		Short: "Host-side driver for the VEX V5 brain/controller serial protocol",
	}
	root.PersistentFlags().StringVar(&flagPort, "port", "", "serial port path (auto-detected if omitted)")
	root.PersistentFlags().StringVar(&flagRedisAddr, "redis-addr", "", "optional Redis address to mirror transfer telemetry to")
	root.PersistentFlags().DurationVar(&flagTimeout, "timeout", transport.DefaultReceiveTimeout, "per-frame receive timeout")
	root.PersistentFlags().BoolVar(&flagAllowLinkedFile, "allow-linked-filename", false, "allow SetLinkedFilename during uploads (off by default, spec.md §9)")

	root.AddCommand(
		newTerminalCmd(),
		newDownloadCmd(),
		newUploadCmd(),
		newDeviceInfoCmd(),
		newCargoHookCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "v5:", err)
		os.Exit(1)
	}
}

func openSink() (*telemetry.Sink, func()) {
	if flagRedisAddr == "" {
		return nil, func() {}
	}
	sink, err := telemetry.Dial(flagRedisAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "v5: telemetry disabled:", err)
		return nil, func() {}
	}
	return sink, func() { sink.Close() }
}

// openSession runs discovery, picks the candidate matching flagPort
// (or the only candidate when flagPort is empty), opens the underlying
// serial port, and probes the V5 session on top of it.
func openSession() (*device.Session, error) {
	candidates, err := discovery.EnumerateCached(time.Now().Unix())
	if err != nil {
		return nil, err
	}
	candidate, err := discovery.Select(candidates, flagPort)
	if err != nil {
		return nil, err
	}

	path := candidate.SystemPort.Path
	if candidate.ControllerPort != nil {
		path = candidate.ControllerPort.Path
	}

	mode := &serial.Mode{BaudRate: 115200, Parity: serial.NoParity, DataBits: 8, StopBits: serial.OneStopBit}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, &protocol.Error{Kind: protocol.KindIO, Err: err}
	}

	discovery.RememberSelection(candidate, time.Now().Unix())

	sess, err := device.Open(transport.New(port))
	if err != nil {
		port.Close()
		return nil, err
	}
	if flagTimeout != transport.DefaultReceiveTimeout {
		sess.SetDeadline(flagTimeout)
	}
	return sess, nil
}

func newTerminalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "terminal",
		Short: "Tail the connected user program's terminal output",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession()
			if err != nil {
				return err
			}
			sink, closeSink := openSink()
			defer closeSink()

			ctx, cancel := context.WithCancel(cmd.Context())
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() { <-sigCh; cancel() }()

			return facade.Terminal(ctx, sess, os.Stdin, os.Stdout, sink)
		},
	}
}

func newDownloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download <file>",
		Short: "Download a file from the device's user partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession()
			if err != nil {
				return err
			}
			sink, closeSink := openSink()
			defer closeSink()

			bar := uiprogress.NewBar(os.Stdout, args[0])
			confirm := uiprogress.StdioConfirm{In: os.Stdin, Out: os.Stdout}

			data, err := facade.DownloadFile(sess, args[0], protocol.DispositionDoNothing, bar, confirm, sink)
			if err != nil {
				return err
			}
			return os.WriteFile(args[0], data, 0o644)
		},
	}
}

func newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file to the device's user partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			sess, err := openSession()
			if err != nil {
				return err
			}
			sink, closeSink := openSink()
			defer closeSink()

			bar := uiprogress.NewBar(os.Stdout, args[0])
			linked := ""
			if flagAllowLinkedFile {
				linked = args[0]
			}
			return facade.UploadFile(sess, args[0], data, protocol.DispositionDoNothing, linked, bar, sink)
		},
	}
}

func newDeviceInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "device-info",
		Short: "Print the connected device's firmware version and kind",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession()
			if err != nil {
				return err
			}
			sink, closeSink := openSink()
			defer closeSink()

			v, isController := facade.DeviceInfo(sess, sink)
			kind := "brain"
			if isController {
				kind = "controller"
				if v.IsWirelessController() {
					kind = "controller (wireless)"
				}
			}
			fmt.Printf("%s v%d.%d.%d\n", kind, v.Major, v.Minor, v.Build)
			return nil
		},
	}
}

func newCargoHookCmd() *cobra.Command {
	var projectDir string
	cmd := &cobra.Command{
		Use:   "cargo-hook <elf>",
		Short: "Build-and-run hook: flash a freshly built ELF and attach its terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession()
			if err != nil {
				return err
			}
			sink, closeSink := openSink()
			defer closeSink()

			bar := uiprogress.NewBar(os.Stdout, args[0])

			ctx, cancel := context.WithCancel(cmd.Context())
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() { <-sigCh; cancel() }()

			return facade.CargoHook(ctx, sess, args[0], projectDir, os.Stdin, os.Stdout, bar, sink)
		},
	}
	cmd.Flags().StringVar(&projectDir, "project-dir", ".", "directory containing Cargo.toml and the slot file")
	return cmd
}
