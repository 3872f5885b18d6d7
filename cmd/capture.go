package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/btcap/internal/config"
	"firestige.xyz/btcap/internal/core"
	"firestige.xyz/btcap/internal/log"
	"firestige.xyz/btcap/internal/session"
	"firestige.xyz/btcap/internal/sink"
	"firestige.xyz/btcap/internal/transport"
)

const version = "0.1.0"

// resolveConfig merges the optional config file with the command-line flags;
// flags win where given.
func resolveConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("udid") {
		if flagUDID == "" {
			return nil, fmt.Errorf("%w: UDID must not be empty", core.ErrUsage)
		}
		cfg.UDID = flagUDID
	}
	if cmd.Flags().Changed("network") {
		cfg.Network = flagNetwork
	}
	if cmd.Flags().Changed("format") {
		if flagFormat == "" {
			return nil, fmt.Errorf("%w: FORMAT must not be empty", core.ErrUsage)
		}
		cfg.Format = flagFormat
	}
	if cmd.Flags().Changed("exit") {
		cfg.ExitOnDisconnect = flagExit
	}
	if flagDebug {
		cfg.Log.Level = "debug"
	}
	cfg.OutputPath = args[0]

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runCapture(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd, args)
	if err != nil {
		return err
	}
	log.Init(&cfg.Log)

	fmt.Printf("Output File: %s\n", cfg.OutputPath)
	switch sink.Format(cfg.Format) {
	case sink.FormatPcap:
		fmt.Println("Output Format: PCAP")
	case sink.FormatPacketLogger:
		fmt.Println("Output Format: PacketLogger")
	}

	out, err := sink.Open(sink.Format(cfg.Format), cfg.OutputPath)
	if err != nil {
		return err
	}
	defer out.Close()

	addr := cfg.UsbmuxSocket
	if addr == "" {
		addr = transport.SocketAddress()
	}
	mux := transport.NewMux(addr)

	// Presence hint, matching the original tool: bail out early when no
	// device is attached and no UDID was given to wait for.
	devices, err := mux.Devices()
	if err != nil {
		return fmt.Errorf("failed to query attached devices: %w", err)
	}
	if len(devices) == 0 {
		if cfg.UDID == "" {
			return fmt.Errorf("no device found; plug in a device or pass --udid to wait for one")
		}
		fmt.Fprintf(os.Stderr, "Waiting for device with UDID %s to become available...\n", cfg.UDID)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctrl := session.NewController(session.Config{
		UDID:             cfg.UDID,
		Network:          cfg.Network,
		ExitOnDisconnect: cfg.ExitOnDisconnect,
	}, mux, out)

	err = ctrl.Run(ctx)

	log.GetLogger().WithFields(map[string]interface{}{
		"records": ctrl.Stats().ReceivedCount(),
		"runtime": ctrl.Stats().Runtime().Truncate(time.Millisecond),
	}).Info("capture finished")
	return err
}
