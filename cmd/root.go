// Package cmd implements the btcap CLI using the cobra framework.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/btcap/internal/core"
)

var (
	flagUDID    string
	flagNetwork bool
	flagFormat  string
	flagExit    bool
	flagDebug   bool
	flagConfig  string
)

var rootCmd = &cobra.Command{
	Use:   "btcap [flags] <FILE>",
	Short: "Capture Bluetooth HCI packets from an attached device",
	Long: `btcap captures the live Bluetooth HCI packet log of an attached device
and writes it to FILE, either in the device's native PacketLogger format
or converted to a pcap file readable by Wireshark.

With no --udid the first attached device is adopted. The process keeps
waiting for the device across disconnects unless --exit is given.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("%w: exactly one output FILE is required", core.ErrUsage)
		}
		return nil
	},
	RunE: runCapture,
}

// Execute runs the CLI. Callers map the returned error to an exit code.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().StringVarP(&flagUDID, "udid", "u", "", "target specific device by UDID")
	rootCmd.Flags().BoolVarP(&flagNetwork, "network", "n", false, "connect to network device")
	rootCmd.Flags().StringVarP(&flagFormat, "format", "f", "", "logging format: packetlogger (default) or pcap")
	rootCmd.Flags().BoolVarP(&flagExit, "exit", "x", false, "exit when device disconnects")
	rootCmd.Flags().BoolVarP(&flagDebug, "debug", "d", false, "enable communication debugging")
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "config file path")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", core.ErrUsage, err)
	})
}
