package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/manifoldco/promptui"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/roffe/goelm"
	"github.com/roffe/goelm/adapter"
)

var rootCmd = &cobra.Command{
	Use:          "elmtool",
	Short:        "OBD-II diagnostics over an ELM327 adapter",
	Long:         `Read and clear trouble codes, retrieve the VIN and poke at the adapter.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

const (
	flagPort     = "port"
	flagBaudrate = "baudrate"
	flagAdapter  = "adapter"
	flagDebug    = "debug"
	flagConfig   = "config"
)

var log = logrus.New()

func init() {
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})

	pf := rootCmd.PersistentFlags()
	pf.StringP(flagPort, "p", "", "com-port, empty = pick interactively")
	pf.IntP(flagBaudrate, "b", 0, "baudrate")
	pf.StringP(flagAdapter, "a", "", "adapter to use (elm327, sim)")
	pf.BoolP(flagDebug, "d", false, "debug mode")
	pf.StringP(flagConfig, "c", "", "config file (yaml)")
}

// initChannel resolves the effective settings (config file, then flags) and
// opens the adapter channel.
func initChannel(cmd *cobra.Command) (goelm.Channel, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	}

	item, err := lookupAdapter(cfg.Adapter)
	if err != nil {
		return nil, err
	}
	if item.RequiresSerialPort && cfg.Port == "" {
		port, err := pickPort()
		if err != nil {
			return nil, err
		}
		cfg.Port = port
	}
	return adapter.New(cfg.Adapter, &goelm.AdapterConfig{
		Port:         cfg.Port,
		PortBaudrate: cfg.Baudrate,
		Logger:       log,
	})
}

func lookupAdapter(name string) (adapter.Item, error) {
	for _, a := range adapter.List() {
		if a.Name == name {
			return a, nil
		}
		for _, alias := range a.Alias {
			if alias == name {
				return a, nil
			}
		}
	}
	return adapter.Item{}, fmt.Errorf("unknown adapter %q, have: %v", name, adapter.ListNames())
}

func pickPort() (string, error) {
	ports, err := adapter.Ports()
	if err != nil {
		return "", err
	}
	if len(ports) == 0 {
		return "", fmt.Errorf("no serial ports found")
	}
	prompt := promptui.Select{
		Label:    "Select port",
		HideHelp: true,
		Items:    ports,
	}
	_, port, err := prompt.Run()
	if err != nil {
		return "", fmt.Errorf("prompt failed: %w", err)
	}
	return port, nil
}
