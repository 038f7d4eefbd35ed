package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/ganymede/pkg/cli"
	"mercator-hq/ganymede/pkg/config"
	"mercator-hq/ganymede/pkg/control"
)

var ctlFlags struct {
	socket  string
	format  string
	timeout time.Duration
}

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Operate on a running instance",
	Long: `Send control orders to a running supervisor over its unix socket.

The socket path is taken from the configuration file unless --socket
is given. Configuration orders (clusters, backends, listeners,
certificates) apply immediately and survive restarts through the
state log.`,
}

func init() {
	rootCmd.AddCommand(ctlCmd)

	ctlCmd.PersistentFlags().StringVar(&ctlFlags.socket, "socket", "", "control socket path (overrides config)")
	ctlCmd.PersistentFlags().StringVar(&ctlFlags.format, "format", "text", "output format: text, json")
	ctlCmd.PersistentFlags().DurationVar(&ctlFlags.timeout, "timeout", 10*time.Second, "order timeout")
}

// controlSocketPath resolves the socket to talk to. A missing or
// invalid config file falls back to the default path so ctl keeps
// working without one.
func controlSocketPath() string {
	if ctlFlags.socket != "" {
		return ctlFlags.socket
	}
	if cfg, err := config.LoadConfigWithEnvOverrides(cfgFile); err == nil {
		return cfg.ControlSocket
	}
	return config.DefaultControlSocket
}

// sendOrder submits one order and waits for its final acknowledgement.
func sendOrder(m *control.Message) (*control.Ack, error) {
	ch, err := control.Dial(controlSocketPath())
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	ch.SetDeadline(time.Now().Add(ctlFlags.timeout))
	if err := ch.WriteMessage(m); err != nil {
		return nil, fmt.Errorf("failed to send order: %w", err)
	}
	a, err := ch.WaitAck(m.ID)
	if err != nil {
		return nil, fmt.Errorf("no acknowledgement: %w", err)
	}
	return a, nil
}

// applyOrder submits an order that carries no data in its answer.
func applyOrder(m *control.Message) error {
	a, err := sendOrder(m)
	if err != nil {
		return err
	}
	if a.Status != control.StatusOK {
		return fmt.Errorf("order rejected: %s", a.Detail)
	}
	if a.Detail != "" {
		fmt.Println(a.Detail)
	} else {
		fmt.Println("ok")
	}
	return nil
}

func ctlFormatter() cli.Formatter {
	return cli.NewFormatter(cli.OutputFormat(ctlFlags.format))
}
