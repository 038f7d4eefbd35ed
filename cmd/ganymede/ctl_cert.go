package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mercator-hq/ganymede/pkg/control"
)

var certFlags struct {
	listener string
	certFile string
	keyFile  string
}

var ctlCertificateCmd = &cobra.Command{
	Use:   "certificate",
	Short: "Replace a listener's TLS certificate",
	Long: `Push new PEM material to an https listener. Handshakes started after
the order completes use the new certificate; established sessions are
untouched.

Examples:
  ganymede ctl certificate --listener web --cert new.pem --key new-key.pem`,
	RunE: func(cmd *cobra.Command, args []string) error {
		certPEM, err := os.ReadFile(certFlags.certFile)
		if err != nil {
			return fmt.Errorf("failed to read certificate: %w", err)
		}
		keyPEM, err := os.ReadFile(certFlags.keyFile)
		if err != nil {
			return fmt.Errorf("failed to read key: %w", err)
		}

		m := control.NewMessage(control.OrderUpdateCertificate)
		m.Certificate = &control.CertificateSpec{
			Listener: certFlags.listener,
			CertPEM:  certPEM,
			KeyPEM:   keyPEM,
		}
		return applyOrder(m)
	},
}

func init() {
	ctlCmd.AddCommand(ctlCertificateCmd)

	f := ctlCertificateCmd.Flags()
	f.StringVar(&certFlags.listener, "listener", "", "https listener id (required)")
	f.StringVar(&certFlags.certFile, "cert", "", "PEM certificate file (required)")
	f.StringVar(&certFlags.keyFile, "key", "", "PEM private key file (required)")
	ctlCertificateCmd.MarkFlagRequired("listener")
	ctlCertificateCmd.MarkFlagRequired("cert")
	ctlCertificateCmd.MarkFlagRequired("key")
}
