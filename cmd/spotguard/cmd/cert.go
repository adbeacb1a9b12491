package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	tlsutil "github.com/psantana5/spotguard/pkg/tls"
)

var genCertCmd = &cobra.Command{
	Use:   "gen-cert",
	Short: "Generate a self-signed certificate for the status server",
	Long: `Write a self-signed certificate and key for METRICS_TLS_CERT and
METRICS_TLS_KEY. The certificate is valid for localhost plus every --host
given, and doubles as the CA that "spotguard status --ca" trusts.

Example:
  spotguard gen-cert --cert certs/status.pem --key certs/status.key --host 10.0.3.7,node-7.internal`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		certFile, _ := cmd.Flags().GetString("cert")
		keyFile, _ := cmd.Flags().GetString("key")
		hosts, _ := cmd.Flags().GetStringSlice("host")
		force, _ := cmd.Flags().GetBool("force")

		sans := make([]string, 0, len(hosts))
		for _, h := range hosts {
			if h = strings.TrimSpace(h); h != "" {
				sans = append(sans, h)
			}
		}

		if force {
			if err := tlsutil.GenerateSelfSignedCert(certFile, keyFile, "spotguard", sans...); err != nil {
				return err
			}
		} else {
			created, err := tlsutil.EnsureCert(certFile, keyFile, "spotguard", sans...)
			if err != nil {
				return err
			}
			if !created {
				return fmt.Errorf("%s already exists, use --force to replace it", certFile)
			}
		}

		fmt.Println("Certificate generated successfully")
		fmt.Printf("  Certificate: %s\n", certFile)
		fmt.Printf("  Key: %s\n", keyFile)
		if len(sans) > 0 {
			fmt.Printf("  Additional SANs: %v\n", sans)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(genCertCmd)

	genCertCmd.Flags().String("cert", "certs/status.pem", "certificate output path")
	genCertCmd.Flags().String("key", "certs/status.key", "private key output path")
	genCertCmd.Flags().StringSlice("host", nil, "extra IP addresses or DNS names, comma separated")
	genCertCmd.Flags().Bool("force", false, "overwrite an existing certificate")
}
