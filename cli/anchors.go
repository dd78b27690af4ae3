package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2060-io/go-emrtd/keys"
)

var (
	headerColor  = color.New(color.FgCyan, color.Bold)
	labelColor   = color.New(color.FgYellow)
	dimColor     = color.New(color.Faint)
	successColor = color.New(color.FgGreen)
	errorColor   = color.New(color.FgRed)
)

// timeNow is the function used to get the current time. Override in tests.
var timeNow = time.Now

func newAnchorsCommand(a *app) *cobra.Command {
	var pemOutput bool

	cmd := &cobra.Command{
		Use:   "anchors",
		Short: "Load the Master List and list or export its CSCA certificates",
		Long: "Initializes the trust store from the configured Master List, downloading it " +
			"when the cache is stale, adds any --anchor certificates, and prints the " +
			"resulting trust anchors.",
		Example: "  emrtd anchors --source https://example.org/icao.ldif\n" +
			"  emrtd anchors --source masterlist.ldif --pem > cscas.pem",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, store, cleanup, err := a.setup(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			if !store.Enabled() {
				return errors.New("no Master List source configured, use --source, --anchor or masterlist.source")
			}
			if err := store.Initialize(cmd.Context()); err != nil {
				return err
			}
			anchors, err := store.TrustAnchors()
			if err != nil {
				return err
			}
			keys.SortByCountry(anchors)

			if pemOutput {
				return keys.EncodeCertsPEM(a.stdout, anchors)
			}

			now := timeNow()
			headerColor.Fprintf(a.stdout, "%d trust anchors\n", len(anchors))
			for _, cert := range anchors {
				info := keys.GetCertInfo(cert)
				country := info.Country
				if country == "" {
					country = "--"
				}
				labelColor.Fprintf(a.stdout, "%-3s", country)
				fmt.Fprintf(a.stdout, " %s\n", info.Subject)
				dimColor.Fprintf(a.stdout, "    serial %s  sha256 %s\n", info.Serial, info.Thumbprint)
				validity := fmt.Sprintf("    valid %s to %s",
					info.NotBefore.UTC().Format(time.DateOnly), info.NotAfter.UTC().Format(time.DateOnly))
				if info.Expired(now) {
					errorColor.Fprintf(a.stdout, "%s (expired)\n", validity)
				} else {
					successColor.Fprintln(a.stdout, validity)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&pemOutput, "pem", false, "write the anchors as PEM certificates")
	return cmd
}
