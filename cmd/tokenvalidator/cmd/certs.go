package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/tokenvalidator/certs"
	"github.com/jmcleod/tokenvalidator/trust"
)

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Inspect and manage client certificates",
	Long:  `Commands for listing client certificate candidates and managing the certificate database.`,
}

var (
	listStores storeFlags
	listIssuer string

	importDB    string
	importCert  string
	importKey   string
	importLabel string
	importPass  string

	removeDB string
)

var certsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List candidates and the certificate that would be selected",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, release, err := listStores.open()
		if err != nil {
			return err
		}
		defer release()
		if store == nil {
			return errors.New("no certificate source configured")
		}
		return listCertificates(cmd.Context(), cmd.OutOrStdout(), store, listIssuer, time.Now())
	},
}

var certsImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Store a PEM certificate and key in the certificate database",
	RunE: func(cmd *cobra.Command, args []string) error {
		certPEM, err := os.ReadFile(importCert)
		if err != nil {
			return fmt.Errorf("reading certificate: %w", err)
		}
		keyPEM, err := os.ReadFile(importKey)
		if err != nil {
			return fmt.Errorf("reading key: %w", err)
		}
		repo, err := openCertDB(importDB)
		if err != nil {
			return err
		}
		defer repo.Close()

		id, err := newCertDBStore(repo, importPass).Import(importLabel, certPEM, keyPEM)
		if err != nil {
			return err
		}
		logger.Info("certificate imported")
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var certsRemoveCmd = &cobra.Command{
	Use:   "remove ID...",
	Short: "Delete certificates from the certificate database",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openCertDB(removeDB)
		if err != nil {
			return err
		}
		defer repo.Close()

		store := certs.NewRepositoryStore(repo, certs.DefaultNamespace)
		for _, id := range args {
			if err := store.Remove(id); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(certsCmd)
	certsCmd.AddCommand(certsListCmd, certsImportCmd, certsRemoveCmd)

	listStores.register(certsListCmd.Flags())
	certsListCmd.Flags().StringVar(&listIssuer, "issuer", trust.AnyIssuer, `Issuer common name to rank for ("*" accepts any)`)

	certsImportCmd.Flags().StringVar(&importDB, "cert-db", "", "Certificate database file")
	certsImportCmd.Flags().StringVar(&importCert, "cert", "", "PEM certificate chain file")
	certsImportCmd.Flags().StringVar(&importKey, "key", "", "PEM private key file")
	certsImportCmd.Flags().StringVar(&importLabel, "label", "", "Label stored with the certificate")
	certsImportCmd.Flags().StringVar(&importPass, "passphrase", "", "Seal the private key with this passphrase (default $"+envCertDBPass+")")
	_ = certsImportCmd.MarkFlagRequired("cert-db")
	_ = certsImportCmd.MarkFlagRequired("cert")
	_ = certsImportCmd.MarkFlagRequired("key")

	certsRemoveCmd.Flags().StringVar(&removeDB, "cert-db", "", "Certificate database file")
	_ = certsRemoveCmd.MarkFlagRequired("cert-db")
}

// listCertificates prints every candidate of store and the one Rank selects
// for issuer at now.
func listCertificates(ctx context.Context, out io.Writer, store certs.Store, issuer string, now time.Time) error {
	candidates, err := store.ClientCertificates(ctx, nil)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSUBJECT\tISSUER\tNOT BEFORE\tNOT AFTER\tVALID\tSHA-256")
	for i, c := range candidates {
		info, err := certs.Describe(c)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%t\t%s\n",
			i+1, info.Subject, info.Issuer,
			info.NotBefore.Format(time.RFC3339), info.NotAfter.Format(time.RFC3339),
			certs.IsValid(issuer, now, c), info.FingerprintSHA256[:16])
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	best, ok := certs.Rank(issuer, now, candidates)
	if !ok {
		fmt.Fprintf(out, "\nno valid certificate for issuer %q\n", issuer)
		return nil
	}
	info, err := certs.Describe(best)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nselected: %s (issuer %s, expires %s)\n",
		info.Subject, info.Issuer, info.NotAfter.Format(time.RFC3339))
	return nil
}
