package cmd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmcleod/tokenvalidator/internal/devpki"
	"github.com/jmcleod/tokenvalidator/internal/devserver"
)

var (
	servePort         int
	serveScope        string
	serveTokens       map[string]string
	serveAuthGate     bool
	serveClientIssuer string
	serveClientCA     string
	serveTLSCert      string
	serveTLSKey       string
	serveCAOut        string
)

var serveCmd = &cobra.Command{
	Use:   "serve-dev",
	Short: "Run a local token validation service for development",
	Long: `Serves the validation endpoint a real third-party service would, so the
client can be exercised without one. Without --tls-cert a throwaway CA and
server certificate are generated; --ca-out writes that CA for --ca-file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		srv, err := devserver.New(devserver.Config{
			Scope:        serveScope,
			Tokens:       serveTokens,
			AuthGate:     serveAuthGate,
			ClientIssuer: serveClientIssuer,
		}, devserver.WithLogger(logger))
		if err != nil {
			return err
		}

		cert, err := serverCertificate()
		if err != nil {
			return err
		}
		var clientCAs *x509.CertPool
		if serveClientCA != "" {
			if clientCAs, err = loadCAFile(serveClientCA); err != nil {
				return err
			}
		}

		r := srv.Router()
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", servePort),
			Handler:           r,
			TLSConfig:         devserver.TLSConfig(cert, clientCAs),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ErrorLog:          zap.NewStdLog(logger),
		}

		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		sweep := time.NewTicker(5 * time.Minute)
		defer sweep.Stop()

		printBanner(cmd.OutOrStdout())
		fmt.Fprintf(cmd.OutOrStdout(), "Listening on https://localhost:%d%s (scope %q, %d tokens)\n",
			servePort, devserver.ValidatePath, serveScope, len(serveTokens))

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		for {
			select {
			case <-sweep.C:
				srv.Sweep()
			case sig := <-quit:
				logger.Info("shutting down", zap.String("signal", sig.String()))
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(ctx); err != nil {
					return fmt.Errorf("server shutdown failed: %w", err)
				}
				return nil
			case err := <-done:
				return err
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	f := serveCmd.Flags()
	f.IntVarP(&servePort, "port", "p", 8443, "Port to listen on")
	f.StringVar(&serveScope, "scope", "", "Scope returned with every validation")
	f.StringToStringVar(&serveTokens, "token", nil, "Accepted token and its shared secret, as token=secret (repeatable)")
	f.BoolVar(&serveAuthGate, "auth-gate", false, "Redirect the first POST through the cookie gate")
	f.StringVar(&serveClientIssuer, "client-issuer", "", "Require a client certificate issued by this common name")
	f.StringVar(&serveClientCA, "client-ca", "", "PEM bundle of CAs client certificates are verified against")
	f.StringVar(&serveTLSCert, "tls-cert", "", "Path to TLS certificate file")
	f.StringVar(&serveTLSKey, "tls-key", "", "Path to TLS key file")
	f.StringVar(&serveCAOut, "ca-out", "", "Write the generated CA certificate to this file")
	_ = serveCmd.MarkFlagRequired("scope")
}

// serverCertificate loads --tls-cert/--tls-key or issues a localhost
// certificate from a throwaway CA.
func serverCertificate() (*tls.Certificate, error) {
	if serveTLSCert != "" && serveTLSKey != "" {
		cert, err := tls.LoadX509KeyPair(serveTLSCert, serveTLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		return &cert, nil
	}

	now := time.Now()
	ca, err := devpki.NewCA("tokenvalidator development CA", now.Add(-time.Hour), now.AddDate(1, 0, 0))
	if err != nil {
		return nil, err
	}
	cert, err := ca.IssueServer()
	if err != nil {
		return nil, err
	}
	if serveCAOut != "" {
		if err := os.WriteFile(serveCAOut, ca.CertPEM(), 0o644); err != nil {
			return nil, fmt.Errorf("writing CA certificate: %w", err)
		}
		logger.Info("wrote development CA", zap.String("path", serveCAOut))
	} else {
		logger.Info("using a generated development CA; pass --ca-out to trust it from validate")
	}
	return cert, nil
}
