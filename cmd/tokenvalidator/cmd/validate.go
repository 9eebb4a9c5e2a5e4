package cmd

import (
	"bufio"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/tokenvalidator/httptransport"
	"github.com/jmcleod/tokenvalidator/internal/eventloop"
	"github.com/jmcleod/tokenvalidator/trust"
	"github.com/jmcleod/tokenvalidator/validation"
)

const envToken = "TOKENVALIDATOR_TOKEN"

type validateOptions struct {
	configPath  string
	token       string
	caFile      string
	clientID    string
	redirectURI string
	timeout     time.Duration
	stores      storeFlags
}

var validateOpts validateOptions

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a token and print the shared secret",
	Long: `Submits the token to the configured validation service and prints the
shared secret it returns. The command fails when the service does not
vouch for the token; the reason is logged.

The token is taken from --token, from stdin when --token is "-", or from
$` + envToken + `.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := readToken(cmd.InOrStdin(), validateOpts.token)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runValidate(ctx, validateOpts, token, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
	f := validateCmd.Flags()
	f.StringVarP(&validateOpts.configPath, "config", "c", "tokenvalidator.yaml", "Trust configuration file")
	f.StringVarP(&validateOpts.token, "token", "t", "", `Token to validate ("-" reads stdin)`)
	f.StringVar(&validateOpts.caFile, "ca-file", "", "PEM bundle of CAs trusted for the validation service (default: system roots)")
	f.StringVar(&validateOpts.clientID, "client-id", "", "client_id sent with the token")
	f.StringVar(&validateOpts.redirectURI, "redirect-uri", "", "redirect_uri sent with the token")
	f.DurationVar(&validateOpts.timeout, "timeout", 30*time.Second, "Overall timeout (0 disables)")
	validateOpts.stores.register(f)
}

func runValidate(ctx context.Context, opts validateOptions, token string, out io.Writer) error {
	cfg, err := trust.Load(opts.configPath)
	if err != nil {
		return err
	}

	store, closeStores, err := opts.stores.open()
	if err != nil {
		return err
	}
	defer closeStores()

	transportOpts := []httptransport.Option{httptransport.WithLogger(logger)}
	if opts.caFile != "" {
		pool, err := loadCAFile(opts.caFile)
		if err != nil {
			return err
		}
		transportOpts = append(transportOpts, httptransport.WithRootCAs(pool))
	}

	loop := eventloop.New()
	defer loop.Stop()
	tr, err := httptransport.New(loop, transportOpts...)
	if err != nil {
		return err
	}
	defer tr.Close()

	sessionOpts := []validation.Option{
		validation.WithLogger(logger),
		validation.WithClientID(opts.clientID),
		validation.WithRedirectURI(opts.redirectURI),
	}
	if store != nil {
		sessionOpts = append(sessionOpts, validation.WithCertificateStore(store))
	}
	v, err := validation.NewValidator(cfg, loop, tr, sessionOpts...)
	if err != nil {
		return err
	}

	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}
	secret, err := v.Validate(ctx, token)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, secret)
	return nil
}

func readToken(in io.Reader, flag string) (string, error) {
	switch flag {
	case "-":
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("reading token: %w", err)
		}
		flag = strings.TrimRight(line, "\r\n")
	case "":
		flag = os.Getenv(envToken)
	}
	if flag == "" {
		return "", validation.ErrEmptyToken
	}
	return flag, nil
}

func loadCAFile(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("%s: no PEM certificates found", path)
	}
	return pool, nil
}
