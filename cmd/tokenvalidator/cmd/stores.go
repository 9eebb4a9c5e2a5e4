package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/jmcleod/tokenvalidator/certs"
	bboltstorage "github.com/jmcleod/tokenvalidator/storage/bbolt"
)

const (
	envPKCS12Password = "TOKENVALIDATOR_PKCS12_PASSWORD"
	envPKCS11PIN      = "TOKENVALIDATOR_PKCS11_PIN"
	envCertDBPass     = "TOKENVALIDATOR_CERT_DB_PASSPHRASE"
)

// storeFlags selects the client certificate sources of a command.
type storeFlags struct {
	certDir        string
	pkcs12File     string
	pkcs12Password string
	certDB         string
	certDBPass     string
	pkcs11Module   string
	pkcs11Token    string
	pkcs11PIN      string
	pkcs11Slot     int
}

func (f *storeFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.certDir, "cert-dir", "", "Directory of PEM (.crt/.pem/.cer + .key) and PKCS#12 (.p12/.pfx) client certificates")
	fs.StringVar(&f.pkcs12File, "pkcs12", "", "PKCS#12 file holding a client certificate and key")
	fs.StringVar(&f.pkcs12Password, "pkcs12-password", "", "Password of PKCS#12 files (default $"+envPKCS12Password+")")
	fs.StringVar(&f.certDB, "cert-db", "", "Certificate database created with 'certs import'")
	fs.StringVar(&f.certDBPass, "cert-db-passphrase", "", "Passphrase of sealed keys in the certificate database (default $"+envCertDBPass+")")
	fs.StringVar(&f.pkcs11Module, "pkcs11-module", "", "PKCS#11 module path (requires a pkcs11 build)")
	fs.StringVar(&f.pkcs11Token, "pkcs11-token", "", "PKCS#11 token label")
	fs.StringVar(&f.pkcs11PIN, "pkcs11-pin", "", "PKCS#11 user PIN (default $"+envPKCS11PIN+")")
	fs.IntVar(&f.pkcs11Slot, "pkcs11-slot", -1, "PKCS#11 slot number, instead of --pkcs11-token")
}

// open builds a store over every configured source. It returns a nil store
// when no source is configured. release closes the sources and is never nil.
func (f *storeFlags) open() (store certs.Store, release func(), err error) {
	var (
		multi   certs.MultiStore
		closers []func() error
	)
	release = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Sugar().Warnf("closing certificate store: %v", err)
			}
		}
	}
	defer func() {
		if err != nil {
			release()
			store, release = nil, func() {}
		}
	}()

	password := f.pkcs12Password
	if password == "" {
		password = os.Getenv(envPKCS12Password)
	}

	if f.certDir != "" {
		s, err := certs.LoadDir(f.certDir, password)
		if err != nil {
			return nil, release, err
		}
		multi = append(multi, s)
	}

	if f.pkcs12File != "" {
		data, err := os.ReadFile(f.pkcs12File)
		if err != nil {
			return nil, release, fmt.Errorf("reading %s: %w", f.pkcs12File, err)
		}
		s := certs.NewSoftwareStore()
		if err := s.AddPKCS12(data, password); err != nil {
			return nil, release, fmt.Errorf("%s: %w", f.pkcs12File, err)
		}
		multi = append(multi, s)
	}

	if f.certDB != "" {
		repo, err := openCertDB(f.certDB)
		if err != nil {
			return nil, release, err
		}
		closers = append(closers, repo.Close)
		multi = append(multi, newCertDBStore(repo, f.certDBPass))
	}

	if f.pkcs11Module != "" {
		cfg := certs.PKCS11Config{
			ModulePath: f.pkcs11Module,
			TokenLabel: f.pkcs11Token,
			PIN:        f.pkcs11PIN,
		}
		if cfg.PIN == "" {
			cfg.PIN = os.Getenv(envPKCS11PIN)
		}
		if f.pkcs11Slot >= 0 {
			slot := f.pkcs11Slot
			cfg.SlotNumber = &slot
		}
		s, err := certs.NewPKCS11Store(cfg)
		if err != nil {
			return nil, release, err
		}
		closers = append(closers, s.Close)
		multi = append(multi, s)
	}

	switch len(multi) {
	case 0:
		return nil, release, nil
	case 1:
		return multi[0], release, nil
	default:
		return multi, release, nil
	}
}

func openCertDB(path string) (*bboltstorage.Store, error) {
	if path == "" {
		return nil, errors.New("--cert-db is required")
	}
	repo, err := bboltstorage.NewRepositoryFromFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening certificate database: %w", err)
	}
	return repo, nil
}

// newCertDBStore opens the default namespace of repo, falling back to the
// environment for the passphrase.
func newCertDBStore(repo *bboltstorage.Store, passphrase string) *certs.RepositoryStore {
	if passphrase == "" {
		passphrase = os.Getenv(envCertDBPass)
	}
	var opts []certs.RepositoryOption
	if passphrase != "" {
		opts = append(opts, certs.WithPassphrase(passphrase))
	}
	return certs.NewRepositoryStore(repo, certs.DefaultNamespace, opts...)
}
