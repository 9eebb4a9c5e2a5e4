// Package trust holds the configuration a validation session trusts: where
// tokens are exchanged and validated, which scope a validated token must
// carry, and which issuer a client certificate must come from.
//
// Configuration is layered, lowest priority first:
//
//	built-in defaults
//	YAML file
//	TOKENVALIDATOR_* environment variables
package trust

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// AnyIssuer is the CertIssuer value that accepts client certificates from
// every issuer.
const AnyIssuer = "*"

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "TOKENVALIDATOR_"

// ErrInvalidConfig is returned when a configuration fails validation.
var ErrInvalidConfig = errors.New("invalid trust configuration")

// Config is the trust configuration of a validation session. A session
// copies it at construction, so later changes have no effect on it.
type Config struct {
	// TokenURL is the token exchange endpoint clients are sent to. It is
	// only exposed to collaborators that report errors or check redirects.
	TokenURL string `yaml:"token_url" validate:"required,http_url"`

	// ValidationURL receives the validation POST. A redirect back to this
	// exact URL as a GET triggers the one-time resend.
	ValidationURL string `yaml:"token_validation_url" validate:"required,http_url"`

	// Scope must equal the "scope" field of the validation response.
	Scope string `yaml:"scope" validate:"required"`

	// CertIssuer is the issuer common name a client certificate must carry,
	// or AnyIssuer.
	CertIssuer string `yaml:"token_validation_cert_issuer"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that both URLs are absolute http(s) URLs and that a scope
// is set.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Load reads path (when non-empty and present), applies environment
// overrides, defaults an empty CertIssuer to AnyIssuer and validates the
// result. A missing file is not an error; the environment may carry the
// whole configuration.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return Config{}, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.CertIssuer == "" {
		cfg.CertIssuer = AnyIssuer
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{"TOKEN_URL", &cfg.TokenURL},
		{"TOKEN_VALIDATION_URL", &cfg.ValidationURL},
		{"SCOPE", &cfg.Scope},
		{"TOKEN_VALIDATION_CERT_ISSUER", &cfg.CertIssuer},
	} {
		if v, ok := os.LookupEnv(EnvPrefix + f.name); ok {
			*f.dst = v
		}
	}
}
