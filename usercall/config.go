package usercall

import (
	"bytes"
	stderrors "errors"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/enclave-net/errors"
)

// Config controls a Host.
type Config struct {
	// DialTimeout bounds a single connect usercall. Zero means no limit
	// beyond the caller's context.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// AllowedNetworks lists CIDR prefixes the enclave may connect to.
	// Empty allows every destination.
	AllowedNetworks []string `yaml:"allowed_networks"`

	// MaxPending caps concurrently in-flight usercalls. Zero disables the cap.
	MaxPending int64 `yaml:"max_pending"`

	// Rate is the sustained number of new usercalls per second and Burst
	// the bucket size. Zero Rate disables rate limiting.
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		DialTimeout: 30 * time.Second,
		MaxPending:  256,
	}
}

// Validate checks field ranges and prefix syntax.
func (c Config) Validate() error {
	if c.DialTimeout < 0 {
		return errors.InvalidInput(errors.PhaseConfig, "dial_timeout must not be negative")
	}
	if c.MaxPending < 0 {
		return errors.InvalidInput(errors.PhaseConfig, "max_pending must not be negative")
	}
	if c.Rate < 0 {
		return errors.InvalidInput(errors.PhaseConfig, "rate must not be negative")
	}
	if c.Burst < 0 {
		return errors.InvalidInput(errors.PhaseConfig, "burst must not be negative")
	}
	if c.Rate > 0 && c.Burst == 0 {
		return errors.InvalidInput(errors.PhaseConfig, "burst must be positive when rate is set")
	}
	_, err := c.prefixes()
	return err
}

func (c Config) prefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.AllowedNetworks))
	for _, s := range c.AllowedNetworks {
		p, err := netip.ParsePrefix(strings.TrimSpace(s))
		if err != nil {
			return nil, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
				Addr(s).
				Cause(err).
				Detail("allowed_networks entry is not a CIDR prefix").
				Build()
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

func (c Config) limit() rate.Limit {
	if c.Rate == 0 {
		return rate.Inf
	}
	return rate.Limit(c.Rate)
}

// LoadConfig reads a YAML file over DefaultConfig. Unknown keys, multiple
// documents and non-YAML extensions are rejected.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return cfg, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Addr(path).
			Detail("config file must have a .yaml or .yml extension").
			Build()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(errors.PhaseConfig, errors.KindOther, err, "read file")
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		if stderrors.Is(err, io.EOF) {
			return cfg, nil
		}
		return cfg, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "strict config parse error")
	}

	if err := dec.Decode(&struct{}{}); !stderrors.Is(err, io.EOF) {
		return cfg, errors.InvalidInput(errors.PhaseConfig, "config file contains multiple documents or trailing content")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
