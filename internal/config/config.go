package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type KeySpec struct {
	Type     string `yaml:"type"` // rsa | ecc
	RSABits  int    `yaml:"rsa_bits"`
	ECCCurve string `yaml:"ecc_curve"`
}

type Forge struct {
	MarkCertificates bool   `yaml:"mark_certificates"`
	CRLURI           string `yaml:"crl_uri"`
	OCSPResponderURI string `yaml:"ocsp_responder_uri"`
}

type Egress struct {
	FragmentHello bool `yaml:"fragment_hello"`
	ClientCert    bool `yaml:"client_cert"`
}

type Limits struct {
	MaxConns     int           `yaml:"max_conns"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type Logging struct {
	Level            string `yaml:"level"`
	DumpCertificates bool   `yaml:"dump_certificates"`
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

type Config struct {
	Listen        string   `yaml:"listen"`
	Mode          string   `yaml:"mode"`
	InterceptList []string `yaml:"intercept_list"`
	DefaultTarget string   `yaml:"default_target"`
	ConfigDir     string   `yaml:"config_dir"`
	Key           KeySpec  `yaml:"keyspec"`
	Forge         Forge    `yaml:"forge"`
	Egress        Egress   `yaml:"egress"`
	Limits        Limits   `yaml:"limits"`
	Logging       Logging  `yaml:"logging"`
	Metrics       Metrics  `yaml:"metrics"`
}

func defaultConfig() *Config {
	dir := "ratched"
	if base, err := os.UserConfigDir(); err == nil {
		dir = filepath.Join(base, "ratched")
	}
	return &Config{
		Listen:    "0.0.0.0:9999",
		Mode:      "all",
		ConfigDir: dir,
		Key:       KeySpec{Type: "ecc", RSABits: 2048, ECCCurve: "secp384r1"},
		Limits:    Limits{MaxConns: 4096, ReadTimeout: 15 * time.Second, WriteTimeout: 30 * time.Second},
		Logging:   Logging{Level: "info"},
	}
}

// Load loads config from yaml file; empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	}
	// env override
	if v := os.Getenv("RATCHED_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("RATCHED_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv("RATCHED_INTERCEPT_LIST"); v != "" {
		parts := strings.Split(v, ",")
		var list []string
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				list = append(list, p)
			}
		}
		if len(list) > 0 {
			cfg.InterceptList = list
		}
	}
	if v := os.Getenv("RATCHED_DEFAULT_TARGET"); v != "" {
		cfg.DefaultTarget = v
	}
	if v := os.Getenv("RATCHED_CONFIG_DIR"); v != "" {
		cfg.ConfigDir = v
	}
	if v := os.Getenv("RATCHED_KEYSPEC_TYPE"); v != "" {
		cfg.Key.Type = v
	}
	if v := os.Getenv("RATCHED_KEYSPEC_RSA_BITS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Key.RSABits = n
		}
	}
	if v := os.Getenv("RATCHED_KEYSPEC_ECC_CURVE"); v != "" {
		cfg.Key.ECCCurve = v
	}
	if v := os.Getenv("RATCHED_MARK_CERTIFICATES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Forge.MarkCertificates = b
		}
	}
	if v := os.Getenv("RATCHED_CRL_URI"); v != "" {
		cfg.Forge.CRLURI = v
	}
	if v := os.Getenv("RATCHED_OCSP_RESPONDER_URI"); v != "" {
		cfg.Forge.OCSPResponderURI = v
	}
	if v := os.Getenv("RATCHED_EGRESS_FRAGMENT_HELLO"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Egress.FragmentHello = b
		}
	}
	if v := os.Getenv("RATCHED_EGRESS_CLIENT_CERT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Egress.ClientCert = b
		}
	}
	if v := os.Getenv("RATCHED_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RATCHED_DUMP_CERTIFICATES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.DumpCertificates = b
		}
	}
	if v := os.Getenv("RATCHED_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("RATCHED_LIMITS_MAX_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MaxConns = n
		}
	}
	if v := os.Getenv("RATCHED_LIMITS_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Limits.ReadTimeout = d
		}
	}
	if v := os.Getenv("RATCHED_LIMITS_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Limits.WriteTimeout = d
		}
	}
	return cfg, nil
}
