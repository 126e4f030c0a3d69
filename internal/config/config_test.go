package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9999", cfg.Listen)
	require.Equal(t, "all", cfg.Mode)
	require.Equal(t, "ecc", cfg.Key.Type)
	require.Equal(t, "secp384r1", cfg.Key.ECCCurve)
	require.NotEmpty(t, cfg.ConfigDir)
	require.False(t, cfg.Forge.MarkCertificates)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ratched.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: 127.0.0.1:8443
mode: list
intercept_list: [example.com, 192.0.2.7]
config_dir: /tmp/ratched-test
keyspec:
  type: rsa
  rsa_bits: 3072
forge:
  mark_certificates: true
  crl_uri: http://crl.example/root.crl
  ocsp_responder_uri: http://ocsp.example
logging:
  level: debug
  dump_certificates: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8443", cfg.Listen)
	require.Equal(t, "list", cfg.Mode)
	require.Equal(t, []string{"example.com", "192.0.2.7"}, cfg.InterceptList)
	require.Equal(t, "/tmp/ratched-test", cfg.ConfigDir)
	require.Equal(t, "rsa", cfg.Key.Type)
	require.Equal(t, 3072, cfg.Key.RSABits)
	require.True(t, cfg.Forge.MarkCertificates)
	require.Equal(t, "http://crl.example/root.crl", cfg.Forge.CRLURI)
	require.Equal(t, "http://ocsp.example", cfg.Forge.OCSPResponderURI)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.True(t, cfg.Logging.DumpCertificates)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RATCHED_LISTEN", "127.0.0.1:1234")
	t.Setenv("RATCHED_MODE", "list")
	t.Setenv("RATCHED_INTERCEPT_LIST", "a.example, b.example")
	t.Setenv("RATCHED_CONFIG_DIR", "/tmp/ratched-env")
	t.Setenv("RATCHED_KEYSPEC_TYPE", "rsa")
	t.Setenv("RATCHED_KEYSPEC_RSA_BITS", "4096")
	t.Setenv("RATCHED_MARK_CERTIFICATES", "true")
	t.Setenv("RATCHED_DUMP_CERTIFICATES", "true")
	t.Setenv("RATCHED_LIMITS_READ_TIMEOUT", "5s")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:1234", cfg.Listen)
	require.Equal(t, "list", cfg.Mode)
	require.Equal(t, []string{"a.example", "b.example"}, cfg.InterceptList)
	require.Equal(t, "/tmp/ratched-env", cfg.ConfigDir)
	require.Equal(t, "rsa", cfg.Key.Type)
	require.Equal(t, 4096, cfg.Key.RSABits)
	require.True(t, cfg.Forge.MarkCertificates)
	require.True(t, cfg.Logging.DumpCertificates)
	require.Equal(t, 5*time.Second, cfg.Limits.ReadTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
