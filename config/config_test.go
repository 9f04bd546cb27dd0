package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/finswire/fins/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.Defaults(), cfg)
}

func TestLoadMalformedFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("interface: [this is not a mapping"), 0o644))
	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestLoadOverlaysOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "finsd.yaml")
	body := `
interface:
  address: 10.0.0.1
  mask: 24
queue:
  capacity: 64
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", cfg.Interface.Address)
	assert.Equal(t, 64, cfg.Queue.Capacity)
	assert.Equal(t, 1500, cfg.Interface.MTU) // unset key keeps the compiled-in default
}

func TestValidateRequiresAddress(t *testing.T) {
	cfg := config.Defaults()
	assert.ErrorIs(t, cfg.Validate(), config.ErrMissingAddress)

	cfg.Interface.Address = "10.0.0.1"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsIPv6Address(t *testing.T) {
	cfg := config.Defaults()
	cfg.Interface.Address = "::1"
	assert.Error(t, cfg.Validate())
}

func TestInterfacePrefix(t *testing.T) {
	cfg := config.Defaults()
	cfg.Interface.Address = "10.0.0.1"
	cfg.Interface.Mask = 24
	prefix, err := cfg.InterfacePrefix()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/24", prefix.String())
}

func TestHardwareAddrParsesConfiguredMAC(t *testing.T) {
	cfg := config.Defaults()
	cfg.Interface.HardwareAddr = "02:00:00:00:00:01"
	hw, err := cfg.HardwareAddr()
	require.NoError(t, err)
	assert.Equal(t, [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}, hw)
}

func TestHardwareAddrGeneratesLocallyAdministeredWhenUnset(t *testing.T) {
	cfg := config.Defaults()
	hw, err := cfg.HardwareAddr()
	require.NoError(t, err)
	assert.Equal(t, byte(0x02), hw[0]&0x02) // locally-administered bit set
	assert.Equal(t, byte(0), hw[0]&0x01)    // unicast, not multicast

	other, err := cfg.HardwareAddr()
	require.NoError(t, err)
	assert.NotEqual(t, hw, other) // freshly generated each call, not cached
}

func TestValidateRejectsMalformedHardwareAddr(t *testing.T) {
	cfg := config.Defaults()
	cfg.Interface.Address = "10.0.0.1"
	cfg.Interface.HardwareAddr = "not-a-mac"
	assert.Error(t, cfg.Validate())
}
