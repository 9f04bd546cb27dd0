// Package config loads the fabric's keyed configuration file (SPEC_FULL.md
// §6's "Configuration" paragraph): interface address, subnet mask, default
// route, MTU, reassembly timeout, queue capacity, plus the ambient necessities
// of a runnable binary — capture/inject stream paths, control-channel paths,
// and logging. A missing file yields compiled-in defaults; a malformed one is
// a fatal error, per the same paragraph's "hard abort on a malformed one"
// clause.
package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the parsed, defaulted configuration for one finsd process.
type Config struct {
	Interface      Interface      `yaml:"interface"`
	Routing        Routing        `yaml:"routing"`
	Queue          Queue          `yaml:"queue"`
	Reassembly     Reassembly     `yaml:"reassembly"`
	Streams        Streams        `yaml:"streams"`
	ControlChannel ControlChannel `yaml:"control_channel"`
	Log            Log            `yaml:"log"`
}

// Interface describes the single IPv4 interface this stack speaks for.
// HardwareAddr is optional: an empty value tells the caller to generate a
// random locally-administered address at startup instead of binding to a
// fixed one.
type Interface struct {
	Address      string `yaml:"address"`
	Mask         int    `yaml:"mask"`
	MTU          int    `yaml:"mtu"`
	HardwareAddr string `yaml:"hardware_addr"`
}

// Routing describes the default route and whether forwarding is on.
type Routing struct {
	Enabled     bool   `yaml:"enabled"`
	DefaultNext string `yaml:"default_next_hop"`
}

// Queue bounds every inter-module queue pair's capacity.
type Queue struct {
	Capacity int `yaml:"capacity"`
}

// Reassembly bounds how long an incomplete IPv4 fragment set is kept.
type Reassembly struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Streams names the capture/inject paths the Ethernet endpoint reads and
// writes (a FIFO in production, a plain file fine for a test fixture).
type Streams struct {
	CapturePath string `yaml:"capture_path"`
	InjectPath  string `yaml:"inject_path"`
}

// ControlChannel names the intercepted-client control path. finsd opens the
// ctrlchan package's channel keyed by SharedMemPath alone; RequestSemName and
// ResponseSemName are parsed but not read by finsd.
type ControlChannel struct {
	RequestSemName  string `yaml:"request_sem_name"`
	ResponseSemName string `yaml:"response_sem_name"`
	SharedMemPath   string `yaml:"shared_mem_path"`
}

// Log selects the logger's verbosity and wire format; finsd's --log-level
// and --log-format flags override these when set (per SPEC_FULL.md §6's
// command-line surface paragraph: "flags win").
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns the compiled-in configuration used when no file is given,
// or to fill in any key a partial file omits.
func Defaults() Config {
	return Config{
		Interface: Interface{Mask: 24, MTU: 1500},
		Routing:   Routing{Enabled: true},
		Queue:     Queue{Capacity: 256},
		Reassembly: Reassembly{
			Timeout: 30 * time.Second,
		},
		Streams: Streams{
			CapturePath: "/var/run/finsd/capture.pcap",
			InjectPath:  "/var/run/finsd/inject.pcap",
		},
		ControlChannel: ControlChannel{
			RequestSemName:  "/finsd.request",
			ResponseSemName: "/finsd.response",
			SharedMemPath:   "/var/run/finsd/ctrl.shm",
		},
		Log: Log{Level: "info", Format: "auto"},
	}
}

// ErrMissingAddress is returned by Validate when no interface address was
// configured; there is no sensible compiled-in default for it.
var ErrMissingAddress = errors.New("config: interface.address is required")

// Load reads and parses path, overlaying it onto Defaults(). A missing file
// is not an error: Defaults() alone is returned. A present-but-malformed file
// is: the caller is expected to treat that as the fatal "hard abort on a
// malformed one" case SPEC_FULL.md §6 describes, not to fall back silently.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the parsed configuration is internally consistent
// enough to start the fabric. It does not open any file or socket itself —
// that happens at startup and surfaces its own fatal errors, per SPEC_FULL.md
// §7's error-class table.
func (c Config) Validate() error {
	if c.Interface.Address == "" {
		return ErrMissingAddress
	}
	addr, err := netip.ParseAddr(c.Interface.Address)
	if err != nil {
		return fmt.Errorf("config: interface.address: %w", err)
	}
	if !addr.Is4() {
		return fmt.Errorf("config: interface.address: %s is not an IPv4 address", c.Interface.Address)
	}
	if c.Interface.Mask < 0 || c.Interface.Mask > 32 {
		return fmt.Errorf("config: interface.mask: %d out of range", c.Interface.Mask)
	}
	if c.Routing.DefaultNext != "" {
		if _, err := netip.ParseAddr(c.Routing.DefaultNext); err != nil {
			return fmt.Errorf("config: routing.default_next_hop: %w", err)
		}
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("config: queue.capacity must be positive, got %d", c.Queue.Capacity)
	}
	if c.Interface.MTU <= 0 {
		return fmt.Errorf("config: interface.mtu must be positive, got %d", c.Interface.MTU)
	}
	if c.Interface.HardwareAddr != "" {
		if _, err := net.ParseMAC(c.Interface.HardwareAddr); err != nil {
			return fmt.Errorf("config: interface.hardware_addr: %w", err)
		}
	}
	return nil
}

// HardwareAddr returns the configured interface hardware address as a
// 6-byte array, or a freshly generated random locally-administered address
// if none was configured.
func (c Config) HardwareAddr() ([6]byte, error) {
	var hw [6]byte
	if c.Interface.HardwareAddr == "" {
		if _, err := rand.Read(hw[:]); err != nil {
			return hw, fmt.Errorf("config: generating hardware address: %w", err)
		}
		hw[0] = (hw[0] | 0x02) & 0xfe // locally administered, unicast
		return hw, nil
	}
	mac, err := net.ParseMAC(c.Interface.HardwareAddr)
	if err != nil || len(mac) != 6 {
		return hw, fmt.Errorf("config: interface.hardware_addr: invalid MAC %q", c.Interface.HardwareAddr)
	}
	copy(hw[:], mac)
	return hw, nil
}

// InterfacePrefix returns the interface address and subnet mask combined as
// a netip.Prefix, for seeding the IPv4 module's on-link route.
func (c Config) InterfacePrefix() (netip.Prefix, error) {
	addr, err := netip.ParseAddr(c.Interface.Address)
	if err != nil {
		return netip.Prefix{}, err
	}
	return addr.Prefix(c.Interface.Mask)
}
