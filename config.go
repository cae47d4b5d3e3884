package switchyard

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/switchyard-net/switchyard/api"
)

const (
	// DefaultStore points the engine at the in-memory backend when no store
	// URL is configured. Production deployments use etcd://host:2379[,...].
	DefaultStore = "mem://"
	// DefaultAcquireTimeout bounds device lock acquisition when a device
	// does not override it. Matches the driver this engine grew out of.
	DefaultAcquireTimeout = 60 * time.Second
	// DefaultWaitTimeout bounds how long Submit waits for a result when the
	// caller passes zero.
	DefaultWaitTimeout = 60 * time.Second
	// DefaultLockLeaseTTL is how long a crashed holder keeps a slot before
	// the lease lapses and the next waiter gets through.
	DefaultLockLeaseTTL = 30 * time.Second
	// DefaultMaxBatchSize bounds how many queue entries one session drains.
	DefaultMaxBatchSize = 32
	// DefaultPollInterval is the safety poll used alongside backend watches.
	DefaultPollInterval = 3 * time.Second
	// DefaultPollJitter staggers worker polls to avoid thundering herds.
	DefaultPollJitter = 500 * time.Millisecond
	// DefaultResultTTL bounds how long unclaimed results live in the backend.
	DefaultResultTTL = 5 * time.Minute
	// DefaultListen is the daemon's HTTP bind address.
	DefaultListen = ":9650"
)

// WaitForever disables the bound on lock acquisition for a device
// (acquire_timeout 0 in the inventory file maps to the engine default;
// -1 maps to this).
const WaitForever = time.Duration(-1)

// Config wires an Engine.
type Config struct {
	// Store selects the coordination backend: mem:// or
	// etcd://host:2379[,host:2379].
	Store string
	// EtcdUsername and EtcdPassword authenticate against etcd when set.
	EtcdUsername string
	EtcdPassword string

	// Devices is the per-device inventory supplied by the configuration
	// collaborator. Immutable for the process lifetime.
	Devices []api.Device

	// AcquireTimeout, WaitTimeout, MaxBatchSize fill device fields left
	// zero in the inventory.
	AcquireTimeout time.Duration
	WaitTimeout    time.Duration
	MaxBatchSize   int

	// LockLeaseTTL, PollInterval, PollJitter, ResultTTL tune the
	// coordination machinery.
	LockLeaseTTL time.Duration
	PollInterval time.Duration
	PollJitter   time.Duration
	ResultTTL    time.Duration

	// Listen is the daemon HTTP bind address; ignored in library use.
	Listen string
}

// ApplyDefaults fills zero fields in place.
func (c *Config) ApplyDefaults() {
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.LockLeaseTTL <= 0 {
		c.LockLeaseTTL = DefaultLockLeaseTTL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollJitter < 0 {
		c.PollJitter = DefaultPollJitter
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = DefaultResultTTL
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Devices))
	for _, dev := range c.Devices {
		if dev.DeviceID == "" {
			return fmt.Errorf("config: device with empty device_id")
		}
		if _, dup := seen[dev.DeviceID]; dup {
			return fmt.Errorf("config: duplicate device %q", dev.DeviceID)
		}
		seen[dev.DeviceID] = struct{}{}
		if dev.MaxSessions < 0 {
			return fmt.Errorf("config: device %q: max_sessions must be >= 1", dev.DeviceID)
		}
	}
	return nil
}

// resolveDevice fills a device's zero fields from the engine defaults.
func (c *Config) resolveDevice(dev api.Device) api.Device {
	if dev.MaxSessions <= 0 {
		dev.MaxSessions = 1
	}
	if dev.AcquireTimeout == 0 {
		dev.AcquireTimeout = c.AcquireTimeout
	}
	if dev.AcquireTimeout < 0 {
		dev.AcquireTimeout = 0 // WaitForever: no acquisition bound
	}
	if dev.WaitTimeout <= 0 {
		dev.WaitTimeout = c.WaitTimeout
	}
	if dev.MaxBatchSize <= 0 {
		dev.MaxBatchSize = c.MaxBatchSize
	}
	return dev
}

// Inventory file schema. Durations are seconds; 0 means "engine default"
// and -1 means "wait forever", following the acquire block convention.
type deviceFile struct {
	Devices []deviceRecord `yaml:"devices"`
}

type deviceRecord struct {
	DeviceID              string `yaml:"device_id"`
	MaxSessions           int    `yaml:"max_sessions"`
	BatchingEnabled       bool   `yaml:"batching_enabled"`
	AcquireTimeoutSeconds int64  `yaml:"acquire_timeout_seconds"`
	WaitTimeoutSeconds    int64  `yaml:"wait_timeout_seconds"`
	MaxBatchSize          int    `yaml:"max_batch_size"`
}

// LoadDeviceFile parses a YAML device inventory.
func LoadDeviceFile(path string) ([]api.Device, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read device file: %w", err)
	}
	return ParseDevices(raw)
}

// ParseDevices decodes a YAML device inventory document.
func ParseDevices(raw []byte) ([]api.Device, error) {
	var file deviceFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse device file: %w", err)
	}
	devices := make([]api.Device, 0, len(file.Devices))
	for _, rec := range file.Devices {
		dev := api.Device{
			DeviceID:        rec.DeviceID,
			MaxSessions:     rec.MaxSessions,
			BatchingEnabled: rec.BatchingEnabled,
			MaxBatchSize:    rec.MaxBatchSize,
		}
		dev.AcquireTimeout = secondsField(rec.AcquireTimeoutSeconds)
		dev.WaitTimeout = secondsField(rec.WaitTimeoutSeconds)
		devices = append(devices, dev)
	}
	return devices, nil
}

func secondsField(v int64) time.Duration {
	switch {
	case v < 0:
		return WaitForever
	case v == 0:
		return 0
	default:
		return time.Duration(v) * time.Second
	}
}
