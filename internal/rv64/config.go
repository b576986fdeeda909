package rv64

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the YAML-loadable machine configuration (spec.md's emitted
// scope excludes a CLI, but the loader lives here since it's an ambient
// concern, not a feature — see the CLI collaborator in cmd/rv64run for the
// only caller of LoadConfig). Nothing else in this package reads a file or
// takes a Config: NewMachine receives its RAM size, console output, disk
// image and logger as separate arguments.
type Config struct {
	RAMSize          uint64 `yaml:"ram_size"`
	EntryPC          uint64 `yaml:"entry_pc"`
	SnapshotInterval uint64 `yaml:"snapshot_interval"`
	DiskImagePath    string `yaml:"disk_image_path"`
	KernelImagePath  string `yaml:"kernel_image_path"`
}

// DefaultConfig returns the configuration NewMachine's defaults imply: a
// 128MiB machine entering at DRAMBase with no disk and no periodic
// snapshotting.
func DefaultConfig() Config {
	return Config{
		RAMSize: DRAMSize,
		EntryPC: DRAMBase,
	}
}

// LoadConfig reads and validates a YAML config file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.RAMSize == 0 {
		return Config{}, fmt.Errorf("config: ram_size must be nonzero")
	}
	return cfg, nil
}
