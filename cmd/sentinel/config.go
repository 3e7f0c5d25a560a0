package main

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// WatchdogKind selects which watchdog.Watchdog a declared unit is
// supervised by.
type WatchdogKind string

const (
	WatchdogNone  WatchdogKind = "none"
	WatchdogTimed WatchdogKind = "timed"
	WatchdogLease WatchdogKind = "lease"
)

// WatchdogSpec configures the watchdog a single unit is built with.
type WatchdogSpec struct {
	Type             WatchdogKind  `koanf:"type"`
	HeartbeatTimeout time.Duration `koanf:"heartbeatTimeout"`
	KVTimeout        time.Duration `koanf:"kvTimeout"`
	LockKey          string        `koanf:"lockKey"`
	LockLabel        string        `koanf:"lockLabel"`
}

// UnitSpec declares one supervised worker.
type UnitSpec struct {
	Name     string       `koanf:"name"`
	Path     string       `koanf:"path"`
	Args     []string     `koanf:"args"`
	Env      []string     `koanf:"env"`
	State    string       `koanf:"state"`
	Watchdog WatchdogSpec `koanf:"watchdog"`
}

// EtcdSpec configures the shared etcd client backing every lease-backed
// watchdog declared in Units.
type EtcdSpec struct {
	Endpoints   []string      `koanf:"endpoints"`
	DialTimeout time.Duration `koanf:"dialTimeout"`
}

// Config is the full shape of a sentinel unit-declaration file.
type Config struct {
	DataDir     string        `koanf:"dataDir"`
	MetricsAddr string        `koanf:"metricsAddr"`
	Controller  string        `koanf:"controller"`
	StepPeriod  time.Duration `koanf:"stepPeriod"`
	Etcd        EtcdSpec      `koanf:"etcd"`
	Units       []UnitSpec    `koanf:"units"`
}

func defaultConfig() Config {
	return Config{
		DataDir:     "/var/lib/sentinel",
		MetricsAddr: "127.0.0.1:9090",
		Controller:  "panic",
		StepPeriod:  time.Second,
		Etcd: EtcdSpec{
			Endpoints:   []string{"127.0.0.1:2379"},
			DialTimeout: 5 * time.Second,
		},
	}
}

// loadConfig reads a unit-declaration YAML file at path and fills any
// field the file left zero-valued from defaultConfig: a single file
// provider plus the yaml parser, no env/flag override layers.
func loadConfig(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return Config{}, fmt.Errorf("sentinel: load config file %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("sentinel: unmarshal config: %w", err)
	}
	if len(cfg.Units) == 0 {
		return Config{}, fmt.Errorf("sentinel: config %s declares no units", path)
	}
	return cfg, nil
}
