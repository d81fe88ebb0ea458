package config

import (
	"fmt"
	"strings"
)

// Validate checks configuration consistency.
// It does not mutate the configuration.
func Validate(cfg *Config) error {
	if cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt: broker must be set when enabled")
		}
		if len(cfg.MQTT.Topics) == 0 {
			return fmt.Errorf("mqtt: at least one topic is required")
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt: qos %d out of range 0..2", cfg.MQTT.QoS)
		}
	}

	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "" {
			return fmt.Errorf("kafka: brokers and topic must be set when enabled")
		}
	}

	if cfg.API.Enabled && (cfg.API.Port <= 0 || cfg.API.Port > 65535) {
		return fmt.Errorf("api: port %d out of range", cfg.API.Port)
	}

	for deviceType, s := range cfg.Scripts {
		if s.ScriptCode == "" && s.ScriptPath == "" {
			return fmt.Errorf("scripts %q: script_code or script_path is required", deviceType)
		}
	}

	seen := make(map[string]bool)
	for i, r := range cfg.Validation.Rules {
		if r.Field == "" {
			return fmt.Errorf("validation rule %d: field is required", i)
		}
		if r.Min > r.Max {
			return fmt.Errorf("validation rule %q: min %v greater than max %v", r.Field, r.Min, r.Max)
		}
		if seen[r.Field] {
			return fmt.Errorf("validation rule %q: duplicate field", r.Field)
		}
		seen[r.Field] = true
	}

	db := cfg.Storage.Database
	if db.Enabled {
		switch strings.ToLower(db.Type) {
		case "mysql":
		case "postgresql":
			if db.Driver != "" && db.Driver != "postgres" && db.Driver != "pgx" {
				return fmt.Errorf("storage.database: unknown postgresql driver %q", db.Driver)
			}
		default:
			return fmt.Errorf("storage.database: unsupported type %q", db.Type)
		}
		if db.DSN == "" {
			return fmt.Errorf("storage.database: dsn is required")
		}
	}

	if cfg.Storage.File.Enabled && cfg.Storage.File.Path == "" {
		return fmt.Errorf("storage.file: path is required")
	}

	if k := cfg.Storage.Kafka; k.Enabled && (len(k.Brokers) == 0 || k.Topic == "") {
		return fmt.Errorf("storage.kafka: brokers and topic must be set when enabled")
	}

	return nil
}
