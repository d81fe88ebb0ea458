package transformer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/eddielth/telemetry-normalizer/config"
	"github.com/eddielth/telemetry-normalizer/logger"
)

// Manager normalizes raw payloads and applies optional per-device-type
// enrichment scripts to the canonical result. Device types are matched
// case-insensitively since viper lowercases map keys.
type Manager struct {
	scripts map[string]*Script
	mutex   sync.RWMutex
}

// Script is a compiled enrichment script exposing an enrich(record) function
type Script struct {
	vm         *goja.Runtime
	enrich     goja.Callable
	scriptPath string
	mu         sync.Mutex // goja runtimes are not goroutine safe
}

// NewManager creates a manager with one script per configured device type
func NewManager(configs map[string]config.Script) (*Manager, error) {
	manager := &Manager{
		scripts: make(map[string]*Script),
	}

	for deviceType, cfg := range configs {
		script, err := loadScript(cfg)
		if err != nil {
			return nil, fmt.Errorf("device type %s: %w", deviceType, err)
		}
		manager.scripts[strings.ToLower(deviceType)] = script
		logger.Info("loaded enrichment script for device type %s", deviceType)
	}

	return manager, nil
}

func loadScript(cfg config.Script) (*Script, error) {
	var scriptCode string

	// inline code takes precedence over a script file
	if cfg.ScriptCode != "" {
		scriptCode = cfg.ScriptCode
	} else if cfg.ScriptPath != "" {
		scriptBytes, err := os.ReadFile(cfg.ScriptPath)
		if err != nil {
			return nil, fmt.Errorf("cannot load script file %s: %w", cfg.ScriptPath, err)
		}
		scriptCode = string(scriptBytes)
	} else {
		return nil, fmt.Errorf("neither script_code nor script_path is set")
	}

	return NewScript(scriptCode, cfg.ScriptPath)
}

// NewScript compiles scriptCode and resolves its enrich function
func NewScript(scriptCode, scriptPath string) (*Script, error) {
	vm := goja.New()

	_ = vm.Set("log", func(msg string) {
		logger.Info("[JS] %s", msg)
	})

	// timestamp is epoch milliseconds, matching the canonical record
	_ = vm.Set("formatDate", func(timestamp int64, format string) string {
		if format == "" {
			format = "2006-01-02 15:04:05"
		}
		return time.UnixMilli(timestamp).UTC().Format(format)
	})

	_ = vm.Set("convertTemperature", convertTemperature)

	_ = vm.Set("validateRange", func(value float64, min float64, max float64) bool {
		return value >= min && value <= max
	})

	if _, err := vm.RunString(scriptCode); err != nil {
		return nil, fmt.Errorf("failed to run script: %w", err)
	}

	enrichValue := vm.Get("enrich")
	if enrichValue == nil {
		return nil, fmt.Errorf("script does not define an 'enrich' function")
	}
	enrich, ok := goja.AssertFunction(enrichValue)
	if !ok {
		return nil, fmt.Errorf("'enrich' is not a function")
	}

	return &Script{
		vm:         vm,
		enrich:     enrich,
		scriptPath: scriptPath,
	}, nil
}

// Transform normalizes one raw payload and runs the enrichment script of the
// resulting device type, if one is registered
func (m *Manager) Transform(payload []byte) (Record, error) {
	record, err := NormalizeJSON(payload)
	if err != nil {
		return Record{}, err
	}
	return m.Enrich(record)
}

// Enrich applies the script registered for record.DeviceType
func (m *Manager) Enrich(record Record) (Record, error) {
	m.mutex.RLock()
	script, exists := m.scripts[strings.ToLower(record.DeviceType)]
	m.mutex.RUnlock()

	if !exists {
		return record, nil
	}
	enriched, err := script.Apply(record)
	if err != nil {
		return Record{}, fmt.Errorf("enrich device type %s: %w", record.DeviceType, err)
	}
	return enriched, nil
}

// Apply runs enrich(record) and decodes the returned value back into a Record
func (s *Script) Apply(record Record) (Record, error) {
	// hand the script plain JSON values, not Go types it cannot inspect
	plain, err := toPlain(record)
	if err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	result, err := s.enrich(goja.Undefined(), s.vm.ToValue(plain))
	var exported interface{}
	if err == nil {
		exported = result.Export()
	}
	s.mu.Unlock()

	if err != nil {
		return Record{}, fmt.Errorf("script execution failed: %w", err)
	}
	if exported == nil {
		return Record{}, fmt.Errorf("script returned no record")
	}

	jsonData, err := json.Marshal(exported)
	if err != nil {
		return Record{}, fmt.Errorf("failed to serialize script result: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(jsonData))
	dec.UseNumber()
	var enriched Record
	if err := dec.Decode(&enriched); err != nil {
		return Record{}, fmt.Errorf("script result is not a canonical record: %w", err)
	}
	if enriched.Data == nil {
		enriched.Data = map[string]interface{}{}
	}
	return enriched, nil
}

// ReloadScript replaces (or registers) the script of one device type
func (m *Manager) ReloadScript(deviceType string, cfg config.Script) error {
	script, err := loadScript(cfg)
	if err != nil {
		return fmt.Errorf("failed to create script: %w", err)
	}

	m.mutex.Lock()
	m.scripts[strings.ToLower(deviceType)] = script
	m.mutex.Unlock()

	logger.Info("reloaded enrichment script for device type %s", deviceType)
	return nil
}

// RemoveScript drops the script of one device type
func (m *Manager) RemoveScript(deviceType string) {
	m.mutex.Lock()
	delete(m.scripts, strings.ToLower(deviceType))
	m.mutex.Unlock()
}

// DeviceTypes lists the device types that have a script
func (m *Manager) DeviceTypes() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	types := make([]string, 0, len(m.scripts))
	for t := range m.scripts {
		types = append(types, t)
	}
	return types
}

// toPlain converts record to JSON values for the script. Integers that
// fit int64 stay integers so large counters survive the round trip.
func toPlain(record Record) (map[string]interface{}, error) {
	jsonData, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize record: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(jsonData))
	dec.UseNumber()
	var plain map[string]interface{}
	if err := dec.Decode(&plain); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return plainNumbers(plain).(map[string]interface{}), nil
}

func plainNumbers(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, item := range val {
			val[k] = plainNumbers(item)
		}
		return val
	case []interface{}:
		for i, item := range val {
			val[i] = plainNumbers(item)
		}
		return val
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		f, _ := val.Float64()
		return f
	default:
		return v
	}
}

func convertTemperature(value float64, fromUnit string, toUnit string) float64 {
	fromUnit = strings.ToUpper(fromUnit)
	toUnit = strings.ToUpper(toUnit)

	var celsius float64
	switch fromUnit {
	case "C":
		celsius = value
	case "F":
		celsius = (value - 32) * 5 / 9
	case "K":
		celsius = value - 273.15
	default:
		return value // unknown unit
	}

	switch toUnit {
	case "C":
		return celsius
	case "F":
		return celsius*9/5 + 32
	case "K":
		return celsius + 273.15
	default:
		return celsius
	}
}
