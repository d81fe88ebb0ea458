package transformer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"regexp"
	"strings"
	"time"
)

const locationSegments = 5

// isoTimestamp accepts only UTC instants carrying a fractional-second part,
// e.g. 2021-09-01T00:00:00.000Z
var isoTimestamp = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{1,9}Z$`)

// legacyKeys are consumed by the legacy mapping; anything else is carried into data.
var legacyKeys = map[string]bool{
	"device":          true,
	"deviceID":        true,
	"deviceType":      true,
	"timestamp":       true,
	"location":        true,
	"operationStatus": true,
	"temp":            true,
}

// Classify reports the format of a raw record. A record is Modern when it has
// a non-null "device" value and Legacy otherwise.
func Classify(raw map[string]interface{}) Format {
	if v, ok := raw["device"]; ok && v != nil {
		return Modern
	}
	return Legacy
}

// NormalizeJSON decodes a single JSON object and normalizes it.
func NormalizeJSON(payload []byte) (Record, error) {
	raw, err := DecodeObject(payload)
	if err != nil {
		return Record{}, err
	}
	return Normalize(raw)
}

// Normalize converts a Legacy or Modern record into the canonical shape.
// The input map is never modified.
func Normalize(raw map[string]interface{}) (Record, error) {
	if raw == nil {
		return Record{}, fmt.Errorf("%w: record is null", ErrInvalidPayload)
	}

	if Classify(raw) == Modern {
		return normalizeModern(raw)
	}
	return normalizeLegacy(raw)
}

// DecodeObject parses payload as exactly one JSON object. Numbers are kept as
// json.Number so passthrough values serialize unchanged.
func DecodeObject(payload []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrInvalidPayload)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: unexpected data after object", ErrInvalidPayload)
	}
	return raw, nil
}

func normalizeLegacy(raw map[string]interface{}) (Record, error) {
	deviceID, err := stringField(raw, "deviceID", "deviceID")
	if err != nil {
		return Record{}, err
	}
	deviceType, err := stringField(raw, "deviceType", "deviceType")
	if err != nil {
		return Record{}, err
	}

	tsValue, ok := raw["timestamp"]
	if !ok || tsValue == nil {
		return Record{}, missing("timestamp")
	}
	timestamp, ok := epochMillisValue(tsValue)
	if !ok {
		return Record{}, invalid("timestamp", "integer epoch milliseconds")
	}

	locationStr, err := stringField(raw, "location", "location")
	if err != nil {
		return Record{}, err
	}
	location, err := ParseLocation(locationStr)
	if err != nil {
		return Record{}, &FieldError{Field: "location", Err: err}
	}

	status, err := stringField(raw, "operationStatus", "operationStatus")
	if err != nil {
		return Record{}, err
	}
	temperature, err := numberField(raw, "temp", "temp")
	if err != nil {
		return Record{}, err
	}

	data := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		if !legacyKeys[k] {
			data[k] = v
		}
	}
	data["status"] = status
	data["temperature"] = temperature

	return Record{
		DeviceID:   deviceID,
		DeviceType: deviceType,
		Timestamp:  timestamp,
		Location:   location,
		Data:       data,
	}, nil
}

func normalizeModern(raw map[string]interface{}) (Record, error) {
	device, ok := raw["device"].(map[string]interface{})
	if !ok {
		return Record{}, invalid("device", "object")
	}
	deviceID, err := stringField(device, "id", "device.id")
	if err != nil {
		return Record{}, err
	}
	deviceType, err := stringField(device, "type", "device.type")
	if err != nil {
		return Record{}, err
	}

	tsStr, err := stringField(raw, "timestamp", "timestamp")
	if err != nil {
		return Record{}, err
	}
	timestamp, err := ParseTimestamp(tsStr)
	if err != nil {
		return Record{}, &FieldError{Field: "timestamp", Err: err}
	}

	var location Location
	for _, f := range []struct {
		key string
		dst *string
	}{
		{"country", &location.Country},
		{"city", &location.City},
		{"area", &location.Area},
		{"factory", &location.Factory},
		{"section", &location.Section},
	} {
		if *f.dst, err = stringField(raw, f.key, f.key); err != nil {
			return Record{}, err
		}
	}

	dataValue, ok := raw["data"]
	if !ok || dataValue == nil {
		return Record{}, missing("data")
	}
	src, ok := dataValue.(map[string]interface{})
	if !ok {
		return Record{}, invalid("data", "object")
	}
	if _, err := stringField(src, "status", "data.status"); err != nil {
		return Record{}, err
	}
	if _, err := numberField(src, "temperature", "data.temperature"); err != nil {
		return Record{}, err
	}
	data := make(map[string]interface{}, len(src))
	for k, v := range src {
		data[k] = v
	}

	return Record{
		DeviceID:   deviceID,
		DeviceType: deviceType,
		Timestamp:  timestamp,
		Location:   location,
		Data:       data,
	}, nil
}

// ParseLocation splits a country/city/area/factory/section path.
func ParseLocation(s string) (Location, error) {
	parts := strings.Split(s, "/")
	if len(parts) != locationSegments {
		return Location{}, fmt.Errorf("%w: %q has %d segments, want %d", ErrMalformedLocation, s, len(parts), locationSegments)
	}
	return Location{
		Country: parts[0],
		City:    parts[1],
		Area:    parts[2],
		Factory: parts[3],
		Section: parts[4],
	}, nil
}

// ParseTimestamp converts an ISO-8601 UTC timestamp with fractional seconds
// into epoch milliseconds, rounding half to even.
func ParseTimestamp(s string) (int64, error) {
	if !isoTimestamp.MatchString(s) {
		return 0, fmt.Errorf("%w: %q", ErrMalformedTimestamp, s)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedTimestamp, err)
	}
	return EpochMillis(t), nil
}

// EpochMillis rounds t to the nearest millisecond since the Unix epoch.
// Exact half-millisecond ties go to the even neighbour.
func EpochMillis(t time.Time) int64 {
	ms := t.Unix() * 1000
	ns := int64(t.Nanosecond())

	q, r := ns/1e6, ns%1e6
	// seconds contribute an even number of milliseconds, so the parity of q
	// is the parity of the result
	if r > 5e5 || (r == 5e5 && q%2 == 1) {
		q++
	}
	return ms + q
}

func stringField(obj map[string]interface{}, key, path string) (string, error) {
	v, ok := obj[key]
	if !ok || v == nil {
		return "", missing(path)
	}
	s, ok := v.(string)
	if !ok {
		return "", invalid(path, "string")
	}
	return s, nil
}

// numberField returns obj[key] unchanged when it holds a JSON number
func numberField(obj map[string]interface{}, key, path string) (interface{}, error) {
	v, ok := obj[key]
	if !ok || v == nil {
		return nil, missing(path)
	}
	switch n := v.(type) {
	case json.Number:
		if _, err := n.Float64(); err != nil {
			return nil, invalid(path, "number")
		}
		return v, nil
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return v, nil
	default:
		return nil, invalid(path, "number")
	}
}

func epochMillisValue(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return integral(f)
	case float64:
		return integral(n)
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

func integral(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64/2 {
		return 0, false
	}
	return int64(f), true
}
