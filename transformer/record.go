package transformer

// Format identifies which of the two known telemetry shapes a raw record uses.
type Format int

const (
	// Legacy is the flat shape with a slash-delimited location string
	Legacy Format = iota
	// Modern is the nested shape with a device object and ISO-8601 timestamp
	Modern
)

func (f Format) String() string {
	switch f {
	case Legacy:
		return "legacy"
	case Modern:
		return "modern"
	default:
		return "unknown"
	}
}

// Record is the canonical telemetry record consumed by the dashboard
type Record struct {
	DeviceID   string                 `json:"deviceID"`
	DeviceType string                 `json:"deviceType"`
	Timestamp  int64                  `json:"timestamp"` // epoch milliseconds
	Location   Location               `json:"location"`
	Data       map[string]interface{} `json:"data"` // status, temperature and passthrough fields
}

// Location is the five-level site hierarchy of a device
type Location struct {
	Country string `json:"country"`
	City    string `json:"city"`
	Area    string `json:"area"`
	Factory string `json:"factory"`
	Section string `json:"section"`
}
