package config

// Unit declares a currency unit the accumulator accepts. Cap bounds the
// outstanding sum for the unit; zero means uncapped.
type Unit struct {
	Name string
	Cap  uint64
}

// Log controls the structured logger.
type Log struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Telemetry toggles the prometheus endpoint and the OTLP exporters.
type Telemetry struct {
	Metrics      bool
	Traces       bool
	OTLPEndpoint string
	OTLPInsecure bool
	OTLPHeaders  string
}

// Auth gates the write endpoints behind HS256 bearer tokens. An empty
// secret disables authentication entirely.
type Auth struct {
	Secret   string
	Issuer   string
	Audience string
}

// RateLimit bounds per-client request rates on the HTTP surface.
type RateLimit struct {
	RequestsPerMinute int
	Burst             int
}
