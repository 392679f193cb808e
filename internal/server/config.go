package server

// Config carries the settings for the HTTP and Flight front ends.
type Config struct {
	// ListenAddr is the HTTP address, e.g. ":8080".
	ListenAddr string
	// FlightAddr is the Arrow Flight address. Empty disables Flight.
	FlightAddr string
	// MaxConcurrent bounds how many kernel calls run at once.
	MaxConcurrent int
	// MaxTableElements caps max_seq_len * d_model for tables built on request.
	MaxTableElements int
	// MaxResultElements caps the combined size of attention output and weights.
	MaxResultElements int
	// MaxBodyBytes caps HTTP request bodies.
	MaxBodyBytes int64
}

// DefaultConfig returns the settings used when flags are left alone.
func DefaultConfig() Config {
	return Config{
		ListenAddr:        ":8080",
		FlightAddr:        "",
		MaxConcurrent:     64,
		MaxTableElements:  1 << 24,
		MaxResultElements: 1 << 26,
		MaxBodyBytes:      64 << 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MaxTableElements <= 0 {
		c.MaxTableElements = d.MaxTableElements
	}
	if c.MaxResultElements <= 0 {
		c.MaxResultElements = d.MaxResultElements
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	return c
}
