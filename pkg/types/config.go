package types

// Config is the application configuration, merged from config files and
// environment overrides.
type Config struct {
	// Namespace prefixes generated session identifiers.
	Namespace string `json:"namespace,omitempty"`

	LogLevel  string `json:"logLevel,omitempty"`
	LogPretty bool   `json:"logPretty,omitempty"`

	Session SessionConfig `json:"session,omitempty"`
	Retry   RetryConfig   `json:"retry,omitempty"`
	Budget  BudgetConfig  `json:"budget,omitempty"`
	Server  ServerConfig  `json:"server,omitempty"`
}

// EvictionPolicy selects registry behavior when the live-session cap is hit.
type EvictionPolicy string

const (
	// EvictLRU evicts the least-recently-active session with no in-flight
	// request to make room.
	EvictLRU EvictionPolicy = "lru"
	// EvictReject refuses creation when the cap is reached.
	EvictReject EvictionPolicy = "reject"
)

// SessionConfig controls the session registry.
type SessionConfig struct {
	// MaxLive caps the number of live sessions.
	MaxLive int `json:"maxLive,omitempty"`
	// Eviction is the at-cap policy: "lru" or "reject".
	Eviction EvictionPolicy `json:"eviction,omitempty"`
	// RequestTimeoutMS bounds a single dispatch attempt.
	RequestTimeoutMS int `json:"requestTimeoutMS,omitempty"`
}

// RetryConfig controls the retry controller.
type RetryConfig struct {
	// MaxRetries is the number of re-attempts after the first failure.
	MaxRetries int `json:"maxRetries,omitempty"`
	// BaseIntervalMS is the initial backoff delay.
	BaseIntervalMS int `json:"baseIntervalMS,omitempty"`
	// MaxIntervalMS caps a single backoff delay.
	MaxIntervalMS int `json:"maxIntervalMS,omitempty"`
	// MaxElapsedMS caps the total time spent retrying. Zero means no cap.
	MaxElapsedMS int `json:"maxElapsedMS,omitempty"`
}

// BudgetConfig controls the budget monitor.
type BudgetConfig struct {
	// SoftLimitUSD is the cumulative per-cycle cost that raises a
	// non-fatal budget warning. Zero disables the warning.
	SoftLimitUSD float64 `json:"softLimitUSD,omitempty"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Port       int  `json:"port,omitempty"`
	EnableCORS bool `json:"enableCORS,omitempty"`
}
