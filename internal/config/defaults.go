package config

// Defaults applied by WithDefaults for fields left unset.
const (
	DefaultBasePath         = "/"
	DefaultLogLevel         = "info"
	DefaultRetryMaxAttempts = 5
	DefaultRetryInitialMs   = 500
	DefaultRetryMaxMs       = 10000
	DefaultSendPerSecond    = 20
)
