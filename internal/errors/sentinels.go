package errors

// Sentinel errors for the monitoring core. Wrap them with New(...) so callers
// can both match with Is and read a category.
var (
	// ErrConnection is a transient network or process failure while connecting.
	ErrConnection = NewStd("stream connection failed")
	// ErrDecode is a decoder process failure; handled like ErrConnection.
	ErrDecode = NewStd("stream decode failed")
	// ErrDataTimeout means no audio bytes arrived within the inactivity timeout.
	ErrDataTimeout = NewStd("no audio data received")
	// ErrCircuitOpen means a stream hit its failure threshold and is cooling down.
	ErrCircuitOpen = NewStd("circuit breaker tripped")
	// ErrIndexCorruption means a stored fingerprint payload could not be decoded.
	ErrIndexCorruption = NewStd("fingerprint payload corrupt")
	// ErrConfigReload means a configuration change was rejected.
	ErrConfigReload = NewStd("configuration reload rejected")
	// ErrDecoderMissing means the decoder executable cannot be found.
	ErrDecoderMissing = NewStd("decoder executable not found")
	// ErrStreamRemoved signals a clean shutdown of a stream that left the configuration.
	ErrStreamRemoved = NewStd("stream removed from configuration")
)

var sentinelCategories = map[error]ErrorCategory{
	ErrConnection:      CategoryConnection,
	ErrDecode:          CategoryDecode,
	ErrDataTimeout:     CategoryDataTimeout,
	ErrCircuitOpen:     CategoryCircuitBreaker,
	ErrIndexCorruption: CategoryIndexCorrupt,
	ErrConfigReload:    CategoryConfigReload,
	ErrDecoderMissing:  CategoryDecoderMissing,
}

// IsRetryable reports whether a stream failure should be retried with backoff.
// Connection, decode and data timeout failures are retryable; a missing
// decoder and a removed stream are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if Is(err, ErrDecoderMissing) || Is(err, ErrStreamRemoved) {
		return false
	}
	return true
}
