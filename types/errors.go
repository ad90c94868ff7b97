package types

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigInvalidPath    = errors.New("config invalid path")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrServerNotRunning     = errors.New("server not running")
	ErrServerAlreadyRunning = errors.New("server already running")
	ErrServerStartFailed    = errors.New("server start failed")
)

var (
	ErrCacheKeyEmpty       = errors.New("cache key empty")
	ErrCacheNameEmpty      = errors.New("cache name empty")
	ErrCacheTypeUnknown    = errors.New("cache type unknown")
	ErrCacheEntryCorrupted = errors.New("cache entry corrupted")
)

var (
	ErrInstallFailed      = errors.New("app shell install failed")
	ErrNotActivated       = errors.New("controller not activated")
	ErrManifestInvalid    = errors.New("manifest invalid")
	ErrNetworkUnavailable = errors.New("network unavailable")
)

var (
	ErrStoreTypeUnknown = errors.New("durable store type unknown")
	ErrStoreKeyEmpty    = errors.New("durable store key empty")
	ErrStoreWriteFailed = errors.New("durable store write failed")
)

var (
	ErrRemoteTypeUnknown    = errors.New("remote store type unknown")
	ErrRemoteRequestFailed  = errors.New("remote request failed")
	ErrRemoteResponseFailed = errors.New("remote response invalid")
	ErrOwnerEmpty           = errors.New("owner id empty")
)

var (
	ErrSignalBusStopped  = errors.New("signal bus stopped")
	ErrSignalHandlerNil  = errors.New("signal handler is nil")
	ErrLinkNotConfigured = errors.New("link monitor url not configured")
)

var (
	ErrMetricsTypeUnknown  = errors.New("metrics type unknown")
	ErrLoggerTypeUnknown   = errors.New("logger type unknown")
	ErrLoggerConfigInvalid = errors.New("logger config invalid")
	ErrLogFileIsEmpty      = errors.New("log file is empty")
	ErrLogFileWrongFormat  = errors.New("log file wrong format")
)

var (
	ErrClientRequestFailed   = errors.New("client request failed")
	ErrClientResponseInvalid = errors.New("client response invalid")
	ErrClientNotRunning      = errors.New("client not running")
	ErrCircuitBreakerOpen    = errors.New("circuit breaker open")
)

var (
	ErrServiceIsRunning    = errors.New("service is running")
	ErrServiceIsNotRunning = errors.New("service is not running")
	ErrInvalidParameter    = errors.New("invalid parameter")
)

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}
