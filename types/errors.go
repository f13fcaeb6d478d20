package types

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigInvalidPath    = errors.New("config invalid path")
	ErrConfigIsNil          = errors.New("config is nil")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrServerNotRunning     = errors.New("server not running")
	ErrServerAlreadyRunning = errors.New("server already running")
	ErrServerStartFailed    = errors.New("server start failed")
	ErrHandlerIsNil         = errors.New("handler is nil")
)

var (
	ErrCacheKeyEmpty    = errors.New("cache key empty")
	ErrCacheTypeUnknown = errors.New("cache type unknown")
	ErrBucketNameEmpty  = errors.New("bucket name empty")
	ErrBucketNotFound   = errors.New("bucket not found")
	ErrNotCacheable     = errors.New("response not cacheable")
)

var (
	ErrPrecacheFailed      = errors.New("precache failed")
	ErrOfflineURLMissing   = errors.New("offline url missing from precache list")
	ErrNoWaitingGeneration = errors.New("no waiting generation")
	ErrInstallInProgress   = errors.New("install in progress")
)

var (
	ErrOffline         = errors.New("network unavailable and no cached fallback")
	ErrStrategyUnknown = errors.New("strategy unknown")
	ErrFetchFailed     = errors.New("fetch failed")
	ErrCircuitOpen     = errors.New("circuit breaker open")
	ErrFetchTimeout    = errors.New("fetch timeout")
)

var (
	ErrUnknownEvent         = errors.New("unknown event")
	ErrInvalidPayload       = errors.New("invalid payload")
	ErrSurfaceNotReady      = errors.New("notification surface not ready")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrRelayPublish         = errors.New("relay publish failed")
	ErrSyncTagUnknown       = errors.New("sync tag unknown")
	ErrOutboxDisabled       = errors.New("outbox is disabled")
)

var (
	ErrCronJobNameIsEmpty    = errors.New("cron job name is empty")
	ErrCronExpressionInvalid = errors.New("cron expression invalid")
	ErrCronJobIsNil          = errors.New("cron job is nil")
	ErrCronJobExists         = errors.New("cron job exists")
)

var (
	ErrLogFileIsEmpty      = errors.New("log file is empty")
	ErrLogFileWrongFormat  = errors.New("log file wrong format")
	ErrLoggerConfigInvalid = errors.New("logger config invalid")
)

var (
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
