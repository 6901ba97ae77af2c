package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/yungbote/contentforge-backend/internal/platform/gcp"
	"github.com/yungbote/contentforge-backend/internal/platform/logger"
)

var newObjectStore = gcp.NewObjectStore

type StorageProviderBootstrapErrorCode string

const (
	StorageProviderBootstrapErrorInvalidConfig StorageProviderBootstrapErrorCode = "invalid_config"
	StorageProviderBootstrapErrorConnectFailed StorageProviderBootstrapErrorCode = "connect_failed"
)

type StorageProviderBootstrapError struct {
	Code         StorageProviderBootstrapErrorCode
	Bucket       string
	EmulatorHost string
	Cause        error
}

func (e *StorageProviderBootstrapError) Error() string {
	if e == nil {
		return "object storage bootstrap failed"
	}
	return fmt.Sprintf(
		"object storage bootstrap failed (code=%s bucket=%q emulator_host=%q): %v",
		e.Code,
		e.Bucket,
		e.EmulatorHost,
		e.Cause,
	)
}

func (e *StorageProviderBootstrapError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// resolveObjectStore returns (nil, nil) when STORAGE_ENABLED is off. Rendered videos then
// stay in the media work dir and are reported by path.
func resolveObjectStore(ctx context.Context, log *logger.Logger, cfg StorageConfig) (gcp.ObjectStore, error) {
	if !cfg.Enabled {
		log.Info("Object storage disabled; generated artifacts stay on local disk")
		return nil, nil
	}
	storageCfg := gcp.StorageConfig{
		Bucket:        strings.TrimSpace(cfg.Bucket),
		PublicBaseURL: strings.TrimSpace(cfg.PublicBaseURL),
		EmulatorHost:  strings.TrimSpace(cfg.EmulatorHost),
	}

	if err := storageCfg.Validate(); err != nil {
		berr := &StorageProviderBootstrapError{
			Code:         StorageProviderBootstrapErrorInvalidConfig,
			Bucket:       storageCfg.Bucket,
			EmulatorHost: storageCfg.EmulatorHost,
			Cause:        err,
		}
		log.Error("Object storage config invalid", "bucket", storageCfg.Bucket, "error_code", berr.Code, "error", err)
		return nil, berr
	}

	log.Info("Selecting object storage provider",
		"bucket", storageCfg.Bucket,
		"emulator_host", storageCfg.EmulatorHost,
	)
	store, err := newObjectStore(ctx, log, storageCfg)
	if err != nil {
		classified := classifyStorageProviderBootstrapError(storageCfg, err)
		log.Error("Object storage provider bootstrap failed",
			"bucket", storageCfg.Bucket,
			"emulator_host", storageCfg.EmulatorHost,
			"error_code", storageProviderBootstrapErrorCode(classified),
			"error", classified,
		)
		return nil, classified
	}
	return store, nil
}

func classifyStorageProviderBootstrapError(storageCfg gcp.StorageConfig, err error) error {
	var berr *StorageProviderBootstrapError
	if errors.As(err, &berr) {
		return err
	}
	code := StorageProviderBootstrapErrorConnectFailed
	if storageCfg.Validate() != nil {
		code = StorageProviderBootstrapErrorInvalidConfig
	}
	return &StorageProviderBootstrapError{
		Code:         code,
		Bucket:       storageCfg.Bucket,
		EmulatorHost: storageCfg.EmulatorHost,
		Cause:        err,
	}
}

func storageProviderBootstrapErrorCode(err error) StorageProviderBootstrapErrorCode {
	var bootstrapErr *StorageProviderBootstrapError
	if errors.As(err, &bootstrapErr) {
		if bootstrapErr.Code != "" {
			return bootstrapErr.Code
		}
	}
	return StorageProviderBootstrapErrorConnectFailed
}
