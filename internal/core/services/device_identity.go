package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"ringline/internal/core/domain"
	"ringline/internal/core/ports"
	"ringline/pkg/validation"
)

// DeviceIDKey is the store key the device identity lives under.
const DeviceIDKey = "ringline.device_id"

// LoadOrCreateDeviceID returns the persisted device id, generating and
// storing one on first use. The id never changes afterwards.
func LoadOrCreateDeviceID(ctx context.Context, store ports.DeviceStore) (domain.DeviceID, error) {
	existing, err := store.Get(ctx, DeviceIDKey)
	switch {
	case err == nil:
		if verr := validation.ValidateDeviceID(existing); verr != nil {
			return "", fmt.Errorf("stored device id is corrupt: %w", verr)
		}
		return domain.DeviceID(existing), nil
	case !errors.Is(err, domain.ErrDeviceIDNotFound):
		return "", fmt.Errorf("load device id: %w", err)
	}

	id := domain.DeviceID(uuid.NewString())
	if err := store.Set(ctx, DeviceIDKey, string(id)); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	return id, nil
}
