package mqtt

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// KV is the operational state store the instance ID lives in.
type KV interface {
	Get(ctx context.Context, namespace, key string) (string, bool, error)
	Set(ctx context.Context, namespace, key, value string) error
}

// InstanceID returns the persistent device identifier, generating and
// storing a UUIDv7 the first time. It outlives device_name changes so
// Home Assistant keeps entity history across renames.
func InstanceID(ctx context.Context, kv KV) (string, error) {
	id, ok, err := kv.Get(ctx, "mqtt", "instance_id")
	if err != nil {
		return "", fmt.Errorf("load instance ID: %w", err)
	}
	if ok && id != "" {
		return id, nil
	}

	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}
	if err := kv.Set(ctx, "mqtt", "instance_id", u.String()); err != nil {
		return "", fmt.Errorf("persist instance ID: %w", err)
	}
	return u.String(), nil
}
