package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// GetInstanceID returns an identifier for the running instance.
// It uses, in order: the replica name when running on Azure Container Apps, the "service.instance.id" attribute from OTEL_RESOURCE_ATTRIBUTES, or a random value.
func GetInstanceID() (string, error) {
	if replica := os.Getenv("CONTAINER_APP_REPLICA_NAME"); replica != "" {
		return replica, nil
	}

	for _, kv := range strings.Split(os.Getenv("OTEL_RESOURCE_ATTRIBUTES"), ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) != "service.instance.id" {
			continue
		}

		// Values are URL-encoded; invalid ones are ignored
		val, err := url.PathUnescape(strings.TrimSpace(v))
		if err == nil && val != "" {
			return val, nil
		}
	}

	b := make([]byte, 7)
	_, err := rand.Read(b)
	if err != nil {
		return "", fmt.Errorf("failed to generate random instance ID: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
