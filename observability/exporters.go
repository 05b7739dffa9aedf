package observability

import (
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/sdk/resource"

	kitconfig "github.com/italypaleale/tunequeue/config"
)

// disableExporterIfUnset sets the autoexport env var for a signal to "none" when it's empty, so nothing is exported unless configured.
func disableExporterIfUnset(envVar string) {
	if os.Getenv(envVar) == "" {
		_ = os.Setenv(envVar, "none") //nolint:errcheck
	}
}

func otelResource(cfg kitconfig.Base, appName string) (*resource.Resource, error) {
	if cfg == nil {
		return nil, errors.New("option Config is required")
	}
	res, err := cfg.GetOtelResource(appName)
	if err != nil {
		return nil, fmt.Errorf("failed to get OpenTelemetry resource: %w", err)
	}
	return res, nil
}
