package instance

import (
	"os"

	"github.com/angelmondragon/crumb-backend/pkg/env"
)

// GetID names this process in logs and lock owners. CRUMB_INSTANCE_ID wins,
// then the platform's dyno name, then the hostname.
func GetID() string {
	if id := env.First("CRUMB_INSTANCE_ID", "DYNO"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}
