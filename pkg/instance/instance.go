package instance

import (
	"fmt"
	"os"
	"strings"
)

// GetID returns the process instance identifier. WORKER_ID wins, then the
// platform dyno name, then hostname-pid.
func GetID() string {
	for _, key := range []string{"WORKER_ID", "DYNO"} {
		if id := strings.TrimSpace(os.Getenv(key)); id != "" {
			return id
		}
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
