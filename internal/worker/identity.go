package worker

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Identity builds a worker id unique across processes and restarts. The id is
// the lease owner written to locked_by, so uniqueness is what keeps one
// worker's finalize from touching another worker's job.
func Identity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String()[:8])
}
