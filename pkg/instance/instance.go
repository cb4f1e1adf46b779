// Package instance identifies this process for lease ownership.
package instance

import (
	"os"
	"strings"
	"sync"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
)

const appID = "execution-core"

var (
	once sync.Once
	id   string
)

// ID returns a stable per-host identifier: an app-scoped hash of the machine id,
// or the hostname when the machine id is unavailable.
func ID() string {
	once.Do(func() {
		id = resolve(func() (string, error) { return machineid.ProtectedID(appID) }, os.Hostname)
	})
	return id
}

func resolve(machine, hostname func() (string, error)) string {
	if mid, err := machine(); err == nil && mid != "" {
		if len(mid) > 16 {
			mid = mid[:16]
		}
		return mid
	}
	if h, err := hostname(); err == nil && h != "" {
		return strings.ReplaceAll(h, "/", "-")
	}
	return "unknown-host"
}

// NewOwnerToken returns "<instance-id>/<uuid>", unique per lease attempt.
func NewOwnerToken() string {
	return ID() + "/" + uuid.NewString()
}
