// Package bootid discovers the running kernel's boot id (spec §6.4),
// used to name transaction staging directories so a crash followed by a
// reboot can be told apart from a still-running crashed process (spec
// §4.2).
package bootid

import (
	"os"
	"strings"
)

const envOverride = "OSTREE_BOOTID"

const procPath = "/proc/sys/kernel/random/boot_id"

// Get returns the current boot id, honoring the OSTREE_BOOTID environment
// override used by tests (spec §6.4).
func Get() (string, error) {
	if v := os.Getenv(envOverride); v != "" {
		return v, nil
	}

	b, err := os.ReadFile(procPath)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
