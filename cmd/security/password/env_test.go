package password

import (
	"os"
	"testing"
)

// unsetKnobs clears every knob for the duration of t, restoring prior values afterwards.
func unsetKnobs(t *testing.T) {
	t.Helper()
	for _, k := range envKnobs {
		prev, had := os.LookupEnv(k.name)
		_ = os.Unsetenv(k.name)
		name := k.name
		t.Cleanup(func() {
			if had {
				_ = os.Setenv(name, prev)
			}
		})
	}
}
