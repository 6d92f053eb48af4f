package backup

import (
	"os"
	"runtime"
)

// defaultToolVersion is stamped into a run's metadata when the Engine
// has no ToolVersion of its own, adapted from the
// teacher's build-tag edition constant into a single version string
// (the edition/tier concept itself has no equivalent in this domain).
const defaultToolVersion = "dev"

// collectEnvironment gathers the {hostname, platform, runtimeVersion}
// triple recorded on every BackupRun, adapted from the teacher's
// hardware fingerprinting down to the fields the spec actually needs —
// no machine ID or MAC address collection, since license hardware
// binding has no equivalent in this domain.
func collectEnvironment() (hostname, platform, runtimeVersion string) {
	hostname, _ = os.Hostname()
	platform = runtime.GOOS + "/" + runtime.GOARCH
	runtimeVersion = runtime.Version()
	return hostname, platform, runtimeVersion
}
