package netsync

import "time"

var processStart = time.Now()

// Uptime reports how long the process has been running,
// truncated to whole seconds
func Uptime() time.Duration {
	return time.Since(processStart).Truncate(time.Second)
}
