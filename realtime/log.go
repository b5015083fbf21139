package realtime

import (
	"flag"
	"fmt"
)

// Logging convention in the `realtime` package:
// Info:
//     abnormal behavior only. Silent on normal operation except for one time startup data.
//     - auth failures, transport errors, dropped messages, reaped clients
// V(1):
//     key events with ids that can be used to filter
//     - connect, disconnect, conflict rejections, presence cleanup
// V(2):
//     per message traces
//     - client messages, subscription changes, delivery counts
// Warning:
//     recovered panics, from `HandleError`

// points glog at stderr with the given verbosity. glog reads its settings from the
// standard flag set, so this must run after `flag.Parse` if that is used.
func ConfigureLogging(verbosity int) error {
	settings := [][2]string{
		{"logtostderr", "true"},
		{"stderrthreshold", "INFO"},
		{"v", fmt.Sprintf("%d", verbosity)},
	}
	for _, setting := range settings {
		if err := flag.Set(setting[0], setting[1]); err != nil {
			return fmt.Errorf("Could not set log flag %s: %w", setting[0], err)
		}
	}
	return nil
}
