package metrics

import (
	"os"

	"github.com/linux-test-project/runltp-ng-sub000/internal/bus"
)

var hostName, _ = os.Hostname()

// Subscribe wires the bus's test_completed and sut_restart events into the
// Prometheus vectors above. Nothing in the core reads these back; the
// core stays decoupled from whether anything scrapes them.
func Subscribe(b *bus.Bus) {
	b.Register(bus.TestCompleted, func(args ...interface{}) error {
		if len(args) < 2 {
			return nil
		}
		status, _ := args[1].(string)
		TestsRun.WithLabelValues(hostName, "", status).Inc()
		return nil
	})

	b.Register(bus.SUTRestart, func(args ...interface{}) error {
		suite, _ := firstString(args)
		SUTRestarts.WithLabelValues(hostName, suite).Inc()
		return nil
	})
}

func firstString(args []interface{}) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	s, ok := args[0].(string)
	return s, ok
}
