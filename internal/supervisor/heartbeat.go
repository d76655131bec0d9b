package supervisor

// heartbeat counts consecutive failed liveness probes for one realtime
// connection. Every reset starts a new epoch; probe results from an older
// epoch are ignored.
type heartbeat struct {
	failures  int
	threshold int
	epoch     uint64
	inFlight  bool
}

func newHeartbeat(threshold int) *heartbeat {
	if threshold < 1 {
		threshold = 1
	}
	return &heartbeat{threshold: threshold}
}

// reset clears the failure count. Called on both Reconnecting and
// Reconnected.
func (h *heartbeat) reset() {
	h.failures = 0
	h.epoch++
}

// begin reports whether a new probe may start and returns its epoch.
func (h *heartbeat) begin() (uint64, bool) {
	if h.inFlight {
		return 0, false
	}
	h.inFlight = true
	return h.epoch, true
}

// record applies a probe result. It returns false for a stale result.
func (h *heartbeat) record(epoch uint64, err error) bool {
	h.inFlight = false
	if epoch != h.epoch {
		return false
	}
	if err == nil {
		h.failures = 0
	} else {
		h.failures++
	}
	return true
}

// tripped reports whether the failure threshold has been reached.
func (h *heartbeat) tripped() bool {
	return h.failures >= h.threshold
}
