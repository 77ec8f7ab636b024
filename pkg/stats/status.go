package stats

// Status is the cross-node synchronization health reported to the host
type Status int

const (
	// Healthy means flushes reach the store
	Healthy Status = iota
	// Degraded means flushes keep failing; statistics stay usable locally
	Degraded
)

func (s Status) String() string {
	if s == Degraded {
		return "degraded"
	}
	return "healthy"
}
