package capacity

import (
	"context"

	"callback-scheduler/internal/carrier"
)

// Snapshot is a single point-in-time read of free outbound slots for one
// department. It is stale the instant it is read; dispatch deliberately
// selects against it without refreshing mid-pass, and exceeding true live
// capacity by a small margin is tolerated, never fatal.
type Snapshot struct {
	Free         map[carrier.Tag]int
	TrunkEnabled bool
}

// FreeFor returns the free slot count for a tag, zero when absent.
func (s Snapshot) FreeFor(tag carrier.Tag) int {
	if s.Free == nil {
		return 0
	}
	n := s.Free[tag]
	if n < 0 {
		return 0
	}
	return n
}

// Empty reports whether no capacity is available anywhere: every carrier,
// the shared aggregate, and the trunk.
func (s Snapshot) Empty() bool {
	for _, tag := range carrier.Real() {
		if s.FreeFor(tag) > 0 {
			return false
		}
	}
	if s.FreeFor(carrier.TagAll) > 0 {
		return false
	}
	if s.TrunkEnabled && s.FreeFor(carrier.TagAllTrunk) > 0 {
		return false
	}
	return true
}

// Oracle reports current free outbound capacity for a department.
//
// The scheduler treats the provider as opaque: how slots are counted
// (SIM banks, GSM gateways, trunk channels) is the gateway's business.
type Oracle interface {
	Snapshot(ctx context.Context, departmentID int64) (Snapshot, error)
}
