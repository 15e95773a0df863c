package cluster

import (
	"github.com/shirou/gopsutil/v3/cpu"
)

// LoadFunc reports the heartbeat load of this shard: the number of local
// connections, with the CPU utilisation fraction as tie breaker.
func LoadFunc(connections func() int) func() float64 {
	return func() float64 {
		load := float64(connections())
		if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
			load += pct[0] / 100
		}
		return load
	}
}
