package events

import "github.com/containerd/cgroups/v3/cgroup2/stats"

// StatsFromMetrics converts cgroup v2 metrics to a Stats sample.
func StatsFromMetrics(m *stats.Metrics) *Stats {
	s := &Stats{}
	if m == nil {
		return s
	}

	if m.CPU != nil {
		s.CPUUsageUsec = m.CPU.UsageUsec
	}

	if m.Memory != nil {
		s.MemoryUsage = m.Memory.Usage
		s.MemoryLimit = m.Memory.UsageLimit
	}

	if m.Pids != nil {
		s.Pids = m.Pids.Current
		s.PidsLimit = m.Pids.Limit
	}

	if m.MemoryEvents != nil {
		s.OOMKills = m.MemoryEvents.OomKill
	}

	return s
}
