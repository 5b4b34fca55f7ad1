package cri

import (
	"github.com/nixpig/kiln/internal/store"
	"github.com/opencontainers/runtime-spec/specs-go"
	runtimeapi "k8s.io/cri-api/pkg/apis/runtime/v1"
)

func toContainerState(s store.Status) runtimeapi.ContainerState {
	switch s {
	case store.StatusCreated:
		return runtimeapi.ContainerState_CONTAINER_CREATED
	case store.StatusRunning, store.StatusPaused:
		return runtimeapi.ContainerState_CONTAINER_RUNNING
	case store.StatusStopped:
		return runtimeapi.ContainerState_CONTAINER_EXITED
	default:
		return runtimeapi.ContainerState_CONTAINER_UNKNOWN
	}
}

func toContainer(r *store.Record) *runtimeapi.Container {
	return &runtimeapi.Container{
		Id:          r.ID,
		Metadata:    &runtimeapi.ContainerMetadata{Name: r.ID},
		State:       toContainerState(r.Status),
		CreatedAt:   r.CreatedAt.UnixNano(),
		Annotations: r.Annotations,
	}
}

func toContainerStatus(r *store.Record) *runtimeapi.ContainerStatus {
	s := &runtimeapi.ContainerStatus{
		Id:          r.ID,
		Metadata:    &runtimeapi.ContainerMetadata{Name: r.ID},
		State:       toContainerState(r.Status),
		CreatedAt:   r.CreatedAt.UnixNano(),
		Annotations: r.Annotations,
	}

	if r.StartedAt != nil {
		s.StartedAt = r.StartedAt.UnixNano()
	}
	if r.FinishedAt != nil {
		s.FinishedAt = r.FinishedAt.UnixNano()
	}
	if r.ExitCode != nil {
		s.ExitCode = int32(*r.ExitCode)
	}

	if r.Status == store.StatusPaused {
		s.Reason = "Paused"
	}

	return s
}

// toLinuxResources converts a CRI resource update into an OCI patch. Zero
// values mean unchanged, and nil is returned when nothing is set.
func toLinuxResources(r *runtimeapi.LinuxContainerResources) *specs.LinuxResources {
	if r == nil {
		return nil
	}

	var out specs.LinuxResources
	set := false

	if r.CpuShares != 0 || r.CpuQuota != 0 || r.CpuPeriod != 0 || r.CpusetCpus != "" || r.CpusetMems != "" {
		cpu := &specs.LinuxCPU{Cpus: r.CpusetCpus, Mems: r.CpusetMems}
		if r.CpuShares != 0 {
			shares := uint64(r.CpuShares)
			cpu.Shares = &shares
		}
		if r.CpuQuota != 0 {
			quota := r.CpuQuota
			cpu.Quota = &quota
		}
		if r.CpuPeriod != 0 {
			period := uint64(r.CpuPeriod)
			cpu.Period = &period
		}
		out.CPU = cpu
		set = true
	}

	if r.MemoryLimitInBytes != 0 || r.MemorySwapLimitInBytes != 0 {
		mem := &specs.LinuxMemory{}
		if r.MemoryLimitInBytes != 0 {
			limit := r.MemoryLimitInBytes
			mem.Limit = &limit
		}
		if r.MemorySwapLimitInBytes != 0 {
			swap := r.MemorySwapLimitInBytes
			mem.Swap = &swap
		}
		out.Memory = mem
		set = true
	}

	if len(r.Unified) > 0 {
		out.Unified = r.Unified
		set = true
	}

	if !set {
		return nil
	}

	return &out
}
