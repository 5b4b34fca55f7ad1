// Package resources turns an OCI config into a ResourcePlan: the ordered
// list of setup steps, and the data each step needs, that the supervisor
// applies to a new container process. Building a plan has no side effects.
package resources

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/opencontainers/runtime-spec/specs-go"
)

// StepKind identifies one setup step.
type StepKind string

const (
	StepCgroup          StepKind = "cgroup"
	StepNamespaces      StepKind = "namespaces"
	StepCgroupJoin      StepKind = "cgroup_join"
	StepCgroupNamespace StepKind = "cgroup_namespace"
	StepNetwork         StepKind = "network"
	StepRootfs          StepKind = "rootfs"
	StepMounts          StepKind = "mounts"
	StepDevices         StepKind = "devices"
	StepConsole         StepKind = "console"
	StepPivotRoot       StepKind = "pivot_root"
	StepMaskedPaths     StepKind = "masked_paths"
	StepSysctl          StepKind = "sysctl"
	StepHostname        StepKind = "hostname"
	StepRlimits         StepKind = "rlimits"
	StepOOMScoreAdj     StepKind = "oom_score_adj"
	StepScheduling      StepKind = "scheduling"
	StepHooks           StepKind = "hooks"
	StepCapabilities    StepKind = "capabilities"
	StepSeccomp         StepKind = "seccomp"
	StepExec            StepKind = "exec"
)

// Step is one entry in a plan. Parent steps are applied by the runtime
// process; the rest run inside the new container process.
type Step struct {
	Kind   StepKind `json:"kind"`
	Parent bool     `json:"parent,omitempty"`
}

// Process describes the entrypoint and the privileges it runs with.
type Process struct {
	Args            []string                 `json:"args"`
	Env             []string                 `json:"env,omitempty"`
	Cwd             string                   `json:"cwd"`
	Terminal        bool                     `json:"terminal,omitempty"`
	ConsoleSize     *specs.Box               `json:"consoleSize,omitempty"`
	User            specs.User               `json:"user"`
	Capabilities    *specs.LinuxCapabilities `json:"capabilities,omitempty"`
	NoNewPrivileges bool                     `json:"noNewPrivileges,omitempty"`
	ApparmorProfile string                   `json:"apparmorProfile,omitempty"`
	SelinuxLabel    string                   `json:"selinuxLabel,omitempty"`
	Scheduler       *specs.Scheduler         `json:"scheduler,omitempty"`
	IOPriority      *specs.LinuxIOPriority   `json:"ioPriority,omitempty"`
}

// Plan is an ordered set of setup steps for one container process.
type Plan struct {
	ContainerID string `json:"containerId"`
	Bundle      string `json:"bundle"`
	Steps       []Step `json:"steps"`

	Namespaces  []Namespace                      `json:"namespaces,omitempty"`
	CloneFlags  uintptr                          `json:"cloneFlags"`
	UIDMappings []specs.LinuxIDMapping           `json:"uidMappings,omitempty"`
	GIDMappings []specs.LinuxIDMapping           `json:"gidMappings,omitempty"`
	TimeOffsets map[string]specs.LinuxTimeOffset `json:"timeOffsets,omitempty"`

	Cgroup Cgroup `json:"cgroup"`

	Rootfs            string                `json:"rootfs"`
	RootfsReadonly    bool                  `json:"rootfsReadonly,omitempty"`
	RootfsPropagation uintptr               `json:"rootfsPropagation,omitempty"`
	Mounts            []Mount               `json:"mounts,omitempty"`
	Devices           []specs.LinuxDevice   `json:"devices,omitempty"`
	BindDevices       bool                  `json:"bindDevices,omitempty"`
	MaskedPaths       []string              `json:"maskedPaths,omitempty"`
	ReadonlyPaths     []string              `json:"readonlyPaths,omitempty"`
	Sysctl            map[string]string     `json:"sysctl,omitempty"`
	Hostname          string                `json:"hostname,omitempty"`
	Domainname        string                `json:"domainname,omitempty"`
	Rlimits           []Rlimit              `json:"rlimits,omitempty"`
	OOMScoreAdj       *int                  `json:"oomScoreAdj,omitempty"`
	Hooks             []specs.Hook          `json:"hooks,omitempty"`
	Seccomp           *specs.LinuxSeccomp   `json:"seccomp,omitempty"`
	Process           Process               `json:"process"`
}

// Options carries the values a plan needs that don't come from the config.
type Options struct {
	ContainerID  string
	Bundle       string
	CgroupParent string
	// Console is true when a console socket was supplied for the container.
	Console bool
}

// BuildPlan validates spec against host and produces the setup plan for
// the container's init process. Any missing, contradictory or unsupported
// field fails with ErrInvalidConfig.
func BuildPlan(spec *specs.Spec, host Host, opts Options) (*Plan, error) {
	if spec == nil {
		return nil, errdefs.InvalidConfigf("config is empty")
	}

	if spec.Root == nil || spec.Root.Path == "" {
		return nil, errdefs.InvalidConfigf("root.path is required")
	}

	if spec.Process == nil {
		return nil, errdefs.InvalidConfigf("process is required")
	}

	if len(spec.Process.Args) == 0 {
		return nil, errdefs.InvalidConfigf("process.args must not be empty")
	}

	if spec.Linux == nil {
		return nil, errdefs.InvalidConfigf("linux section is required")
	}

	if spec.Process.Terminal && !opts.Console {
		return nil, errdefs.InvalidConfigf("process.terminal requires a console socket")
	}

	p := &Plan{
		ContainerID:    opts.ContainerID,
		Bundle:         opts.Bundle,
		Rootfs:         rootfsPath(opts.Bundle, spec.Root.Path),
		RootfsReadonly: spec.Root.Readonly,
		MaskedPaths:    spec.Linux.MaskedPaths,
		ReadonlyPaths:  spec.Linux.ReadonlyPaths,
		Sysctl:         spec.Linux.Sysctl,
		Hostname:       spec.Hostname,
		Domainname:     spec.Domainname,
		OOMScoreAdj:    spec.Process.OOMScoreAdj,
		Seccomp:        spec.Linux.Seccomp,
		Process: Process{
			Args:            spec.Process.Args,
			Env:             spec.Process.Env,
			Cwd:             spec.Process.Cwd,
			Terminal:        spec.Process.Terminal,
			ConsoleSize:     spec.Process.ConsoleSize,
			User:            spec.Process.User,
			Capabilities:    spec.Process.Capabilities,
			NoNewPrivileges: spec.Process.NoNewPrivileges,
			ApparmorProfile: spec.Process.ApparmorProfile,
			SelinuxLabel:    spec.Process.SelinuxLabel,
			Scheduler:       spec.Process.Scheduler,
			IOPriority:      spec.Process.IOPriority,
		},
	}

	if p.Process.Cwd == "" {
		p.Process.Cwd = "/"
	}

	if !filepath.IsAbs(p.Process.Cwd) {
		return nil, errdefs.InvalidConfigf("process.cwd %q must be absolute", p.Process.Cwd)
	}

	if spec.Hooks != nil {
		p.Hooks = spec.Hooks.StartContainer
	}

	if err := p.planNamespaces(spec.Linux, host); err != nil {
		return nil, err
	}

	cgroup, err := buildCgroup(spec.Linux, opts)
	if err != nil {
		return nil, err
	}
	p.Cgroup = cgroup

	propagation, err := rootfsPropagation(spec.Linux.RootfsPropagation)
	if err != nil {
		return nil, err
	}
	p.RootfsPropagation = propagation

	mounts, err := buildMounts(spec.Mounts)
	if err != nil {
		return nil, err
	}
	p.Mounts = mounts

	p.Devices = mergeDevices(spec.Linux.Devices)
	p.BindDevices = p.newNamespace(specs.UserNamespace) || host.Rootless

	rlimits, err := buildRlimits(spec.Process.Rlimits)
	if err != nil {
		return nil, err
	}
	p.Rlimits = rlimits

	if err := ValidateCapabilities(spec.Process.Capabilities); err != nil {
		return nil, err
	}

	if err := validateScheduling(spec.Process); err != nil {
		return nil, err
	}

	if err := p.validateIsolation(); err != nil {
		return nil, err
	}

	if spec.Linux.Seccomp != nil && spec.Linux.Seccomp.DefaultAction == "" {
		return nil, errdefs.InvalidConfigf("linux.seccomp.defaultAction is required")
	}

	p.Steps = p.orderSteps()

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return p, nil
}

func rootfsPath(bundle, root string) string {
	if filepath.IsAbs(root) {
		return filepath.Clean(root)
	}

	return filepath.Join(bundle, root)
}

// validateIsolation rejects settings that need a namespace the config
// doesn't create.
func (p *Plan) validateIsolation() error {
	if (p.Hostname != "" || p.Domainname != "") && !p.newNamespace(specs.UTSNamespace) {
		return errdefs.InvalidConfigf("hostname and domainname require a new uts namespace")
	}

	for key := range p.Sysctl {
		switch {
		case strings.HasPrefix(key, "net."):
			if !p.hasNamespace(specs.NetworkNamespace) {
				return errdefs.InvalidConfigf("sysctl %s requires a network namespace", key)
			}
		case slices.Contains(ipcSysctls, key) || strings.HasPrefix(key, "fs.mqueue."):
			if !p.hasNamespace(specs.IPCNamespace) {
				return errdefs.InvalidConfigf("sysctl %s requires an ipc namespace", key)
			}
		case key == "kernel.hostname" || key == "kernel.domainname":
			return errdefs.InvalidConfigf("sysctl %s must be set through hostname/domainname", key)
		}
	}

	if !p.newNamespace(specs.MountNamespace) {
		return errdefs.InvalidConfigf("a new mount namespace is required")
	}

	return nil
}

var ipcSysctls = []string{
	"kernel.msgmax",
	"kernel.msgmnb",
	"kernel.msgmni",
	"kernel.sem",
	"kernel.shmall",
	"kernel.shmmax",
	"kernel.shmmni",
	"kernel.shm_rmid_forced",
}

// orderSteps lays out the fixed setup order. Optional steps with nothing to
// do are left out.
func (p *Plan) orderSteps() []Step {
	steps := []Step{
		{Kind: StepCgroup, Parent: true},
		{Kind: StepNamespaces, Parent: true},
		{Kind: StepCgroupJoin, Parent: true},
	}

	add := func(ok bool, kind StepKind) {
		if ok {
			steps = append(steps, Step{Kind: kind})
		}
	}

	add(p.newNamespace(specs.CgroupNamespace), StepCgroupNamespace)
	add(p.newNamespace(specs.NetworkNamespace), StepNetwork)
	steps = append(steps,
		Step{Kind: StepRootfs},
		Step{Kind: StepMounts},
		Step{Kind: StepDevices},
	)
	steps = append(steps, Step{Kind: StepPivotRoot})
	add(p.Process.Terminal, StepConsole)
	add(len(p.MaskedPaths)+len(p.ReadonlyPaths) > 0 || p.RootfsReadonly, StepMaskedPaths)
	add(len(p.Sysctl) > 0, StepSysctl)
	add(p.Hostname != "" || p.Domainname != "", StepHostname)
	add(len(p.Rlimits) > 0, StepRlimits)
	add(p.OOMScoreAdj != nil, StepOOMScoreAdj)
	add(p.Process.Scheduler != nil || p.Process.IOPriority != nil, StepScheduling)
	add(len(p.Hooks) > 0, StepHooks)

	if p.Seccomp != nil && !p.Process.NoNewPrivileges {
		// Loading a filter needs CAP_SYS_ADMIN unless no_new_privs is set,
		// so it has to happen before privileges are dropped.
		steps = append(steps, Step{Kind: StepSeccomp}, Step{Kind: StepCapabilities})
	} else {
		steps = append(steps, Step{Kind: StepCapabilities})
		add(p.Seccomp != nil, StepSeccomp)
	}

	return append(steps, Step{Kind: StepExec})
}

// Validate checks the ordering guarantees every plan must hold: the cgroup
// is joined before exec, namespaces are entered before any mount step, and
// privilege restriction immediately precedes exec.
func (p *Plan) Validate() error {
	index := make(map[StepKind]int, len(p.Steps))
	for i, s := range p.Steps {
		if _, ok := index[s.Kind]; ok {
			return fmt.Errorf("step %s appears more than once", s.Kind)
		}
		index[s.Kind] = i
	}

	before := func(a, b StepKind) error {
		ia, okA := index[a]
		ib, okB := index[b]
		if okA && okB && ia > ib {
			return fmt.Errorf("step %s must come before %s", a, b)
		}
		return nil
	}

	for _, kind := range []StepKind{StepNamespaces, StepCgroupJoin, StepExec, StepCapabilities} {
		if _, ok := index[kind]; !ok {
			return fmt.Errorf("plan is missing step %s", kind)
		}
	}

	checks := []error{
		before(StepCgroup, StepCgroupJoin),
		before(StepNamespaces, StepCgroupJoin),
		before(StepCgroupJoin, StepExec),
		before(StepCgroupJoin, StepCgroupNamespace),
		before(StepNamespaces, StepRootfs),
		before(StepNamespaces, StepMounts),
		before(StepNamespaces, StepDevices),
		before(StepRootfs, StepMounts),
		before(StepMounts, StepPivotRoot),
		before(StepDevices, StepPivotRoot),
		before(StepPivotRoot, StepConsole),
		before(StepPivotRoot, StepMaskedPaths),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}

	last := p.Steps[len(p.Steps)-1].Kind
	if last != StepExec {
		return fmt.Errorf("plan must end with %s, got %s", StepExec, last)
	}

	tail := map[StepKind]bool{StepCapabilities: true, StepSeccomp: true}
	n := 1
	if _, ok := index[StepSeccomp]; ok {
		n = 2
	}
	for _, s := range p.Steps[len(p.Steps)-1-n : len(p.Steps)-1] {
		if !tail[s.Kind] {
			return fmt.Errorf("step %s must not run between privilege restriction and exec", s.Kind)
		}
	}

	return nil
}

// ChildSteps returns the steps applied inside the container process.
func (p *Plan) ChildSteps() []Step {
	steps := make([]Step, 0, len(p.Steps))
	for _, s := range p.Steps {
		if !s.Parent {
			steps = append(steps, s)
		}
	}

	return steps
}
