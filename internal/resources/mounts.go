package resources

import (
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

// Mount is a mount with its options already split into flags and data.
type Mount struct {
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	Type        string    `json:"type"`
	Flags       uintptr   `json:"flags"`
	Propagation []uintptr `json:"propagation,omitempty"`
	Data        string    `json:"data,omitempty"`
	Bind        bool      `json:"bind,omitempty"`
	// CopyUp copies the contents of the destination into a new tmpfs.
	CopyUp bool `json:"copyUp,omitempty"`
}

type mountFlag struct {
	clear bool
	flag  uintptr
}

var mountFlags = map[string]mountFlag{
	"async":         {clear: true, flag: unix.MS_SYNCHRONOUS},
	"atime":         {clear: true, flag: unix.MS_NOATIME},
	"bind":          {flag: unix.MS_BIND},
	"defaults":      {flag: 0},
	"dev":           {clear: true, flag: unix.MS_NODEV},
	"diratime":      {clear: true, flag: unix.MS_NODIRATIME},
	"dirsync":       {flag: unix.MS_DIRSYNC},
	"exec":          {clear: true, flag: unix.MS_NOEXEC},
	"iversion":      {flag: unix.MS_I_VERSION},
	"lazytime":      {flag: unix.MS_LAZYTIME},
	"loud":          {clear: true, flag: unix.MS_SILENT},
	"mand":          {flag: unix.MS_MANDLOCK},
	"noatime":       {flag: unix.MS_NOATIME},
	"nodev":         {flag: unix.MS_NODEV},
	"nodiratime":    {flag: unix.MS_NODIRATIME},
	"noexec":        {flag: unix.MS_NOEXEC},
	"noiversion":    {clear: true, flag: unix.MS_I_VERSION},
	"nolazytime":    {clear: true, flag: unix.MS_LAZYTIME},
	"nomand":        {clear: true, flag: unix.MS_MANDLOCK},
	"norelatime":    {clear: true, flag: unix.MS_RELATIME},
	"nostrictatime": {clear: true, flag: unix.MS_STRICTATIME},
	"nosuid":        {flag: unix.MS_NOSUID},
	"nosymfollow":   {flag: unix.MS_NOSYMFOLLOW},
	"rbind":         {flag: unix.MS_BIND | unix.MS_REC},
	"relatime":      {flag: unix.MS_RELATIME},
	"remount":       {flag: unix.MS_REMOUNT},
	"ro":            {flag: unix.MS_RDONLY},
	"rw":            {clear: true, flag: unix.MS_RDONLY},
	"silent":        {flag: unix.MS_SILENT},
	"strictatime":   {flag: unix.MS_STRICTATIME},
	"suid":          {clear: true, flag: unix.MS_NOSUID},
	"symfollow":     {clear: true, flag: unix.MS_NOSYMFOLLOW},
	"sync":          {flag: unix.MS_SYNCHRONOUS},
}

var propagationFlags = map[string]uintptr{
	"private":     unix.MS_PRIVATE,
	"rprivate":    unix.MS_PRIVATE | unix.MS_REC,
	"shared":      unix.MS_SHARED,
	"rshared":     unix.MS_SHARED | unix.MS_REC,
	"slave":       unix.MS_SLAVE,
	"rslave":      unix.MS_SLAVE | unix.MS_REC,
	"unbindable":  unix.MS_UNBINDABLE,
	"runbindable": unix.MS_UNBINDABLE | unix.MS_REC,
}

// tmpcopyup is a mount extension for tmpfs mounts.
const tmpcopyup = "tmpcopyup"

// MountOptions returns every mount option ParseMountOptions recognises.
func MountOptions() []string {
	opts := slices.Collect(maps.Keys(mountFlags))
	opts = slices.AppendSeq(opts, maps.Keys(propagationFlags))
	opts = append(opts, tmpcopyup)
	slices.Sort(opts)

	return opts
}

// ParseMountOptions splits options into mount flags, propagation flags and
// filesystem data. Unrecognised options are passed through as data.
func ParseMountOptions(options []string) (uintptr, []uintptr, string, bool) {
	var (
		flags       uintptr
		propagation []uintptr
		data        []string
		copyUp      bool
	)

	for _, opt := range options {
		if f, ok := mountFlags[opt]; ok {
			if f.clear {
				flags &^= f.flag
			} else {
				flags |= f.flag
			}
			continue
		}

		if p, ok := propagationFlags[opt]; ok {
			propagation = append(propagation, p)
			continue
		}

		if opt == tmpcopyup {
			copyUp = true
			continue
		}

		data = append(data, opt)
	}

	return flags, propagation, strings.Join(data, ","), copyUp
}

func buildMounts(mounts []specs.Mount) ([]Mount, error) {
	out := make([]Mount, 0, len(mounts))

	for _, m := range mounts {
		if !filepath.IsAbs(m.Destination) {
			return nil, errdefs.InvalidConfigf("mount destination %q must be absolute", m.Destination)
		}

		flags, propagation, data, copyUp := ParseMountOptions(m.Options)

		pm := Mount{
			Source:      m.Source,
			Destination: filepath.Clean(m.Destination),
			Type:        m.Type,
			Flags:       flags,
			Propagation: propagation,
			Data:        data,
			Bind:        m.Type == "bind" || flags&unix.MS_BIND != 0,
			CopyUp:      copyUp,
		}

		if pm.Bind {
			pm.Flags |= unix.MS_BIND
			if m.Source == "" {
				return nil, errdefs.InvalidConfigf("bind mount to %q has no source", m.Destination)
			}
		} else if m.Type == "" {
			return nil, errdefs.InvalidConfigf("mount to %q has no type", m.Destination)
		}

		if pm.CopyUp && pm.Type != "tmpfs" {
			return nil, errdefs.InvalidConfigf("%s is only valid for tmpfs mounts", tmpcopyup)
		}

		if m.Type == "cgroup" {
			pm.Type = "cgroup2"
		}

		out = append(out, pm)
	}

	return out, nil
}

func rootfsPropagation(prop string) (uintptr, error) {
	if prop == "" {
		return unix.MS_SLAVE | unix.MS_REC, nil
	}

	flag, ok := propagationFlags[prop]
	if !ok {
		return 0, errdefs.InvalidConfigf("unknown rootfsPropagation %q", prop)
	}

	return flag, nil
}

var (
	defaultDeviceMode        = os.FileMode(0o666)
	defaultDeviceUID  uint32 = 0
	defaultDeviceGID  uint32 = 0
)

// DefaultDevices are created in every container.
var DefaultDevices = []specs.LinuxDevice{
	{Type: "c", Path: "/dev/null", Major: 1, Minor: 3},
	{Type: "c", Path: "/dev/zero", Major: 1, Minor: 5},
	{Type: "c", Path: "/dev/full", Major: 1, Minor: 7},
	{Type: "c", Path: "/dev/random", Major: 1, Minor: 8},
	{Type: "c", Path: "/dev/urandom", Major: 1, Minor: 9},
	{Type: "c", Path: "/dev/tty", Major: 5, Minor: 0},
}

// mergeDevices returns the default devices followed by the configured
// devices. A configured device replaces a default with the same path.
func mergeDevices(configured []specs.LinuxDevice) []specs.LinuxDevice {
	byPath := make(map[string]bool, len(configured))
	for _, d := range configured {
		byPath[d.Path] = true
	}

	out := make([]specs.LinuxDevice, 0, len(DefaultDevices)+len(configured))
	for _, d := range DefaultDevices {
		if byPath[d.Path] {
			continue
		}
		d.FileMode = &defaultDeviceMode
		d.UID = &defaultDeviceUID
		d.GID = &defaultDeviceGID
		out = append(out, d)
	}

	return append(out, configured...)
}
