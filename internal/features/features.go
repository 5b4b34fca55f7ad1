// Package features reports what the runtime supports on this host, in the
// format of the OCI runtime features document.
package features

import (
	"fmt"
	"slices"
	"strings"

	"github.com/nixpig/kiln/internal/hooks"
	"github.com/nixpig/kiln/internal/platform"
	"github.com/nixpig/kiln/internal/resources"
	"github.com/opencontainers/runtime-spec/specs-go"
	ocifeatures "github.com/opencontainers/runtime-spec/specs-go/features"
	"github.com/opencontainers/selinux/go-selinux"
	libseccomp "github.com/seccomp/libseccomp-golang"
)

// AnnotationLibseccompVersion carries the version of the linked libseccomp.
const AnnotationLibseccompVersion = "io.kiln.libseccomp.version"

// Get returns the features available on host.
func Get(host resources.Host) *ocifeatures.Features {
	namespaces := make([]string, 0, len(host.Namespaces))
	for t, ok := range host.Namespaces {
		if ok {
			namespaces = append(namespaces, string(t))
		}
	}
	slices.Sort(namespaces)

	caps := make([]string, 0, len(resources.Capabilities))
	for name := range resources.Capabilities {
		caps = append(caps, name)
	}
	slices.Sort(caps)

	actions, operators, archs := platform.SeccompSupport()

	major, minor, micro := libseccomp.GetLibraryVersion()

	return &ocifeatures.Features{
		OCIVersionMin: "1.0.0",
		OCIVersionMax: specs.Version,
		Hooks: []string{
			string(hooks.Prestart),
			string(hooks.CreateRuntime),
			string(hooks.CreateContainer),
			string(hooks.StartContainer),
			string(hooks.Poststart),
			string(hooks.Poststop),
		},
		MountOptions: resources.MountOptions(),
		Linux: &ocifeatures.Linux{
			Namespaces:   namespaces,
			Capabilities: caps,
			Cgroup: &ocifeatures.Cgroup{
				V1:          ptr(false),
				V2:          ptr(true),
				Systemd:     ptr(false),
				SystemdUser: ptr(false),
				Rdma:        ptr(false),
			},
			Seccomp: &ocifeatures.Seccomp{
				Enabled:   ptr(true),
				Actions:   actions,
				Operators: operators,
				Archs:     archs,
			},
			Apparmor: &ocifeatures.Apparmor{Enabled: ptr(platform.AppArmorEnabled())},
			Selinux:  &ocifeatures.Selinux{Enabled: ptr(selinux.GetEnabled())},
			IntelRdt: &ocifeatures.IntelRdt{Enabled: ptr(false)},
			MountExtensions: &ocifeatures.MountExtensions{
				IDMap: &ocifeatures.IDMap{Enabled: ptr(false)},
			},
		},
		Annotations: map[string]string{
			AnnotationLibseccompVersion: fmt.Sprintf("%d.%d.%d", major, minor, micro),
		},
	}
}

// Supports reports whether name, e.g. "mount" or "CAP_SYS_ADMIN", appears in
// the namespaces or capabilities of f.
func Supports(f *ocifeatures.Features, name string) bool {
	if f.Linux == nil {
		return false
	}

	if strings.HasPrefix(name, "CAP_") {
		return slices.Contains(f.Linux.Capabilities, name)
	}

	return slices.Contains(f.Linux.Namespaces, name)
}

func ptr[T any](v T) *T {
	return &v
}
