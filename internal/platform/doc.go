// Package platform applies the steps of a resources.Plan to the running
// process: cgroups, namespaces, mounts, devices, privileges and the rest of
// the kernel state a container is made of. Since kiln is Linux-specific,
// `unix` functions are used in preference to their `os` equivalents.
package platform
