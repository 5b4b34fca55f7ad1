package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/opencontainers/runtime-spec/specs-go"
)

// CurrentVersion is the record serialization version written by this
// runtime.
const CurrentVersion = 1

// Status is the lifecycle status of a container.
type Status string

const (
	StatusCreating Status = "creating"
	StatusCreated  Status = "created"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopped  Status = "stopped"
	StatusDeleting Status = "deleting"
)

// Transient reports whether s is only held while a runtime invocation is
// in the middle of an operation.
func (s Status) Transient() bool {
	return s == StatusCreating || s == StatusDeleting
}

// Record is the persisted form of a container.
type Record struct {
	Version       int               `json:"version"`
	ID            string            `json:"id"`
	Bundle        string            `json:"bundle"`
	Status        Status            `json:"status"`
	InitPid       int               `json:"initPid,omitempty"`
	InitStartTime int64             `json:"initStartTime,omitempty"`
	OwnerPid      int               `json:"ownerPid,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	StartedAt     *time.Time        `json:"startedAt,omitempty"`
	FinishedAt    *time.Time        `json:"finishedAt,omitempty"`
	ExitCode      *int              `json:"exitCode,omitempty"`
	CgroupPath    string            `json:"cgroupPath,omitempty"`
	Annotations   map[string]string `json:"annotations,omitempty"`
	Config        *specs.Spec       `json:"config,omitempty"`
	// ConsoleSocket and PidFile are given at create and used once the
	// init process is started.
	ConsoleSocket string `json:"consoleSocket,omitempty"`
	PidFile       string `json:"pidFile,omitempty"`
}

// OCIState returns the record as an OCI runtime state.
func (r *Record) OCIState() *specs.State {
	return &specs.State{
		Version:     specs.Version,
		ID:          r.ID,
		Status:      specs.ContainerState(r.Status),
		Pid:         r.InitPid,
		Bundle:      r.Bundle,
		Annotations: r.Annotations,
	}
}

// MarkStopped moves the record to Stopped and clears process tracking.
func (r *Record) MarkStopped(at time.Time, exitCode *int) {
	r.Status = StatusStopped
	r.InitPid = 0
	r.InitStartTime = 0
	r.OwnerPid = 0
	r.FinishedAt = &at
	if exitCode != nil {
		r.ExitCode = exitCode
	}
}

func encodeRecord(r *Record) ([]byte, error) {
	out := *r
	out.Version = CurrentVersion

	return json.MarshalIndent(&out, "", "  ")
}

// decodeRecord reads any supported record version. Version 0 is a plain OCI
// state document with no version field.
func decodeRecord(b []byte) (*Record, error) {
	var probe struct {
		Version    *int   `json:"version"`
		OCIVersion string `json:"ociVersion"`
	}

	if err := json.Unmarshal(b, &probe); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}

	switch {
	case probe.Version == nil && probe.OCIVersion != "":
		return upgradeV0(b)
	case probe.Version == nil:
		return nil, fmt.Errorf("record has no version")
	case *probe.Version > CurrentVersion:
		return nil, fmt.Errorf(
			"record version %d is newer than supported version %d",
			*probe.Version,
			CurrentVersion,
		)
	}

	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}

	r.Version = CurrentVersion

	return &r, nil
}

func upgradeV0(b []byte) (*Record, error) {
	var state specs.State
	if err := json.Unmarshal(b, &state); err != nil {
		return nil, fmt.Errorf("unmarshal oci state: %w", err)
	}

	return &Record{
		Version:     CurrentVersion,
		ID:          state.ID,
		Bundle:      state.Bundle,
		Status:      Status(state.Status),
		InitPid:     state.Pid,
		Annotations: state.Annotations,
	}, nil
}
