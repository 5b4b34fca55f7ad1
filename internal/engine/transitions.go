package engine

import (
	"slices"

	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/nixpig/kiln/internal/store"
)

type operation string

const (
	opStart      operation = "start"
	opPause      operation = "pause"
	opResume     operation = "resume"
	opKill       operation = "kill"
	opDelete     operation = "delete"
	opUpdate     operation = "update"
	opCheckpoint operation = "checkpoint"
	opExec       operation = "exec"
)

// allowed lists the statuses each operation may be applied in.
var allowed = map[operation][]store.Status{
	opStart:      {store.StatusCreated},
	opPause:      {store.StatusRunning},
	opResume:     {store.StatusPaused},
	opKill:       {store.StatusRunning, store.StatusPaused},
	opDelete:     {store.StatusCreated, store.StatusStopped},
	opUpdate:     {store.StatusRunning, store.StatusPaused},
	opCheckpoint: {store.StatusRunning, store.StatusPaused},
	opExec:       {store.StatusRunning, store.StatusPaused},
}

func checkTransition(current store.Status, op operation) error {
	if slices.Contains(allowed[op], current) {
		return nil
	}

	return errdefs.InvalidState(string(current), string(op))
}
