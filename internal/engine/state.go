package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nixpig/kiln/internal/events"
	"github.com/nixpig/kiln/internal/store"
	"github.com/shirou/gopsutil/process"
)

// State returns the record for id. A container whose process has gone is
// reported as Stopped, but the record isn't rewritten.
func (e *Engine) State(id string) (*store.Record, error) {
	rec, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}

	e.reconcile(rec)

	return rec, nil
}

// List returns every container, reconciled as State does.
func (e *Engine) List() ([]*store.Record, error) {
	records, err := e.store.List()
	if err != nil {
		return nil, err
	}

	for _, rec := range records {
		e.reconcile(rec)
	}

	return records, nil
}

// ProcessInfo describes one process in a container.
type ProcessInfo struct {
	Pid       int       `json:"pid"`
	PPid      int       `json:"ppid"`
	User      string    `json:"user,omitempty"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"startedAt"`
	RSS       uint64    `json:"rss"`
}

// Ps lists the processes in a container's cgroup. It works while the
// container is paused, since it only reads /proc.
func (e *Engine) Ps(id string) ([]ProcessInfo, error) {
	rec, err := e.State(id)
	if err != nil {
		return nil, err
	}

	if rec.CgroupPath == "" {
		return nil, nil
	}

	cg, err := e.loadCgroup(rec)
	if err != nil {
		return nil, err
	}

	pids, err := cg.Pids()
	if err != nil {
		return nil, err
	}

	infos := make([]ProcessInfo, 0, len(pids))
	for _, pid := range pids {
		info, err := processInfo(pid)
		if err != nil {
			// Exited since the cgroup was read.
			slog.Debug("skip process", "id", id, "pid", pid, "err", err)
			continue
		}
		infos = append(infos, info)
	}

	return infos, nil
}

func processInfo(pid int) (ProcessInfo, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return ProcessInfo{}, err
	}

	info := ProcessInfo{Pid: pid}

	if ppid, err := p.Ppid(); err == nil {
		info.PPid = int(ppid)
	}

	if user, err := p.Username(); err == nil {
		info.User = user
	}

	info.Command, err = p.Cmdline()
	if err != nil {
		return ProcessInfo{}, err
	}
	if info.Command == "" {
		// Kernel threads and processes that have cleared their argv.
		if name, err := p.Name(); err == nil {
			info.Command = "[" + name + "]"
		}
	}

	if ms, err := p.CreateTime(); err == nil {
		info.StartedAt = time.UnixMilli(ms).UTC()
	}

	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		info.RSS = mem.RSS
	}

	return info, nil
}

// EventsOpts are the options for Events.
type EventsOpts struct {
	// Stats samples the container's cgroup every Interval and records the
	// sample, plus an oom event whenever the OOM kill count rises.
	Stats    bool
	Interval time.Duration
	// After skips events up to and including this sequence number.
	After uint64
}

// Events calls fn for each event in the container's journal, then follows
// it until ctx is done, the container is deleted, or fn returns an error.
func (e *Engine) Events(ctx context.Context, id string, opts EventsOpts, fn func(events.Event) error) error {
	if _, err := e.store.Get(id); err != nil {
		return err
	}

	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if opts.Stats {
		var wg sync.WaitGroup
		defer func() {
			cancel()
			wg.Wait()
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			e.sampleStats(ctx, id, opts.Interval)
		}()
	}

	var deleted bool

	err := e.journal(id).Follow(ctx, opts.After, max(opts.Interval/5, 50*time.Millisecond), func(ev events.Event) error {
		if err := fn(ev); err != nil {
			return err
		}

		if ev.Type == events.TypeDeleted {
			deleted = true
			cancel()
		}

		return nil
	})
	switch {
	case errors.Is(err, events.ErrRemoved):
		// The journal goes with the container, usually before a follower
		// has read the deleted event.
		if !deleted {
			return fn(events.Event{Type: events.TypeDeleted, ID: id, Timestamp: e.now()})
		}
	case err != nil && ctx.Err() == nil:
		return err
	}

	return nil
}

// Stats returns a single sample of the container's resource usage.
func (e *Engine) Stats(id string) (*events.Stats, error) {
	rec, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}

	cg, err := e.loadCgroup(rec)
	if err != nil {
		return nil, err
	}

	m, err := cg.Stats()
	if err != nil {
		return nil, fmt.Errorf("read stats of %s: %w", id, err)
	}

	return events.StatsFromMetrics(m), nil
}

func (e *Engine) sampleStats(ctx context.Context, id string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var oomKills uint64
	first := true

	for {
		s, err := e.Stats(id)
		if err != nil {
			slog.Debug("stop sampling stats", "id", id, "err", err)
			return
		}

		e.emit(events.Event{Type: events.TypeStats, ID: id, Stats: s})

		if !first && s.OOMKills > oomKills {
			e.emit(events.Event{Type: events.TypeOOM, ID: id, Stats: s})
		}
		oomKills = s.OOMKills
		first = false

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
