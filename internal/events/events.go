// Package events keeps a per-container journal of lifecycle events in a
// bbolt database.
package events

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Type classifies an event.
type Type string

const (
	TypeTransition Type = "transition"
	TypeProcess    Type = "process"
	TypeStats      Type = "stats"
	TypeOOM        Type = "oom"
	TypeDeleted    Type = "deleted"
)

// Event is one journal entry.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      Type      `json:"type"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	// From and To are set for transitions.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
	// Pid and State are set for process events.
	Pid   int    `json:"pid,omitempty"`
	State string `json:"state,omitempty"`
	Step  string `json:"step,omitempty"`
	Error string `json:"error,omitempty"`
	Stats *Stats `json:"stats,omitempty"`
}

// Stats is a sample of a container's resource usage.
type Stats struct {
	CPUUsageUsec uint64 `json:"cpuUsageUsec"`
	MemoryUsage  uint64 `json:"memoryUsage"`
	MemoryLimit  uint64 `json:"memoryLimit"`
	Pids         uint64 `json:"pids"`
	PidsLimit    uint64 `json:"pidsLimit"`
	OOMKills     uint64 `json:"oomKills"`
}

// FileName is the journal's file name inside a container directory.
const FileName = "events.db"

// ErrRemoved is returned by Follow when the journal is removed, which
// happens when its container is deleted.
var ErrRemoved = errors.New("event journal removed")

var bucket = []byte("events")

// Journal is an append-only event log. bbolt holds an exclusive lock
// while a database is open for writing, so the journal is opened per call
// and never held across invocations.
type Journal struct {
	path string
}

// New returns the journal stored at path.
func New(path string) *Journal {
	return &Journal{path: path}
}

// Path returns the journal's file path.
func (j *Journal) Path() string {
	return j.path
}

func (j *Journal) open(readOnly bool) (*bolt.DB, error) {
	db, err := bolt.Open(j.path, 0o600, &bolt.Options{Timeout: 5 * time.Second, ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("open event journal: %w", err)
	}

	return db, nil
}

// Append assigns ev the next sequence number and stores it. A zero
// timestamp is set to now.
func (j *Journal) Append(ev Event) (Event, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	db, err := j.open(false)
	if err != nil {
		return Event{}, err
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		ev.Seq = seq

		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}

		return b.Put(seqKey(seq), data)
	})
	if err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}

	return ev, nil
}

// Since returns every event with a sequence number greater than after, in
// order.
func (j *Journal) Since(after uint64) ([]Event, error) {
	if _, err := os.Stat(j.path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	db, err := j.open(true)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer db.Close()

	var out []Event

	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}

		c := b.Cursor()

		for k, v := c.Seek(seqKey(after + 1)); k != nil; k, v = c.Next() {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("decode event %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, ev)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// Follow sends every event after the given sequence number to fn, polling
// for new ones every interval until ctx is done or fn returns an error. If
// the journal existed and is then removed, Follow returns ErrRemoved.
func (j *Journal) Follow(
	ctx context.Context,
	after uint64,
	interval time.Duration,
	fn func(Event) error,
) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var existed bool

	for {
		_, statErr := os.Stat(j.path)
		switch {
		case statErr == nil:
			existed = true
		case existed && errors.Is(statErr, os.ErrNotExist):
			return ErrRemoved
		}

		evs, err := j.Since(after)
		if err != nil {
			return err
		}

		for _, ev := range evs {
			if err := fn(ev); err != nil {
				return err
			}
			after = ev.Seq
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
