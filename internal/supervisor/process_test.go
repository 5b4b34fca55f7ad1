package supervisor

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func startSleep(t *testing.T, args ...string) *exec.Cmd {
	t.Helper()

	if len(args) == 0 {
		args = []string{"30"}
	}

	cmd := exec.Command("sleep", args...)
	require.NoError(t, cmd.Start())

	t.Cleanup(func() {
		_ = unix.Kill(cmd.Process.Pid, unix.SIGKILL)
		_, _ = Wait(context.Background(), cmd.Process.Pid)
	})

	return cmd
}

func TestStartTimeAndAlive(t *testing.T) {
	cmd := startSleep(t)
	pid := cmd.Process.Pid

	st, err := StartTime(pid)
	require.NoError(t, err)
	assert.NotZero(t, st)

	assert.True(t, Alive(pid, st))
	assert.True(t, Alive(pid, 0))
	assert.False(t, Alive(pid, st+1000), "a different start time is a reused pid")
	assert.False(t, Alive(0, 0))
}

func TestAliveZombie(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid

	require.Eventually(t, func() bool { return zombie(pid) }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, Alive(pid, 0))

	_, err := Wait(context.Background(), pid)
	require.NoError(t, err)
}

func TestSignalStale(t *testing.T) {
	cmd := startSleep(t)
	pid := cmd.Process.Pid

	st, err := StartTime(pid)
	require.NoError(t, err)

	err = Signal(pid, st+1000, unix.SIGTERM)
	assert.ErrorIs(t, err, errdefs.ErrProcessNotFound)
	assert.True(t, Alive(pid, st))
}

func TestStartTimeMissing(t *testing.T) {
	_, err := StartTime(1 << 22)
	assert.ErrorIs(t, err, errdefs.ErrProcessNotFound)
}

func TestWaitExitStatus(t *testing.T) {
	scenarios := map[string]struct {
		args []string
		code int
		sig  unix.Signal
	}{
		"exit 0":   {args: []string{"-c", "exit 0"}},
		"exit 3":   {args: []string{"-c", "exit 3"}, code: 3},
		"signaled": {args: []string{"-c", "kill -TERM $$"}, sig: unix.SIGTERM},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			cmd := exec.Command("sh", config.args...)
			require.NoError(t, cmd.Start())

			status, err := Wait(context.Background(), cmd.Process.Pid)
			require.NoError(t, err)

			assert.True(t, status.Known)
			assert.Equal(t, config.code, status.Code)
			assert.Equal(t, config.sig, status.Signal)
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 3, ExitStatus{Code: 3}.ExitCode())
	assert.Equal(t, 137, ExitStatus{Signal: unix.SIGKILL}.ExitCode())
}

func TestWaitTimeout(t *testing.T) {
	cmd := startSleep(t)

	_, exited, err := WaitTimeout(context.Background(), cmd.Process.Pid, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, exited)
}

func TestWaitCancelled(t *testing.T) {
	cmd := startSleep(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Wait(ctx, cmd.Process.Pid)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKill(t *testing.T) {
	scenarios := map[string]struct {
		script string
		sig    unix.Signal
		policy KillPolicy
		exited bool
		signal unix.Signal
	}{
		"no wait": {
			script: "sleep 30",
			sig:    unix.SIGTERM,
		},
		"graceful": {
			script: "sleep 30",
			sig:    unix.SIGTERM,
			policy: KillPolicy{Wait: true, Grace: 5 * time.Second},
			exited: true,
			signal: unix.SIGTERM,
		},
		"escalates when ignored": {
			script: "trap '' TERM; while true; do sleep 0.05; done",
			sig:    unix.SIGTERM,
			policy: KillPolicy{Wait: true, Grace: 200 * time.Millisecond, Escalate: true, Timeout: 5 * time.Second},
			exited: true,
			signal: unix.SIGKILL,
		},
		"ignored without escalation": {
			script: "trap '' TERM; while true; do sleep 0.05; done",
			sig:    unix.SIGTERM,
			policy: KillPolicy{Wait: true, Grace: 200 * time.Millisecond},
		},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			cmd := exec.Command("sh", "-c", config.script)
			require.NoError(t, cmd.Start())
			pid := cmd.Process.Pid
			t.Cleanup(func() {
				_ = unix.Kill(pid, unix.SIGKILL)
				_, _ = Wait(context.Background(), pid)
			})

			st, err := StartTime(pid)
			require.NoError(t, err)

			// Give the shell time to install its trap.
			time.Sleep(100 * time.Millisecond)

			status, exited, err := Kill(context.Background(), pid, st, config.sig, config.policy)
			require.NoError(t, err)
			assert.Equal(t, config.exited, exited)
			if exited {
				assert.Equal(t, config.signal, status.Signal)
			}
		})
	}
}

func TestKillStale(t *testing.T) {
	_, _, err := Kill(context.Background(), os.Getpid(), 1, unix.SIGTERM, KillPolicy{})
	assert.ErrorIs(t, err, errdefs.ErrProcessNotFound)
}
