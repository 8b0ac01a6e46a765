package provision

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeldByPID(t *testing.T) {
	pid, ok := heldByPID("E: Could not get lock /var/lib/dpkg/lock. It is held by process 1234 (unattended-upgr)")
	assert.True(t, ok)
	assert.Equal(t, "1234", pid)

	_, ok = heldByPID("E: Unable to locate package foo")
	assert.False(t, ok)
}

func TestRegistry_Find(t *testing.T) {
	reg := DefaultRegistry()
	locked := &CommandError{Command: "apt-get update", ExitCode: 100, Stderr: "It is held by process 99"}
	other := &CommandError{Command: "apt-get update", ExitCode: 100, Stderr: "404 Not Found"}

	tests := []struct {
		name    string
		ordinal int
		err     error
		want    string
	}{
		{"lock on update stage", 1, locked, "package-lock"},
		{"wrapped lock error", 1, fmt.Errorf("stage: %w", locked), "package-lock"},
		{"other error on update stage", 1, other, ""},
		{"any command error on install stage", 2, other, "dependency-retry"},
		{"lock error on later stage", 3, locked, ""},
		{"non-command error", 2, errors.New("connection reset"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, _ := reg.Find(tt.ordinal, tt.err)
			if tt.want == "" {
				assert.Nil(t, rule)
				return
			}
			if assert.NotNil(t, rule) {
				assert.Equal(t, tt.want, rule.Name)
			}
		})
	}
}

func TestRegistry_NilIsEmpty(t *testing.T) {
	var reg *Registry
	rule, cmdErr := reg.Find(1, &CommandError{})
	assert.Nil(t, rule)
	assert.Nil(t, cmdErr)
}

func TestRemediation_Notices(t *testing.T) {
	err := &CommandError{Stderr: "It is held by process 42"}
	assert.Equal(t, "Package manager is locked by process 42, terminating it and retrying...", PackageLockRemediation().Notice(err))
	assert.Equal(t, "Following error occurred: It is held by process 42, retrying...", DependencyRetryRemediation().Notice(err))
}

func TestCommandError_DangerMessage(t *testing.T) {
	err := &CommandError{Command: "whoami", ExitCode: 127, Stderr: "not found"}
	assert.Equal(t, `Command "whoami" failed with exit code 127, stderr: not found`, err.DangerMessage())
}
