package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/models"
)

func TestLookup(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	entry, err := c.Lookup("echo_hello_world")
	require.NoError(t, err)
	assert.Equal(t, "echo", entry.Cmd)

	_, err = c.Lookup("no_such_task")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestNewRejectsShadowing(t *testing.T) {
	_, err := New(map[string]Entry{"generic": {Description: "override"}})
	assert.Error(t, err)
}

func TestNewExtends(t *testing.T) {
	c, err := New(map[string]Entry{
		"count_lines": {Cmd: "wc", DefaultParams: []string{"-l"}, Description: "Counts lines"},
	})
	require.NoError(t, err)

	entry, err := c.Lookup("count_lines")
	require.NoError(t, err)
	assert.Equal(t, "wc", entry.Cmd)
	assert.Equal(t, []string{"count_lines", "echo_hello_world", "generic"}, c.Names())
}

func TestCommand(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	tests := []struct {
		name     string
		task     models.Task
		expected string
		err      error
	}{
		{
			name:     "catalog command with default params",
			task:     models.Task{Name: "echo_hello_world"},
			expected: "echo -e \"hello, world! (sent job $SLURM_JOB_ID to $SLURM_JOB_USER at `date`)\"",
		},
		{
			name:     "task command overrides catalog",
			task:     models.Task{Name: "echo_hello_world", Cmd: "printf"},
			expected: "printf -e \"hello, world! (sent job $SLURM_JOB_ID to $SLURM_JOB_USER at `date`)\"",
		},
		{
			name:     "task params appended after defaults",
			task:     models.Task{Name: "generic", Cmd: "hostname", Params: []string{"-f"}},
			expected: "hostname -f",
		},
		{
			name: "no command anywhere",
			task: models.Task{Name: "generic"},
			err:  ErrNoCommand,
		},
		{
			name: "unknown task",
			task: models.Task{Name: "no_such_task"},
			err:  ErrUnknownTask,
		},
	}

	for _, test := range tests {
		cmd, err := c.Command(&test.task)
		if test.err != nil {
			assert.ErrorIs(t, err, test.err, test.name)
		} else {
			require.NoError(t, err, test.name)
			assert.Equal(t, test.expected, cmd, test.name)
		}
	}
}

func TestEffectivePolicyDefaults(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	policy, err := c.EffectivePolicy(&models.Task{Name: "echo_hello_world"})
	require.NoError(t, err)
	assert.Equal(t, []string{"test", "email", "gmail", "slack", "rabbitmq"}, policy.Methods)
	assert.Equal(t, "general", policy.Params["slack"]["channel"])
}

func TestEffectivePolicyMerge(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	task := models.Task{
		Name: "echo_hello_world",
		Notification: &models.Notification{
			Methods: []string{"slack"},
			Params: map[string]models.Generic{
				"slack": {"channel": "hpc-alerts"},
				"email": {"recipient": "ops@example.org"},
			},
		},
	}

	policy, err := c.EffectivePolicy(&task)
	require.NoError(t, err)

	// Methods already present are not duplicated.
	assert.Equal(t, []string{"test", "email", "gmail", "slack", "rabbitmq"}, policy.Methods)

	// Overlay wins per key, untouched keys survive.
	assert.Equal(t, "hpc-alerts", policy.Params["slack"]["channel"])
	assert.Equal(t, "Hello World!", policy.Params["slack"]["msg"])
	assert.Equal(t, "ops@example.org", policy.Params["email"]["recipient"])
	assert.Equal(t, "areynolds@altius.org", policy.Params["email"]["sender"])

	// The catalog itself is never mutated.
	entry, err := c.Lookup("echo_hello_world")
	require.NoError(t, err)
	assert.Equal(t, "general", entry.Notification.Params["slack"]["channel"])
}

func TestEffectivePolicyAddsMethods(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	task := models.Task{
		Name: "generic",
		Notification: &models.Notification{
			Methods: []string{"test", "rabbitmq"},
			Params:  map[string]models.Generic{"rabbitmq": {"queue": "generic_queue"}},
		},
	}

	policy, err := c.EffectivePolicy(&task)
	require.NoError(t, err)
	assert.Equal(t, []string{"test", "rabbitmq"}, policy.Methods)
	assert.Equal(t, "generic_queue", policy.Params["rabbitmq"]["queue"])
}
