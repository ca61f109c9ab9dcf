package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandWiring(t *testing.T) {
	cmd := newRootCommand()
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"run", "send", "recall", "targets", "block", "unblock", "blocked"}, names)

	f := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, f)
	assert.Equal(t, "./pewcast.yaml", f.DefValue)
}

func TestSendRejectsBadInputBeforeLoadingConfig(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"no content", []string{"send"}, "nothing to send"},
		{"text and forward", []string{"send", "--forward-id", "7", "hi"}, "not both"},
		{"bad exclude", []string{"send", "--exclude", ":3", "hi"}, "--exclude"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := newRootCommand()
			cmd.SetArgs(append(tc.args, "--config", "/nonexistent/pewcast.yaml"))
			err := cmd.Execute()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
