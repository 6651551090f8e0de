package cli

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/splitgridgo/internal/app"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		want     *app.Config
		wantExit bool
		wantCode int
		wantOut  string
	}{
		{
			name:     "help",
			args:     []string{"-h"},
			wantExit: true,
			wantOut:  "Usage:",
		},
		{
			name:     "no config path prints usage",
			args:     nil,
			wantExit: true,
			wantOut:  "CONFIG_PATH",
		},
		{
			name: "positional path with defaults",
			args: []string{"model/"},
			want: &app.Config{ConfigPath: "model/", LogFormat: "json", LogLevel: "info"},
		},
		{
			name: "overrides",
			args: []string{
				"-c", "m.hcl", "-scheduler", "http://localhost:7070", "-transport", "SocketIO",
				"-runtime-id", "3", "-iterations", "20", "-ratio", "7",
				"-log-format", "TEXT", "-log-level", "debug", "-healthcheck-port", "8080",
			},
			want: &app.Config{
				ConfigPath: "m.hcl", Scheduler: "http://localhost:7070", Transport: "socketio",
				RuntimeID: 3, Iterations: 20, Ratio: 7,
				LogFormat: "text", LogLevel: "debug", HealthcheckPort: 8080,
			},
		},
		{
			name: "config flag wins over positional path",
			args: []string{"-config", "a.hcl", "b.hcl"},
			want: &app.Config{ConfigPath: "a.hcl", LogFormat: "json", LogLevel: "info"},
		},
		{name: "unknown flag", args: []string{"-bogus"}, wantCode: 2},
		{name: "bad log format", args: []string{"-log-format", "xml", "m.hcl"}, wantCode: 2},
		{name: "bad log level", args: []string{"-log-level", "trace", "m.hcl"}, wantCode: 2},
		{name: "ratio out of range", args: []string{"-ratio", "10", "m.hcl"}, wantCode: 2},
		{name: "unknown transport", args: []string{"-transport", "tcp", "m.hcl"}, wantCode: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			got, exit, err := Parse(tt.args, out)
			if tt.wantCode != 0 {
				var exitErr *ExitError
				require.ErrorAs(t, err, &exitErr)
				assert.Equal(t, tt.wantCode, exitErr.Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantExit, exit)
			assert.Contains(t, out.String(), tt.wantOut)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseScheduler(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		got, exit, err := ParseScheduler(nil, &bytes.Buffer{})
		require.NoError(t, err)
		assert.False(t, exit)
		want := &app.SchedulerConfig{SocketPath: "/tmp/splitgrid.sock", InitialRatio: 5, LogFormat: "json", LogLevel: "info"}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("ParseScheduler() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("socket.io only", func(t *testing.T) {
		got, _, err := ParseScheduler([]string{"-socket", "", "-socketio-addr", ":7070", "-namespace", "/runtimes", "-initial-ratio", "2"}, &bytes.Buffer{})
		require.NoError(t, err)
		assert.Empty(t, got.SocketPath)
		assert.Equal(t, ":7070", got.SocketIOAddr)
		assert.Equal(t, "/runtimes", got.Namespace)
		assert.Equal(t, 2, got.InitialRatio)
	})

	t.Run("help", func(t *testing.T) {
		out := &bytes.Buffer{}
		_, exit, err := ParseScheduler([]string{"-help"}, out)
		require.NoError(t, err)
		assert.True(t, exit)
		assert.Contains(t, out.String(), "splitgrid-scheduler [options]")
	})

	for name, args := range map[string][]string{
		"no endpoint":    {"-socket", ""},
		"ratio too high": {"-initial-ratio", "12"},
		"positional arg": {"extra"},
		"bad log level":  {"-log-level", "loud"},
		"unknown flag":   {"-port", "1"},
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := ParseScheduler(args, &bytes.Buffer{})
			var exitErr *ExitError
			require.ErrorAs(t, err, &exitErr)
			assert.Equal(t, 2, exitErr.Code)
		})
	}
}
