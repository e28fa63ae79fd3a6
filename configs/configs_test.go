package configs

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultParamsAreValid(t *testing.T) {
	p := DefaultParams()
	require.NoError(t, p.Validate(1))
	require.NoError(t, p.Validate(8))
	require.Equal(t, 0.02, p.Alpha)
	require.Equal(t, 1, p.GhostMargin)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		workers int
		edit    func(p *Params)
		field   string
	}{
		{"no workers", 0, func(p *Params) {}, "workers"},
		{"narrow", 2, func(p *Params) { p.Width = 2 }, "width"},
		{"empty band", 2, func(p *Params) { p.BandHeight = 0 }, "band_height"},
		{"thin overlapping band", 2, func(p *Params) { p.GhostMargin = 0; p.BandHeight = 2 }, "band_height"},
		{"thin single band", 1, func(p *Params) { p.BandHeight = 2 }, "band_height"},
		{"bad margin", 2, func(p *Params) { p.GhostMargin = 2 }, "ghost_margin"},
		{"zero alpha", 2, func(p *Params) { p.Alpha = 0 }, "alpha"},
		{"unstable alpha", 2, func(p *Params) { p.Alpha = 0.3 }, "alpha"},
		{"zero epsilon", 2, func(p *Params) { p.Epsilon = 0 }, "epsilon"},
		{"no steps", 2, func(p *Params) { p.MaxSteps = 0 }, "max_steps"},
		{"unknown exchange", 2, func(p *Params) { p.Exchange = "gossip" }, "exchange"},
		{"negative units", 2, func(p *Params) { p.KernelUnits = -1 }, "kernel_units"},
		{"worker count", 3, func(p *Params) { p.ExpectWorkers = 4 }, "expect_workers"},
		{"uneven split", 3, func(p *Params) { p.GlobalHeight = 100 }, "global_height"},
		{"band mismatch", 2, func(p *Params) { p.GlobalHeight = 100 }, "band_height"},
		{"log level", 2, func(p *Params) { p.LogLevel = "loud" }, "log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.edit(&p)
			err := p.Validate(tt.workers)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			require.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestValidateConsistentSizes(t *testing.T) {
	p := DefaultParams()
	p.GlobalHeight = 208
	p.ExpectWorkers = 4
	require.NoError(t, p.Validate(4))
}

func TestConfigValidate(t *testing.T) {
	c := Config{Params: DefaultParams(), Cluster: Cluster{Nodes: []Node{{Address: "a:1"}, {Address: "b:1"}}}}
	require.NoError(t, c.Validate())

	c.Cluster.Nodes[1].Address = "a:1"
	require.ErrorContains(t, c.Validate(), "share address")

	c.Cluster.Nodes[1].Address = ""
	require.ErrorContains(t, c.Validate(), "no address")

	c.Cluster.Nodes = nil
	require.ErrorContains(t, c.Validate(), "workers")
}

func TestNodeHost(t *testing.T) {
	require.Equal(t, "10.0.0.7", Node{Address: "10.0.0.7:2000"}.Host())
	require.Equal(t, "localhost", Node{Address: ":2000"}.Host())
	require.Equal(t, "::1", Node{Address: "[::1]:9000"}.Host())
	require.Equal(t, "fe80::1%eth0", Node{Address: "[fe80::1%eth0]:9000"}.Host())
	require.Equal(t, "node7", Node{Address: "node7"}.Host())
}

func TestReadWriteConfig(t *testing.T) {
	c := Config{
		Params: DefaultParams(),
		Cluster: Cluster{
			Nodes: []Node{
				{Address: "10.0.0.1:2000"},
				{Address: "10.0.0.2:2000", SSH: &SSHConfig{User: "drone", Password: "pw", Port: "2222"}},
			},
			Binary:     "/opt/heat",
			ConfigPath: "/etc/heat.yaml",
		},
	}
	c.Params.Exchange = ExchangeOrdered
	c.Params.Display = true

	for _, name := range []string{"job.json", "job.yaml", "job.yml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, WriteConfig(path, c))
			got, err := ReadConfig(path)
			require.NoError(t, err)
			require.Equal(t, c, got)
		})
	}
}

func TestReadConfigKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte("params:\n  width: 8\n  band_height: 4\n"), 0644))
	got, err := ReadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 8, got.Params.Width)
	require.Equal(t, 4, got.Params.BandHeight)
	require.Equal(t, DefaultParams().Alpha, got.Params.Alpha)
	require.Equal(t, DefaultParams().MaxSteps, got.Params.MaxSteps)
}

func TestReadConfigErrors(t *testing.T) {
	_, err := ReadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0644))
	_, err = ReadConfig(path)
	require.ErrorContains(t, err, "decode")
}

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]slog.Level{
		"": slog.LevelInfo, "DEBUG": slog.LevelDebug, "warning": slog.LevelWarn, "error": slog.LevelError,
	} {
		got, err := ParseLevel(name)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}
