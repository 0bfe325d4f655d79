package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.Equal(t, 16, cfg.PipelineDepth)
	require.Equal(t, 2, cfg.MaxMissedDeadlines)
	require.Equal(t, 10*time.Second, cfg.ChokeInterval)
	require.Equal(t, 4, cfg.MaxUnchoked)
	require.True(t, cfg.EnableTCP)
	require.NoError(t, cfg.Validate())
}

func TestLoadFlagsAndEnv(t *testing.T) {
	t.Setenv("SWARMD_MAX_UNCHOKED", "7")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	require.NoError(t, fs.Parse([]string{"--download_rate=2MB", "--listen_port=7000"}))

	cfg, err := Load(fs)
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.ListenPort)
	require.Equal(t, 7, cfg.MaxUnchoked)
	require.Equal(t, int64(2*1024*1024), cfg.DownloadBytesPerSecond())
	require.Equal(t, int64(0), cfg.UploadBytesPerSecond())
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swarmd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline_depth: 4\nupload_rate: 512KB\n"), 0o644))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	require.NoError(t, fs.Parse([]string{"--config", path}))

	cfg, err := Load(fs)
	require.NoError(t, err)
	require.Equal(t, 4, cfg.PipelineDepth)
	require.Equal(t, int64(512*1024), cfg.UploadBytesPerSecond())
}

func TestParseRate(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"0", 0, false},
		{"100", 100, false},
		{"16KB", 16 * 1024, false},
		{"1 mb", 1024 * 1024, false},
		{"fast", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseRate(tt.in)
		if tt.wantErr {
			require.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.PipelineDepth = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MaxBackoff = time.Second
	cfg.MinBackoff = time.Minute
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.UploadRate = "lots"
	require.Error(t, cfg.Validate())
}
