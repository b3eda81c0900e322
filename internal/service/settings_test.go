package service_test

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/tvnlabs/chanvisor/internal/service"
)

const alphaConfig = `
alpha:
  supervisor:
    ffmpeg: /usr/local/bin/ffmpeg
    health_window: 3s
    max_retries: 0
    cooldown: 1m30s
    sweep_cron: "*/5 * * * *"
    env:
      HOME: $HOME
      FFREPORT: "file=report.log:level=32"
`

func TestParseSettings(t *testing.T) {
	// can't be parallel as touches the viper package
	viper.SetConfigType("yaml")
	err := viper.ReadConfig(strings.NewReader(alphaConfig))
	require.NoError(t, err)
	s, err := service.ParseSettings("alpha.supervisor")
	require.NoError(t, err)
	t.Logf("got: %+v", s)

	require.Equal(t, "/usr/local/bin/ffmpeg", s.FFmpeg)
	require.Equal(t, 3*time.Second, s.HealthWindow)
	require.Equal(t, 90*time.Second, s.Cooldown)
	require.Equal(t, service.DefaultGracePeriod, s.GracePeriod)
	require.Equal(t, "logs", s.LogDir)
	require.Zero(t, s.SweepEvery)
	require.Contains(t, s.Env["ffreport"], "level=32")

	t.Run("policy", func(t *testing.T) {
		p := s.Policy()
		require.Equal(t, 0, p.Max)
		require.Equal(t, 90*time.Second, p.Cooldown)
	})
	t.Run("override", func(t *testing.T) {
		viper.Set("alpha.supervisor.log_dir", "/var/log/chanvisor")
		t.Cleanup(func() { viper.Set("alpha.supervisor.log_dir", "") })
		s, err := service.ParseSettings("alpha.supervisor")
		require.NoError(t, err)
		require.Equal(t, "/var/log/chanvisor", s.LogDir)
		require.Equal(t, "/usr/local/bin/ffmpeg", s.FFmpeg)
	})
	t.Run("environ", func(t *testing.T) {
		env := s.Environ()
		require.Contains(t, env, "FFREPORT=file=report.log:level=32")
	})
}

func TestDefaultSettings(t *testing.T) {
	t.Parallel()
	s := service.DefaultSettings()
	require.Equal(t, "ffmpeg", s.FFmpeg)
	require.Equal(t, 10*time.Second, s.HealthWindow)
	require.Equal(t, 5, *s.MaxRetries)
	require.Equal(t, 10*time.Second, s.Cooldown)
	require.Equal(t, int64(10<<20), s.LogMaxBytes)
	require.Equal(t, 5*time.Second, s.SweepEvery)
	require.Nil(t, s.Environ())
}
