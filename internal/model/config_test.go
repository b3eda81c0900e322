package model_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tvnlabs/chanvisor/internal/model"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
service:
  log: stderr
  store:
    driver: postgres
    dsn: postgres://chanvisor@localhost/chanvisor
  control:
    redis:
      addr: localhost:6379
supervisor:
  ffmpeg: /usr/bin/ffmpeg
  health_window: 10s
  max_retries: 3
channels:
  - name: News HD
    input:
      kind: hls
      url: https://origin.example.com/news/index.m3u8
    output:
      output:
        kind: hls
        url: /var/www/hls/news/index.m3u8
      video_bitrate: 2400000
      audio_bitrate: 128000
      buffer_size: 4800000
      resolution: 1280x720
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.NotNil(t, cfg.Service.Log)
	require.Equal(t, model.LogStderr, *cfg.Service.Log)
	require.Equal(t, model.StorePostgres, cfg.Service.Store.Driver)
	require.NotNil(t, cfg.Service.Control)
	require.Equal(t, "localhost:6379", cfg.Service.Control.Redis.Addr)
	require.NotNil(t, cfg.Supervisor)
	require.Equal(t, "/usr/bin/ffmpeg", cfg.Supervisor.FFmpeg)
	require.NotNil(t, cfg.Supervisor.MaxRetries)
	require.Equal(t, 3, *cfg.Supervisor.MaxRetries)

	require.Len(t, cfg.Channels, 1)
	ch := cfg.Channels[0]
	require.Equal(t, "News HD", ch.Name)
	require.Equal(t, model.InputPull, ch.Input.Kind)
	// schema defaults
	require.Equal(t, model.CodecH264, ch.VideoCodec)
	require.Equal(t, model.AudioAAC, ch.AudioCodec)
	require.Equal(t, model.BitrateCBR, ch.BitrateMode)
	require.Equal(t, 30, ch.FrameRate)
	require.Equal(t, model.ScanProgressive, ch.ScanType)
	require.False(t, ch.MultiRendition())
	require.NotNil(t, ch.Output)
	require.Equal(t, model.OutputHLS, ch.Output.Output.Kind)
}

func TestLoadConfig_Default(t *testing.T) {
	cfg, err := model.LoadConfig(strings.NewReader("version: 0\nservice: {}\n"))
	require.NoError(t, err)
	require.Equal(t, model.StoreSQLite, cfg.Service.Store.Driver)
	require.Empty(t, cfg.Channels)
}

func TestLoadConfig_Fail(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		yml      string
		contains string
	}{
		{
			scenario: "missing url for pull input",
			yml: `
version: 0
service: {}
channels:
  - name: a
    input:
      kind: hls
    output:
      output: {kind: file, file: out.ts}
      video_bitrate: 1
      audio_bitrate: 1
      buffer_size: 1
      resolution: 640x360
`,
			contains: "channels.0.input.url",
		},
		{
			scenario: "unknown store driver",
			yml: `
version: 0
service:
  store:
    driver: mysql
`,
			contains: "service.store.driver",
		},
		{
			scenario: "unknown field",
			yml: `
version: 0
service: {}
bogus: true
`,
			contains: "bogus",
		},
		{
			scenario: "both output and renditions",
			yml: `
version: 0
service: {}
channels:
  - name: a
    input: {kind: file, file: in.ts}
    output:
      output: {kind: file, file: out.ts}
      video_bitrate: 1
      audio_bitrate: 1
      buffer_size: 1
      resolution: 640x360
    renditions:
      - output: {kind: file, file: out2.ts}
        video_bitrate: 1
        audio_bitrate: 1
        buffer_size: 1
        resolution: 640x360
`,
			contains: "excludes renditions",
		},
		{
			scenario: "duplicate name",
			yml: `
version: 0
service: {}
channels:
  - name: a
    input: {kind: file, file: in.ts}
    output:
      output: {kind: file, file: out.ts}
      video_bitrate: 1
      audio_bitrate: 1
      buffer_size: 1
      resolution: 640x360
  - name: a
    input: {kind: file, file: in.ts}
    output:
      output: {kind: file, file: out.ts}
      video_bitrate: 1
      audio_bitrate: 1
      buffer_size: 1
      resolution: 640x360
`,
			contains: "duplicate name",
		},
		{
			scenario: "names sharing a log file",
			yml: `
version: 0
service: {}
channels:
  - name: news 1
    input: {kind: file, file: in.ts}
    output:
      output: {kind: file, file: out.ts}
      video_bitrate: 1
      audio_bitrate: 1
      buffer_size: 1
      resolution: 640x360
  - name: news_1
    input: {kind: file, file: in.ts}
    output:
      output: {kind: file, file: out.ts}
      video_bitrate: 1
      audio_bitrate: 1
      buffer_size: 1
      resolution: 640x360
`,
			contains: `log file news_1.log already used by channel "news 1"`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := model.LoadConfig(strings.NewReader(tc.yml))
			require.Error(t, err)
			require.ErrorContains(t, err, tc.contains)
		})
	}
}

func TestCueErrDetails(t *testing.T) {
	yml := `
version: 0
service:
  store:
    driver: mysql
`
	_, err := model.LoadConfig(strings.NewReader(yml))
	require.Error(t, err)
	details := model.CueErrDetails(err)
	require.NotEmpty(t, details)
	var found bool
	for _, d := range details {
		if d.Path != "service.store.driver" {
			continue
		}
		found = true
		require.Contains(t, d.Message, "possible values")
		require.Contains(t, d.Message, "sqlite")
	}
	require.True(t, found, "no detail for service.store.driver in %+v", details)
}

func TestCueErrDetails_UnknownField(t *testing.T) {
	t.Parallel()
	yml := `
version: 0
service:
  colour: red
`
	_, err := model.LoadConfig(strings.NewReader(yml))
	require.Error(t, err)
	details := model.CueErrDetails(err)
	idx := slices.IndexFunc(details, func(d model.CueErrorDetail) bool {
		return d.Path == "service.colour"
	})
	require.GreaterOrEqual(t, idx, 0, "%+v", details)
	require.Equal(t, "unknown_field", details[idx].Code)
	require.Equal(t, "field service.colour is not allowed", details[idx].Message)
	require.Positive(t, details[idx].Line)
}
