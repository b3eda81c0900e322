package model

import (
	"fmt"
	"strconv"
	"strings"
)

type InputKind string

const (
	InputPull      InputKind = "hls"
	InputMulticast InputKind = "udp"
	InputFile      InputKind = "file"
)

type OutputKind string

const (
	OutputHLS       OutputKind = "hls"
	OutputMulticast OutputKind = "udp"
	OutputFile      OutputKind = "file"
	OutputRTMP      OutputKind = "rtmp"
)

type VideoCodec string

const (
	CodecH264  VideoCodec = "libx264"
	CodecHEVC  VideoCodec = "libx265"
	CodecMPEG2 VideoCodec = "mpeg2video"
)

type AudioCodec string

const (
	AudioAAC AudioCodec = "aac"
	AudioAC3 AudioCodec = "ac3"
	AudioMP2 AudioCodec = "mp2"
)

type BitrateMode string

const (
	BitrateCBR BitrateMode = "cbr"
	BitrateVBR BitrateMode = "vbr"
)

type ScanType string

const (
	ScanProgressive ScanType = "progressive"
	ScanInterlaced  ScanType = "interlaced"
)

const (
	DefaultVideoPID   = 101
	DefaultAudioPID   = 102
	DefaultTTL        = 50
	DefaultPacketSize = 1316
)

// Channel is the immutable description of one transcoding pipeline.
// Exactly one of Output and Renditions is set.
type Channel struct {
	Name        string      `json:"name" validate:"required"`
	Input       Input       `json:"input"`
	VideoCodec  VideoCodec  `json:"video_codec" validate:"required,oneof=libx264 libx265 mpeg2video"`
	AudioCodec  AudioCodec  `json:"audio_codec" validate:"required,oneof=aac ac3 mp2"`
	AudioGain   *float64    `json:"audio_gain,omitempty" validate:"omitempty,gte=0.1,lte=10"`
	BitrateMode BitrateMode `json:"bitrate_mode" validate:"required,oneof=cbr vbr"`
	FrameRate   int         `json:"frame_rate" validate:"required,oneof=24 25 30 50 60"`
	ScanType    ScanType    `json:"scan_type" validate:"required,oneof=progressive interlaced"`
	AspectRatio string      `json:"aspect_ratio,omitempty" validate:"omitempty,oneof=16:9 4:3"`
	Overlay     *Overlay    `json:"overlay,omitempty"`
	Output      *Rendition  `json:"output,omitempty"`
	Renditions  []Rendition `json:"renditions,omitempty" validate:"omitempty,dive"`
}

// MultiRendition reports whether the channel produces an ABR ladder.
func (c Channel) MultiRendition() bool {
	return len(c.Renditions) > 0
}

// Profiles returns the output profiles in emission order.
func (c Channel) Profiles() []Rendition {
	if c.MultiRendition() {
		return c.Renditions
	}
	if c.Output == nil {
		return nil
	}
	return []Rendition{*c.Output}
}

type Input struct {
	Kind          InputKind `json:"kind" validate:"required,oneof=hls udp file"`
	URL           string    `json:"url,omitempty" validate:"required_if=Kind hls"`
	MulticastAddr string    `json:"multicast_addr,omitempty" validate:"required_if=Kind udp,omitempty,hostname_port"`
	Network       string    `json:"network,omitempty" validate:"required_if=Kind udp,omitempty,ip"`
	File          string    `json:"file,omitempty" validate:"required_if=Kind file"`
}

type Output struct {
	Kind          OutputKind `json:"kind" validate:"required,oneof=hls udp file rtmp"`
	URL           string     `json:"url,omitempty" validate:"required_if=Kind hls,required_if=Kind rtmp"`
	MulticastAddr string     `json:"multicast_addr,omitempty" validate:"required_if=Kind udp,omitempty,hostname_port"`
	Network       string     `json:"network,omitempty" validate:"required_if=Kind udp,omitempty,ip"`
	File          string     `json:"file,omitempty" validate:"required_if=Kind file"`
	TTL           int        `json:"ttl,omitempty" validate:"omitempty,min=1,max=255"`
	PacketSize    int        `json:"packet_size,omitempty" validate:"omitempty,min=188"`
}

// Rendition is one output of a channel: a single-output channel has
// exactly one, an ABR channel has one per ladder step.
type Rendition struct {
	Name         string   `json:"name,omitempty"`
	Output       Output   `json:"output"`
	VideoBitrate int      `json:"video_bitrate" validate:"required,gt=0"`
	AudioBitrate int      `json:"audio_bitrate" validate:"required,gt=0"`
	BufferSize   int      `json:"buffer_size" validate:"required,gt=0"`
	Resolution   string   `json:"resolution" validate:"required"`
	AudioGain    *float64 `json:"audio_gain,omitempty" validate:"omitempty,gte=0.1,lte=10"`
	ServiceID    int      `json:"service_id,omitempty" validate:"omitempty,min=1,max=9999"`
	VideoPID     int      `json:"video_pid,omitempty" validate:"omitempty,min=16,max=8190"`
	AudioPID     int      `json:"audio_pid,omitempty" validate:"omitempty,min=16,max=8190"`
	PMTPID       int      `json:"pmt_pid,omitempty" validate:"omitempty,min=16,max=8190"`
	PCRPID       int      `json:"pcr_pid,omitempty" validate:"omitempty,min=16,max=8190"`
}

// StreamPIDs returns video and audio PIDs with defaults applied.
func (r Rendition) StreamPIDs() (video, audio int) {
	video, audio = r.VideoPID, r.AudioPID
	if video == 0 {
		video = DefaultVideoPID
	}
	if audio == 0 {
		audio = DefaultAudioPID
	}
	return video, audio
}

// Size parses Resolution as WIDTHxHEIGHT.
func (r Rendition) Size() (width, height int, err error) {
	w, h, ok := strings.Cut(r.Resolution, "x")
	if !ok {
		return 0, 0, fmt.Errorf("resolution %q: expected WIDTHxHEIGHT", r.Resolution)
	}
	width, err = strconv.Atoi(w)
	if err != nil || width <= 0 {
		return 0, 0, fmt.Errorf("resolution %q: bad width", r.Resolution)
	}
	height, err = strconv.Atoi(h)
	if err != nil || height <= 0 {
		return 0, 0, fmt.Errorf("resolution %q: bad height", r.Resolution)
	}
	return width, height, nil
}

// Overlay is a logo composited over the video. An empty Path disables it.
type Overlay struct {
	Path     string  `json:"path,omitempty"`
	Position string  `json:"position,omitempty" validate:"required_with=Path"`
	Opacity  float64 `json:"opacity,omitempty" validate:"omitempty,gt=0,lte=1"`
}

// Enabled reports whether the overlay should be composited.
func (o *Overlay) Enabled() bool {
	return o != nil && o.Path != ""
}
