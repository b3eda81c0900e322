// Package command turns a channel configuration into a worker invocation.
// Build is pure: the same channel always yields the same argument vector.
package command

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/tvnlabs/chanvisor/internal/model"
)

// HLS playlist shape for segmented outputs.
const (
	SegmentDuration = 10
	PlaylistSize    = 6
)

const probeWindow = "10000000"

// Spec is an executable plus its ordered arguments.
type Spec struct {
	Path string
	Args []string
}

// String renders the invocation for the log sink, quoting arguments which
// would not survive a shell.
func (s Spec) String() string {
	parts := make([]string, 0, len(s.Args)+1)
	parts = append(parts, quote(s.Path))
	for _, a := range s.Args {
		parts = append(parts, quote(a))
	}
	return strings.Join(parts, " ")
}

func quote(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\"'\\;&|<>()$`*?[]#~") {
		return strconv.Quote(s)
	}
	return s
}

type builder struct {
	ch   model.Channel
	args []string
}

func (b *builder) add(args ...string) {
	b.args = append(b.args, args...)
}

// Build returns the worker invocation for ch. The channel is validated
// first, so a *model.ConfigError is returned for any missing field.
func Build(binary string, ch model.Channel) (Spec, error) {
	if binary == "" {
		return Spec{}, &model.ConfigError{Channel: ch.Name, Issues: []model.Issue{{Field: "ffmpeg", Reason: "is required"}}}
	}
	if err := ch.Validate(); err != nil {
		return Spec{}, err
	}

	b := &builder{ch: ch}
	b.add("-hide_banner", "-nostdin", "-y", "-loglevel", "info", "-stats")
	if err := b.input(); err != nil {
		return Spec{}, err
	}
	if ch.Overlay.Enabled() {
		b.add("-i", ch.Overlay.Path)
	}

	var err error
	if ch.MultiRendition() {
		err = b.ladder()
	} else {
		err = b.single()
	}
	if err != nil {
		return Spec{}, err
	}
	return Spec{Path: binary, Args: b.args}, nil
}

func (b *builder) input() error {
	in := b.ch.Input
	switch in.Kind {
	case model.InputPull:
		b.add("-re", "-i", in.URL)
	case model.InputMulticast:
		b.add(
			"-fflags", "+genpts+discardcorrupt+igndts",
			"-err_detect", "ignore_err",
			"-analyzeduration", probeWindow,
			"-probesize", probeWindow,
			"-i", udpURL(in.MulticastAddr, url.Values{
				"localaddr":        {in.Network},
				"overrun_nonfatal": {"1"},
				"fifo_size":        {"1000000"},
			}),
		)
	case model.InputFile:
		b.add("-i", in.File)
	default:
		return b.invalid("input.kind", fmt.Sprintf("unsupported kind %q", in.Kind))
	}
	return nil
}

func (b *builder) single() error {
	r := *b.ch.Output
	switch {
	case b.ch.Overlay.Enabled():
		graph, err := b.overlay("[0:v]", "[vout]")
		if err != nil {
			return err
		}
		b.add("-filter_complex", graph, "-map", "[vout]")
	case b.ch.ScanType == model.ScanProgressive:
		b.add("-map", "0:v:0", "-vf", "setfield=prog")
	default:
		b.add("-map", "0:v:0")
	}
	b.add("-map", "0:a:0?")
	if g, ok := gain(r.AudioGain, b.ch.AudioGain); ok {
		b.add("-af", "volume="+g)
	}

	if err := b.encode(r); err != nil {
		return err
	}
	b.add("-s", r.Resolution)
	return b.output("output", r)
}

// ladder emits one filter graph splitting video and audio into a branch per
// rendition and one output block per branch.
func (b *builder) ladder() error {
	n := len(b.ch.Renditions)
	var graph []string

	src := "[0:v]"
	switch {
	case b.ch.Overlay.Enabled():
		g, err := b.overlay(src, "[vbase]")
		if err != nil {
			return err
		}
		graph = append(graph, g)
		src = "[vbase]"
	case b.ch.ScanType == model.ScanProgressive:
		graph = append(graph, src+"setfield=prog[vbase]")
		src = "[vbase]"
	}

	graph = append(graph, src+"split="+strconv.Itoa(n)+labels("v", n))
	for i, r := range b.ch.Renditions {
		w, h, err := r.Size()
		if err != nil {
			return b.invalid(fmt.Sprintf("renditions[%d].resolution", i), err.Error())
		}
		graph = append(graph, fmt.Sprintf("[v%d]scale=%d:%d[vout%d]", i, w, h, i))
	}

	graph = append(graph, "[0:a]asplit="+strconv.Itoa(n)+labels("a", n))
	for i, r := range b.ch.Renditions {
		g, ok := gain(r.AudioGain, b.ch.AudioGain)
		if !ok {
			g = "1"
		}
		graph = append(graph, fmt.Sprintf("[a%d]volume=%s[aout%d]", i, g, i))
	}

	b.add("-filter_complex", strings.Join(graph, ";"))
	for i, r := range b.ch.Renditions {
		b.add("-map", fmt.Sprintf("[vout%d]", i), "-map", fmt.Sprintf("[aout%d]", i))
		if err := b.encode(r); err != nil {
			return err
		}
		if err := b.output(fmt.Sprintf("renditions[%d]", i), r); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) overlay(in, out string) (string, error) {
	o := b.ch.Overlay
	x, y, err := o.Coordinates()
	if err != nil {
		return "", b.invalid("overlay.position", err.Error())
	}
	opacity := o.Opacity
	if opacity == 0 {
		opacity = 1
	}
	return fmt.Sprintf("[1:v]format=rgba,colorchannelmixer=aa=%s[logo];%s[logo]overlay=%s:%s%s",
		formatFloat(opacity), in, x, y, out), nil
}

// encode writes the codec, rate control and interlace block of one output.
func (b *builder) encode(r model.Rendition) error {
	ch := b.ch
	rate := strconv.Itoa(r.VideoBitrate)
	b.add("-c:v", string(ch.VideoCodec), "-b:v", rate)

	var params []string
	switch ch.BitrateMode {
	case model.BitrateCBR:
		b.add("-minrate", rate, "-maxrate", rate, "-bufsize", strconv.Itoa(r.BufferSize))
		if ch.VideoCodec == model.CodecH264 {
			params = append(params, "nal-hrd=cbr")
		}
	case model.BitrateVBR:
		b.add("-maxrate", rate, "-bufsize", strconv.Itoa(r.BufferSize))
	default:
		return b.invalid("bitrate_mode", fmt.Sprintf("unsupported mode %q", ch.BitrateMode))
	}

	switch ch.ScanType {
	case model.ScanProgressive:
	case model.ScanInterlaced:
		switch ch.VideoCodec {
		case model.CodecH264:
			b.add("-flags", "+ilme+ildct")
			params = append(params, "tff=1")
		case model.CodecHEVC:
			params = append(params, "interlace=tff")
		case model.CodecMPEG2:
			b.add("-flags", "+ilme+ildct", "-top", "1", "-alternate_scan", "1")
		default:
			return b.invalid("video_codec", fmt.Sprintf("unsupported codec %q", ch.VideoCodec))
		}
	default:
		return b.invalid("scan_type", fmt.Sprintf("unsupported scan type %q", ch.ScanType))
	}

	if len(params) > 0 {
		switch ch.VideoCodec {
		case model.CodecH264:
			b.add("-x264-params", strings.Join(params, ":"))
		case model.CodecHEVC:
			b.add("-x265-params", strings.Join(params, ":"))
		}
	}

	fps := strconv.Itoa(ch.FrameRate)
	b.add("-r", fps, "-g", strconv.Itoa(2*ch.FrameRate))
	if ch.AspectRatio != "" {
		b.add("-aspect", ch.AspectRatio)
	}
	b.add("-c:a", string(ch.AudioCodec), "-b:a", strconv.Itoa(r.AudioBitrate))
	return nil
}

func (b *builder) output(field string, r model.Rendition) error {
	o := r.Output
	switch o.Kind {
	case model.OutputHLS:
		b.add(
			"-f", "hls",
			"-hls_time", strconv.Itoa(SegmentDuration),
			"-hls_list_size", strconv.Itoa(PlaylistSize),
			"-hls_flags", "delete_segments",
			o.URL,
		)
	case model.OutputMulticast:
		video, audio := r.StreamPIDs()
		ttl, size := o.TTL, o.PacketSize
		if ttl == 0 {
			ttl = model.DefaultTTL
		}
		if size == 0 {
			size = model.DefaultPacketSize
		}
		b.add(
			"-f", "mpegts",
			"-mpegts_service_id", strconv.Itoa(r.ServiceID),
			"-mpegts_pmt_start_pid", strconv.Itoa(r.PMTPID),
			"-streamid", "0:"+strconv.Itoa(video),
			"-streamid", "1:"+strconv.Itoa(audio),
			"-metadata", "service_name="+b.ch.Name,
			udpURL(o.MulticastAddr, url.Values{
				"localaddr": {o.Network},
				"pkt_size":  {strconv.Itoa(size)},
				"ttl":       {strconv.Itoa(ttl)},
			}),
		)
	case model.OutputFile:
		b.add(o.File)
	case model.OutputRTMP:
		b.add("-f", "flv", o.URL)
	default:
		return b.invalid(field+".output.kind", fmt.Sprintf("unsupported kind %q", o.Kind))
	}
	return nil
}

func (b *builder) invalid(field, reason string) error {
	return &model.ConfigError{Channel: b.ch.Name, Issues: []model.Issue{{Field: field, Reason: reason}}}
}

func udpURL(addr string, q url.Values) string {
	u := url.URL{Scheme: "udp", Host: addr, RawQuery: q.Encode()}
	return u.String()
}

// labels returns [p0][p1]...[pN-1]
func labels(prefix string, n int) string {
	var sb strings.Builder
	for i := range n {
		fmt.Fprintf(&sb, "[%s%d]", prefix, i)
	}
	return sb.String()
}

func gain(values ...*float64) (string, bool) {
	for _, v := range values {
		if v != nil {
			return formatFloat(*v), true
		}
	}
	return "", false
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
