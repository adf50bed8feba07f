// Package mediaframe defines the codec-agnostic frame model shared by the
// depacketizer, serializer, webm, and player packages.
package mediaframe

import "github.com/n0remac/sfu-translate/bufferpool"

// Kind distinguishes audio from video frames.
type Kind int

const (
	KindAudio Kind = iota
	KindVideo
)

// Mime identifies a codec by its container/RTP mime string.
type Mime string

const (
	MimeOpus Mime = "audio/opus"
	MimeVP8  Mime = "video/VP8"
	MimeVP9  Mime = "video/VP9"
	MimeH264 Mime = "video/H264"
	MimeH265 Mime = "video/H265"
	MimePCMA Mime = "audio/PCMA"
	MimePCMU Mime = "audio/PCMU"
)

// Kind reports whether mime is audio or video.
func (m Mime) Kind() Kind {
	switch m {
	case MimeVP8, MimeVP9, MimeH264, MimeH265:
		return KindVideo
	default:
		return KindAudio
	}
}

// AudioFrameConfig describes an audio frame's format. Equality is
// structural, including the codec-specific blob.
type AudioFrameConfig struct {
	Channels      uint8
	BitsPerSample uint8
	CodecSpecific *bufferpool.Buffer
}

// Equal reports structural equality including codec-specific bytes.
func (c AudioFrameConfig) Equal(o AudioFrameConfig) bool {
	if c.Channels != o.Channels || c.BitsPerSample != o.BitsPerSample {
		return false
	}
	return bytesEqual(c.CodecSpecific, o.CodecSpecific)
}

// VideoFrameConfig describes a video frame's format.
type VideoFrameConfig struct {
	Width, Height uint16
	FrameRate     float32
	CodecSpecific *bufferpool.Buffer
}

// Equal reports structural equality including codec-specific bytes.
func (c VideoFrameConfig) Equal(o VideoFrameConfig) bool {
	if c.Width != o.Width || c.Height != o.Height || c.FrameRate != o.FrameRate {
		return false
	}
	return bytesEqual(c.CodecSpecific, o.CodecSpecific)
}

func bytesEqual(a, b *bufferpool.Buffer) bool {
	if a == nil || b == nil {
		return a == b
	}
	ab, bb := a.Bytes(), b.Bytes()
	if len(ab) != len(bb) {
		return false
	}
	for i := range ab {
		if ab[i] != bb[i] {
			return false
		}
	}
	return true
}

// Frame is an immutable depacketized media unit. IsKey is vacuously true for
// audio frames.
type Frame struct {
	Mime      Mime
	IsKey     bool
	Timestamp uint32 // RTP units when depacketized; TimecodeScale (ms) ticks when demuxed from WebM
	ClockRate uint32
	Payload   *bufferpool.Buffer

	Audio *AudioFrameConfig // set iff Mime.Kind() == KindAudio
	Video *VideoFrameConfig // video only; nil when no resolution is known (e.g. VPx non-keyframes)
}

// Kind reports whether the frame is audio or video.
func (f *Frame) Kind() Kind { return f.Mime.Kind() }
