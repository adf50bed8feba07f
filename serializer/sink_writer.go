package serializer

import (
	"github.com/n0remac/sfu-translate/mediaframe"
	"github.com/n0remac/sfu-translate/webm"
)

// SinkWriter owns one Sink's muxer and per-sink timeline state. A frame
// stream is demuxed-free here: SinkWriter only re-times and appends frames
// the depacketizer already produced upstream of the Serializer.
type SinkWriter struct {
	sink     Sink
	senderID uint64
	muxer    *webm.Muxer

	audioTrack   uint64
	haveAudio    bool
	audioCfg     mediaframe.AudioFrameConfig
	lastAudioTs  uint32
	haveLastA    bool
	audioOffset  int64 // accumulated ns

	videoTrack   uint64
	haveVideo    bool
	videoCfg     mediaframe.VideoFrameConfig
	lastVideoTs  uint32
	haveLastV    bool
	videoOffset  int64
}

func newSinkWriter(sink Sink, senderID uint64) *SinkWriter {
	return &SinkWriter{
		sink:     sink,
		senderID: senderID,
		muxer:    webm.NewMuxer(senderID, sink),
	}
}

// writeFrame applies frame's config to the sink's muxer (adding the track on
// first sight of its kind) and advances the per-sink offset accumulator:
// offset += timestamp - last_timestamp when a new timestamp advances, which
// becomes the monotonic ns timestamp into the muxer.
func (sw *SinkWriter) writeFrame(frame *mediaframe.Frame) {
	switch frame.Kind() {
	case mediaframe.KindAudio:
		sw.writeAudio(frame)
	case mediaframe.KindVideo:
		sw.writeVideo(frame)
	}
}

func (sw *SinkWriter) writeAudio(frame *mediaframe.Frame) {
	if frame.Audio == nil {
		return
	}
	if !sw.haveAudio {
		track, err := sw.muxer.AddAudioTrack(*frame.Audio, frame.Mime, frame.ClockRate)
		if err != nil {
			return
		}
		sw.audioTrack = track
		sw.haveAudio = true
		sw.audioCfg = *frame.Audio
	} else if !sw.audioCfg.Equal(*frame.Audio) {
		// Pending config change: the underlying muxer's track was already
		// declared with the original config. Mid-stream config changes are
		// rare for audio (e.g. a channel-count switch) and are recorded for
		// the next sink join rather than retroactively rewriting the
		// already-flushed track description.
		sw.audioCfg = *frame.Audio
	}

	tsNs := sw.advance(frame.Timestamp, frame.ClockRate, &sw.lastAudioTs, &sw.haveLastA, &sw.audioOffset)
	_ = sw.muxer.AddFrame(sw.audioTrack, frame, tsNs)
}

func (sw *SinkWriter) writeVideo(frame *mediaframe.Frame) {
	if frame.Video == nil {
		return
	}
	if !sw.haveVideo {
		track, err := sw.muxer.AddVideoTrack(*frame.Video, frame.Mime, frame.ClockRate)
		if err != nil {
			return
		}
		sw.videoTrack = track
		sw.haveVideo = true
		sw.videoCfg = *frame.Video
	} else if !sw.videoCfg.Equal(*frame.Video) {
		sw.videoCfg = *frame.Video
	}

	tsNs := sw.advance(frame.Timestamp, frame.ClockRate, &sw.lastVideoTs, &sw.haveLastV, &sw.videoOffset)
	_ = sw.muxer.AddFrame(sw.videoTrack, frame, tsNs)
}

// advance computes the next monotonic ns timestamp for one medium's track,
// converting the RTP-unit delta into nanoseconds via clockRate.
func (sw *SinkWriter) advance(ts uint32, clockRate uint32, last *uint32, have *bool, offset *int64) int64 {
	if *have && ts > *last {
		deltaRtp := int64(ts - *last)
		if clockRate > 0 {
			*offset += deltaRtp * int64(1e9) / int64(clockRate)
		}
	}
	*last = ts
	*have = true
	return *offset
}

func (sw *SinkWriter) close() error {
	return sw.muxer.Close()
}
