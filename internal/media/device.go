package media

import (
	"context"
	"time"

	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Device opens capture tracks for a new local stream.
type Device interface {
	Open(ctx context.Context, streamID string) ([]*LocalTrack, error)
}

// SyntheticDevice produces paced placeholder samples on an Opus audio
// track and a VP8 video track. It stands in for camera and microphone
// capture where the process has no devices of its own.
type SyntheticDevice struct {
	AudioInterval time.Duration
	VideoInterval time.Duration
}

func (d SyntheticDevice) Open(ctx context.Context, streamID string) ([]*LocalTrack, error) {
	audio, err := NewLocalTrack(KindAudio, streamID)
	if err != nil {
		return nil, err
	}
	video, err := NewLocalTrack(KindVideo, streamID)
	if err != nil {
		return nil, err
	}

	ai, vi := d.AudioInterval, d.VideoInterval
	if ai <= 0 {
		ai = 20 * time.Millisecond
	}
	if vi <= 0 {
		vi = 33 * time.Millisecond
	}
	// Opus DTX frame and a VP8 key frame header.
	go pump(audio, []byte{0xf8, 0xff, 0xfe}, ai)
	go pump(video, []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}, vi)
	return []*LocalTrack{audio, video}, nil
}

func pump(t *LocalTrack, payload []byte, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-t.Stopped():
			return
		case <-ticker.C:
			_ = t.WriteSample(pionmedia.Sample{Data: payload, Duration: every})
		}
	}
}

// DeniedDevice refuses every capture request.
type DeniedDevice struct{}

func (DeniedDevice) Open(context.Context, string) ([]*LocalTrack, error) {
	return nil, ErrMediaAccessDenied
}
