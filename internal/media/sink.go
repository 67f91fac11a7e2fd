package media

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// StatsSink drains every remote track it is given and counts what arrives.
// Draining keeps the receiver's buffers and interceptors moving even when
// nothing renders the media.
type StatsSink struct {
	log *slog.Logger

	packets atomic.Uint64
	bytes   atomic.Uint64

	mu     sync.Mutex
	tracks map[TrackKind]int
}

func NewStatsSink(log *slog.Logger) *StatsSink {
	if log == nil {
		log = slog.Default()
	}
	return &StatsSink{log: log, tracks: map[TrackKind]int{}}
}

func (s *StatsSink) AttachRemote(t *RemoteTrack) {
	s.mu.Lock()
	s.tracks[t.Kind]++
	s.mu.Unlock()

	if t.track == nil {
		return
	}
	go func() {
		for {
			pkt, _, err := t.track.ReadRTP()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					s.log.Debug("media: remote track ended", "track_id", t.ID, "err", err)
				}
				return
			}
			s.packets.Add(1)
			s.bytes.Add(uint64(len(pkt.Payload)))
		}
	}()
}

type Stats struct {
	AudioTracks int    `json:"audio_tracks"`
	VideoTracks int    `json:"video_tracks"`
	Packets     uint64 `json:"packets"`
	Bytes       uint64 `json:"bytes"`
}

func (s *StatsSink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		AudioTracks: s.tracks[KindAudio],
		VideoTracks: s.tracks[KindVideo],
		Packets:     s.packets.Load(),
		Bytes:       s.bytes.Load(),
	}
}
