// Package rtspin implements the capture_rtsp input stage. It pulls one
// RTSP session, republishes every video access unit into the host frame
// ring, and emits the stream lifecycle events (StreamConnected,
// StreamMetadata, StreamReconnecting, StreamDisconnected) that sinks use
// to run their metadata-then-keyframe startup protocol.
package rtspin

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/pion/rtp"

	"github.com/zmkit/zmhost/internal/envelope"
	"github.com/zmkit/zmhost/internal/stage"
)

// KindName is the registry name pipeline descriptions use for this stage.
const KindName = "capture_rtsp"

func init() {
	stage.Register(KindName, Init)
}

type config struct {
	URL string `json:"url"`
	// Transport selects "tcp" (default) or "udp".
	Transport string `json:"transport"`
	// ReconnectSecs is the maximum delay between reconnection attempts.
	ReconnectSecs int `json:"reconnect_secs"`
}

type instance struct {
	host    *stage.HostAPI
	hostCtx any
	cfg     config

	stopCh chan struct{}
	done   chan struct{}
}

// Init populates a stage record for the RTSP capture stage. Input stages
// leave OnFrame nil; frames flow host-ward through the host API.
func Init(rec *stage.Record) {
	rec.Version = stage.ABIVersion
	rec.Kind = stage.Input
	rec.Start = start
	rec.Stop = stop
}

func start(rec *stage.Record, host *stage.HostAPI, hostCtx any, configJSON string) int {
	inst := &instance{
		host:    host,
		hostCtx: hostCtx,
		cfg:     config{Transport: "tcp", ReconnectSecs: 5},
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	if err := json.Unmarshal([]byte(configJSON), &inst.cfg); err != nil {
		host.Log(hostCtx, stage.LogError, "capture_rtsp: invalid config JSON: "+err.Error())
		return -1
	}
	if inst.cfg.URL == "" {
		host.Log(hostCtx, stage.LogError, "capture_rtsp: missing url")
		return -1
	}
	if inst.cfg.ReconnectSecs <= 0 {
		inst.cfg.ReconnectSecs = 5
	}

	rec.Instance = inst
	go inst.run()
	return 0
}

func stop(rec *stage.Record) {
	inst, _ := rec.Instance.(*instance)
	if inst == nil {
		return
	}
	close(inst.stopCh)
	<-inst.done
	rec.Instance = nil
}

func (inst *instance) stopped() bool {
	select {
	case <-inst.stopCh:
		return true
	default:
		return false
	}
}

// run is the capture loop: connect, stream until the session drops, then
// back off and reconnect until stopped. Reconnection is this stage's
// concern; the host only sees the events.
func (inst *instance) run() {
	defer close(inst.done)

	delay := time.Second
	maxDelay := time.Duration(inst.cfg.ReconnectSecs) * time.Second
	for {
		err := inst.session()
		if inst.stopped() {
			return
		}
		if err != nil {
			inst.log(stage.LogWarn, "session ended: "+err.Error())
		}
		inst.publishJSON(envelope.StreamReconnecting{Event: envelope.EventStreamReconnecting})

		select {
		case <-inst.stopCh:
			return
		case <-time.After(delay):
		}
		if delay *= 2; delay > maxDelay {
			delay = maxDelay
		}
	}
}

// session runs one RTSP connection to completion.
func (inst *instance) session() error {
	u, err := base.ParseURL(inst.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}

	transport := gortsplib.TransportTCP
	if inst.cfg.Transport == "udp" {
		transport = gortsplib.TransportUDP
	}
	c := &gortsplib.Client{Transport: &transport}

	if err := c.Start(u.Scheme, u.Host); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer c.Close()

	desc, _, err := c.Describe(u)
	if err != nil {
		return fmt.Errorf("describe: %w", err)
	}
	if err := c.SetupAll(desc.BaseURL, desc.Medias); err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	videos, audios := 0, 0
	for _, medi := range desc.Medias {
		switch medi.Type {
		case description.MediaTypeVideo:
			videos++
		case description.MediaTypeAudio:
			audios++
		}
	}
	inst.publishJSON(envelope.StreamConnected{
		Event:        envelope.EventStreamConnected,
		URL:          inst.cfg.URL,
		VideoStreams: videos,
		AudioStreams: audios,
	})

	streamIDs := make(map[*description.Media]uint32, len(desc.Medias))
	decoders := make(map[*description.Media]*h264Track, len(desc.Medias))
	for i, medi := range desc.Medias {
		id := uint32(i)
		streamIDs[medi] = id
		for _, forma := range medi.Formats {
			if f, ok := forma.(*format.H264); ok {
				track, err := newH264Track(f)
				if err != nil {
					inst.log(stage.LogWarn, fmt.Sprintf("stream %d: %v", id, err))
					continue
				}
				decoders[medi] = track
				inst.publishMetadata(id, f)
			}
		}
	}

	c.OnPacketRTPAny(func(medi *description.Media, forma format.Format, pkt *rtp.Packet) {
		if inst.stopped() {
			return
		}
		id := streamIDs[medi]
		pts, ok := c.PacketPTS(medi, pkt)
		if !ok {
			return
		}
		if track, isVideo := decoders[medi]; isVideo {
			inst.pushAccessUnit(id, track, pkt, pts)
			return
		}
		// Non-H.264 media: forward the raw payload as an opaque frame.
		inst.pushFrame(id, pkt.Payload, pts.Microseconds(), 0)
	})

	if _, err := c.Play(nil); err != nil {
		return fmt.Errorf("play: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- c.Wait() }()
	select {
	case err := <-waitErr:
		inst.publishJSON(envelope.StreamDisconnected{Event: envelope.EventStreamDisconnected})
		return err
	case <-inst.stopCh:
		c.Close()
		<-waitErr
		return nil
	}
}

// h264Track wraps the track's RTP depacketizer.
type h264Track struct {
	dec interface {
		Decode(*rtp.Packet) ([][]byte, error)
	}
}

func newH264Track(f *format.H264) (*h264Track, error) {
	dec, err := f.CreateDecoder()
	if err != nil {
		return nil, fmt.Errorf("create H264 decoder: %w", err)
	}
	return &h264Track{dec: dec}, nil
}

// pushAccessUnit depacketizes one RTP packet and, when a full access unit
// is available, pushes it as a single Annex-B frame with the keyframe flag
// derived from IDR presence.
func (inst *instance) pushAccessUnit(id uint32, track *h264Track, pkt *rtp.Packet, pts time.Duration) {
	au, err := track.dec.Decode(pkt)
	if err != nil {
		// Partial access units are normal mid-stream; anything else is
		// resynchronized by the next keyframe.
		return
	}
	var flags uint32
	if h264.IDRPresent(au) {
		flags |= envelope.FlagKeyframe
	}

	size := 0
	for _, nalu := range au {
		size += 4 + len(nalu)
	}
	payload := make([]byte, 0, size)
	for _, nalu := range au {
		payload = append(payload, 0, 0, 0, 1)
		payload = append(payload, nalu...)
	}
	inst.pushFrame(id, payload, pts.Microseconds(), flags)
}

func (inst *instance) pushFrame(id uint32, payload []byte, ptsUsec int64, flags uint32) {
	buf := envelope.Encode(envelope.Header{
		StreamID: id,
		HWType:   envelope.HWCPU,
		Flags:    flags,
		PTSUsec:  ptsUsec,
	}, payload)
	inst.host.OnFrame(inst.hostCtx, buf)
}

// publishMetadata emits StreamMetadata for an H.264 track. The SPS/PPS
// extradata is serialized Annex-B and base64-encoded; receivers decode
// into their own buffers.
func (inst *instance) publishMetadata(id uint32, f *format.H264) {
	var extradata []byte
	for _, ps := range [][]byte{f.SPS, f.PPS} {
		if len(ps) > 0 {
			extradata = append(extradata, 0, 0, 0, 1)
			extradata = append(extradata, ps...)
		}
	}
	width, height := 0, 0
	if len(f.SPS) > 0 {
		var sps h264.SPS
		if err := sps.Unmarshal(f.SPS); err == nil {
			width = sps.Width()
			height = sps.Height()
		}
	}
	inst.publishJSON(envelope.StreamMetadata{
		Event:     envelope.EventStreamMetadata,
		StreamID:  id,
		CodecID:   27, // H.264 in the FFmpeg codec id space the sinks use
		Width:     width,
		Height:    height,
		Extradata: base64.StdEncoding.EncodeToString(extradata),
	})
}

func (inst *instance) publishJSON(ev any) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	inst.host.PublishEvent(inst.hostCtx, string(data))
}

func (inst *instance) log(level stage.LogLevel, msg string) {
	if inst.host.Log != nil {
		inst.host.Log(inst.hostCtx, level, "capture_rtsp: "+msg)
	}
}
