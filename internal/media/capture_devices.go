//go:build devices

package media

import (
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/soyeahso/parley/internal/domain"
)

// capturer opens camera and microphone through mediadevices (V4L2 and malgo)
// and encodes with libvpx and libopus.
type capturer struct {
	selector *mediadevices.CodecSelector
}

func newCapturer() (capturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return capturer{}, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return capturer{}, err
	}

	return capturer{selector: mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)}, nil
}

func (c capturer) populate(me *webrtc.MediaEngine) error {
	c.selector.Populate(me)
	return nil
}

func (c capturer) capture(kind domain.CallKind) (*pionStream, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Audio: func(*mediadevices.MediaTrackConstraints) {},
	}
	if kind == domain.CallVideo {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some cameras produce frames that break the VP8 encoder.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)
	}

	s := &pionStream{kind: kind}
	for _, t := range stream.GetTracks() {
		s.tracks = append(s.tracks, t)
	}
	if len(s.tracks) == 0 {
		return nil, fmt.Errorf("%w: no tracks captured", domain.ErrMediaUnavailable)
	}
	return s, nil
}
