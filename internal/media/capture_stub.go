//go:build !devices

package media

import (
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/soyeahso/parley/internal/domain"
)

// capturer without the devices tag has no drivers or encoders. Connections
// still negotiate with the default codecs and can receive media.
type capturer struct{}

func newCapturer() (capturer, error) { return capturer{}, nil }

func (capturer) populate(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (capturer) capture(kind domain.CallKind) (*pionStream, error) {
	return nil, fmt.Errorf("%w: built without the devices tag", domain.ErrMediaUnavailable)
}
