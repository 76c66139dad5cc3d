package mixer

import (
	"strings"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
)

type atomicBool int32

func (a *atomicBool) set(value bool) {
	var i int32
	if value {
		i = 1
	}
	atomic.StoreInt32((*int32)(a), i)
}

func (a *atomicBool) get() bool {
	return atomic.LoadInt32((*int32)(a)) != 0
}

// codecParametersFuzzySearch matches on mime type and fmtp line first, then on
// mime type alone.
func codecParametersFuzzySearch(needle webrtc.RTPCodecCapability, haystack []webrtc.RTPCodecParameters) (webrtc.RTPCodecParameters, error) {
	for _, c := range haystack {
		if strings.EqualFold(c.MimeType, needle.MimeType) &&
			c.SDPFmtpLine == needle.SDPFmtpLine {
			return c, nil
		}
	}
	for _, c := range haystack {
		if strings.EqualFold(c.MimeType, needle.MimeType) {
			return c, nil
		}
	}
	return webrtc.RTPCodecParameters{}, webrtc.ErrCodecNotFound
}
