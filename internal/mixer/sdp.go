package mixer

import (
	"net"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

// SinkSDP describes the composite stream sent to c so that a plain RTP player
// can receive it on the client's outbound port.
func SinkSDP(c ClientDescriptor) ([]byte, error) {
	params, err := CodecParameters(c.Codec)
	if err != nil {
		return nil, err
	}

	addrType := "IP4"
	if ip := net.ParseIP(c.Outbound.Address); ip != nil && ip.To4() == nil {
		addrType = "IP6"
	}
	id := uint64(time.Now().Unix())

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "video",
			Port:   sdp.RangedPort{Value: c.Outbound.Port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	name := strings.TrimPrefix(params.MimeType, "video/")
	media = media.
		WithCodec(uint8(params.PayloadType), name, params.ClockRate, 0, params.SDPFmtpLine).
		WithPropertyAttribute("recvonly")

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      id,
			SessionVersion: id,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: c.Outbound.Address,
		},
		SessionName: sdp.SessionName("surface-mixer " + c.ID),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: c.Outbound.Address},
		},
		TimeDescriptions:  []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}},
		MediaDescriptions: []*sdp.MediaDescription{media},
	}
	return desc.Marshal()
}
