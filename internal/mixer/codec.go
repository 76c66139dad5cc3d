package mixer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pion/webrtc/v3"

	"surface-mixer/pkg/graph"
)

// Codec identifies a client's video codec.
type Codec string

const (
	CodecJPEG Codec = "jpeg"
	CodecVP8  Codec = "vp8"
	CodecVP9  Codec = "vp9"
	CodecMP4  Codec = "mp4"
	CodecH264 Codec = "h264"
	CodecH265 Codec = "h265"
)

const (
	mimeTypeJPEG = "video/JPEG"
	mimeTypeMP4V = "video/MP4V-ES"
	mimeTypeH265 = "video/H265"
)

// codecChain is one row of the codec table: the RTP parameters the codec is
// carried with and the engine elements for each chain stage.
type codecChain struct {
	params webrtc.RTPCodecParameters
	depay  string
	decode string
	encode string
	pay    string
}

// Adding a codec is a new row here; nothing else branches on the codec.
var codecTable = map[Codec]codecChain{
	CodecJPEG: {
		params: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: mimeTypeJPEG, ClockRate: 90000},
			PayloadType:        26,
		},
		depay: "rtpgstdepay", decode: "jpegdec", encode: "jpegenc", pay: "rtpgstpay",
	},
	CodecVP8: {
		params: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			PayloadType:        96,
		},
		depay: "rtpvp8depay", decode: "vp8dec", encode: "vp8enc", pay: "rtpvp8pay",
	},
	CodecVP9: {
		params: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000},
			PayloadType:        98,
		},
		depay: "rtpvp9depay", decode: "vp9dec", encode: "vp9enc", pay: "rtpvp9pay",
	},
	CodecMP4: {
		params: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: mimeTypeMP4V, ClockRate: 90000},
			PayloadType:        100,
		},
		depay: "rtpmp4vdepay", decode: "avdec_mpeg4", encode: "avenc_mpeg4", pay: "rtpmp4vpay",
	},
	CodecH264: {
		params: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeH264,
				ClockRate:   90000,
				SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			},
			PayloadType: 102,
		},
		depay: "rtph264depay", decode: "avdec_h264", encode: "x264enc", pay: "rtph264pay",
	},
	CodecH265: {
		params: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: mimeTypeH265, ClockRate: 90000},
			PayloadType:        104,
		},
		depay: "rtph265depay", decode: "avdec_h265", encode: "x265enc", pay: "rtph265pay",
	},
}

func lookupCodec(c Codec) (codecChain, error) {
	chain, ok := codecTable[c]
	if !ok {
		return codecChain{}, fmt.Errorf("%w: %q", ErrUnsupportedCodec, string(c))
	}
	return chain, nil
}

// IngestChain returns the depacketize and decode stages for c.
func IngestChain(c Codec) ([]graph.Stage, error) {
	chain, err := lookupCodec(c)
	if err != nil {
		return nil, err
	}
	return []graph.Stage{
		{Op: graph.OpDepay, Codec: string(c), Element: chain.depay},
		{Op: graph.OpDecode, Codec: string(c), Element: chain.decode},
	}, nil
}

// EgressChain returns the encode and packetize stages for c.
func EgressChain(c Codec) ([]graph.Stage, error) {
	chain, err := lookupCodec(c)
	if err != nil {
		return nil, err
	}
	return []graph.Stage{
		{Op: graph.OpEncode, Codec: string(c), Element: chain.encode},
		{Op: graph.OpPay, Codec: string(c), Element: chain.pay},
	}, nil
}

// CodecParameters returns the RTP parameters c is carried with.
func CodecParameters(c Codec) (webrtc.RTPCodecParameters, error) {
	chain, err := lookupCodec(c)
	if err != nil {
		return webrtc.RTPCodecParameters{}, err
	}
	return chain.params, nil
}

// ParseCodec accepts a codec name ("h264") or a mime type ("video/H264").
func ParseCodec(s string) (Codec, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if _, ok := codecTable[Codec(name)]; ok {
		return Codec(name), nil
	}
	if strings.Contains(name, "/") {
		haystack := make([]webrtc.RTPCodecParameters, 0, len(codecTable))
		for _, c := range Codecs() {
			haystack = append(haystack, codecTable[c].params)
		}
		found, err := codecParametersFuzzySearch(webrtc.RTPCodecCapability{MimeType: s}, haystack)
		if err == nil {
			for c, chain := range codecTable {
				if chain.params.MimeType == found.MimeType {
					return c, nil
				}
			}
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedCodec, s)
}

// Codecs lists the supported codecs in name order.
func Codecs() []Codec {
	out := make([]Codec, 0, len(codecTable))
	for c := range codecTable {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
