package call

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

// redundancyCodecs are video payload formats kept alongside the preferred
// codec: retransmission, redundancy and forward error correction.
var redundancyCodecs = map[string]bool{
	"rtx":        true,
	"red":        true,
	"ulpfec":     true,
	"flexfec-03": true,
}

// FilterVideoCodecs strips every video codec except videoCodec (and its
// RTX/RED/FEC companions) from the SDP. When h264Profile is non-empty, the
// fmtp parameters of kept H264 payloads are replaced with it. Audio media
// sections pass through untouched. A video section with no matching codec
// is left as-is rather than emptied.
func FilterVideoCodecs(raw, videoCodec, h264Profile string) (string, error) {
	if videoCodec == "" {
		return raw, nil
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return "", fmt.Errorf("parsing sdp: %w", err)
	}

	for _, md := range desc.MediaDescriptions {
		if !strings.EqualFold(md.MediaName.Media, "video") {
			continue
		}
		filterVideoSection(md, videoCodec, h264Profile)
	}

	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("serializing sdp: %w", err)
	}
	return string(out), nil
}

func filterVideoSection(md *sdp.MediaDescription, videoCodec, h264Profile string) {
	// Payload type -> codec name from rtpmap, and payload type -> apt
	// target from fmtp (for RTX association).
	codecByPT := make(map[string]string)
	aptByPT := make(map[string]string)
	for _, attr := range md.Attributes {
		switch attr.Key {
		case "rtpmap":
			pt, rest, ok := strings.Cut(attr.Value, " ")
			if !ok {
				continue
			}
			name, _, _ := strings.Cut(rest, "/")
			codecByPT[pt] = strings.ToLower(name)
		case "fmtp":
			pt, rest, ok := strings.Cut(attr.Value, " ")
			if !ok {
				continue
			}
			for _, kv := range strings.Split(rest, ";") {
				k, v, ok := strings.Cut(strings.TrimSpace(kv), "=")
				if ok && k == "apt" {
					aptByPT[pt] = v
				}
			}
		}
	}

	want := strings.ToLower(videoCodec)
	kept := make(map[string]bool)
	for pt, name := range codecByPT {
		if name == want || (redundancyCodecs[name] && name != "rtx") {
			kept[pt] = true
		}
	}
	// RTX only survives when the payload it retransmits survives.
	for pt, name := range codecByPT {
		if name == "rtx" && kept[aptByPT[pt]] {
			kept[pt] = true
		}
	}
	if len(kept) == 0 {
		return
	}

	formats := md.MediaName.Formats[:0]
	for _, pt := range md.MediaName.Formats {
		if kept[pt] {
			formats = append(formats, pt)
		}
	}
	md.MediaName.Formats = formats

	attrs := md.Attributes[:0]
	for _, attr := range md.Attributes {
		switch attr.Key {
		case "rtpmap", "fmtp", "rtcp-fb":
			pt, _, ok := strings.Cut(attr.Value, " ")
			if ok && !kept[pt] {
				continue
			}
			if attr.Key == "fmtp" && h264Profile != "" && codecByPT[pt] == "h264" {
				attr.Value = pt + " " + h264Profile
			}
		}
		attrs = append(attrs, attr)
	}
	md.Attributes = attrs
}

// PatchAddress rewrites the origin and connection addresses of an SDP,
// used on RTP offers so the far end sends media to the externally
// reachable IP instead of the media server's bind address.
func PatchAddress(raw, addr string) (string, error) {
	if addr == "" {
		return raw, nil
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return "", fmt.Errorf("parsing sdp: %w", err)
	}

	desc.Origin.UnicastAddress = addr
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		desc.ConnectionInformation.Address.Address = addr
	}
	for _, md := range desc.MediaDescriptions {
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			md.ConnectionInformation.Address.Address = addr
		}
	}

	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("serializing sdp: %w", err)
	}
	return string(out), nil
}
