package call

import (
	"strings"
	"testing"
)

func TestFilterVideoCodecsKeepsPreferredAndRedundancy(t *testing.T) {
	out, err := FilterVideoCodecs(testOffer, "H264", "")
	if err != nil {
		t.Fatalf("FilterVideoCodecs: %v", err)
	}

	if strings.Contains(out, "VP8/90000") {
		t.Error("VP8 rtpmap survived the filter")
	}
	if !strings.Contains(out, "H264/90000") {
		t.Error("H264 rtpmap missing from filtered sdp")
	}
	if !strings.Contains(out, "red/90000") || !strings.Contains(out, "ulpfec/90000") {
		t.Error("redundancy codecs should survive the filter")
	}
	// RTX for H264 (103) stays, RTX for VP8 (97) goes.
	if !strings.Contains(out, "rtpmap:103 rtx/90000") {
		t.Error("rtx for the kept codec should survive")
	}
	if strings.Contains(out, "rtpmap:97 rtx/90000") {
		t.Error("rtx for a dropped codec survived")
	}
	// Audio section untouched.
	if !strings.Contains(out, "opus/48000/2") {
		t.Error("audio codecs must pass through untouched")
	}

	// The media line only lists surviving payload types.
	for _, line := range strings.Split(out, "\r\n") {
		if !strings.HasPrefix(line, "m=video") {
			continue
		}
		for _, pt := range []string{"96", "97"} {
			if strings.Contains(line, " "+pt) {
				t.Errorf("dropped payload %s still in media line %q", pt, line)
			}
		}
	}
}

func TestFilterVideoCodecsRewritesH264Profile(t *testing.T) {
	const profile = "profile-level-id=42e01f;packetization-mode=1"
	out, err := FilterVideoCodecs(testOffer, "H264", profile)
	if err != nil {
		t.Fatalf("FilterVideoCodecs: %v", err)
	}
	if !strings.Contains(out, "fmtp:102 "+profile) {
		t.Errorf("H264 fmtp not rewritten:\n%s", out)
	}
}

func TestFilterVideoCodecsNoMatchLeavesSectionAlone(t *testing.T) {
	out, err := FilterVideoCodecs(testOffer, "AV1", "")
	if err != nil {
		t.Fatalf("FilterVideoCodecs: %v", err)
	}
	if !strings.Contains(out, "VP8/90000") || !strings.Contains(out, "H264/90000") {
		t.Error("a section with no matching codec must pass through unchanged")
	}
}

func TestFilterVideoCodecsEmptyPreference(t *testing.T) {
	out, err := FilterVideoCodecs(testOffer, "", "")
	if err != nil {
		t.Fatalf("FilterVideoCodecs: %v", err)
	}
	if out != testOffer {
		t.Error("empty codec preference must be a pass-through")
	}
}

func TestPatchAddress(t *testing.T) {
	out, err := PatchAddress(testOffer, "203.0.113.10")
	if err != nil {
		t.Fatalf("PatchAddress: %v", err)
	}
	if !strings.Contains(out, "c=IN IP4 203.0.113.10") {
		t.Error("connection address not rewritten")
	}
	if !strings.Contains(out, "IN IP4 203.0.113.10\r\ns=") {
		t.Error("origin address not rewritten")
	}
	if strings.Contains(out, "127.0.0.1") {
		t.Error("original address still present")
	}
}
