package transport

import (
	"errors"
	"strings"
	"testing"
	"time"

	"syncmesh/internal/core/domain"
)

func TestCodecName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"video/VP8", "vp8"},
		{"audio/opus", "opus"},
		{"VP8/90000", "vp8"},
		{"opus/48000/2", "opus"},
		{"h264", "h264"},
		{"H264", "h264"},
	}
	for _, tt := range tests {
		if got := codecName(tt.in); got != tt.want {
			t.Errorf("codecName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSelectCodec(t *testing.T) {
	preferred := []string{"video/VP8", "video/VP9", "video/H264"}

	codec, ok := selectCodec(preferred, []string{"h264", "vp8"})
	if !ok || codec != "vp8" {
		t.Errorf("selectCodec() = %q, %v, want vp8 in the caller's spelling", codec, ok)
	}

	codec, ok = selectCodec(preferred, []string{"H264"})
	if !ok || codec != "H264" {
		t.Errorf("selectCodec() = %q, %v, want H264", codec, ok)
	}

	if _, ok := selectCodec(preferred, []string{"av1"}); ok {
		t.Error("selectCodec() matched a codec outside the preference list")
	}
	if _, ok := selectCodec(preferred, nil); ok {
		t.Error("selectCodec() matched against an empty offer")
	}
}

const sampleSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111 9 0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=rtpmap:9 G722/8000\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 98 96 102\r\n" +
	"a=rtpmap:98 VP9/90000\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=rtpmap:102 H264/90000\r\n"

func TestReorderCodecPayloads(t *testing.T) {
	out := reorderCodecPayloads(sampleSDP, "video", []string{"video/VP8", "video/H264"})

	if !strings.Contains(out, "m=video 9 UDP/TLS/RTP/SAVPF 96 102 98\r\n") {
		t.Errorf("video m-line not reordered:\n%s", out)
	}
	// Audio section untouched.
	if !strings.Contains(out, "m=audio 9 UDP/TLS/RTP/SAVPF 111 9 0\r\n") {
		t.Errorf("audio m-line changed unexpectedly:\n%s", out)
	}

	out = reorderCodecPayloads(out, "audio", []string{"audio/PCMU"})
	if !strings.Contains(out, "m=audio 9 UDP/TLS/RTP/SAVPF 0 111 9\r\n") {
		t.Errorf("audio m-line not reordered:\n%s", out)
	}
}

func TestReorderCodecPayloadsUnknownPreference(t *testing.T) {
	out := reorderCodecPayloads(sampleSDP, "video", []string{"video/AV1"})
	if out != sampleSDP {
		t.Error("preference absent from the offer should leave the SDP unchanged")
	}
}

func TestTagHardwareAcceleration(t *testing.T) {
	out := tagHardwareAcceleration(sampleSDP)

	if !strings.Contains(out, "m=video 9 UDP/TLS/RTP/SAVPF 98 96 102\r\na=x-hwaccel:prefer\r\n") {
		t.Errorf("video section missing acceleration hint:\n%s", out)
	}
	if strings.Count(out, "a=x-hwaccel:prefer") != 1 {
		t.Errorf("expected exactly one hint, got %d", strings.Count(out, "a=x-hwaccel:prefer"))
	}
}

func TestPreferenceList(t *testing.T) {
	defaults := []string{"video/VP8", "video/VP9"}

	got := preferenceList("", defaults)
	if len(got) != 2 || got[0] != "video/VP8" {
		t.Errorf("empty override should return defaults, got %v", got)
	}

	got = preferenceList("video/H264", defaults)
	if len(got) != 3 || got[0] != "video/H264" {
		t.Errorf("override should lead the list, got %v", got)
	}

	got = preferenceList("vp9", defaults)
	if len(got) != 2 || got[0] != "vp9" || got[1] != "video/VP8" {
		t.Errorf("override matching a default should not duplicate it, got %v", got)
	}
}

func TestValidateCandidate(t *testing.T) {
	tests := []struct {
		name      string
		candidate string
		wantErr   bool
	}{
		{
			name:      "host candidate",
			candidate: "candidate:2230659787 1 udp 2122260223 192.168.1.17 49827 typ host generation 0",
		},
		{
			name:      "relay candidate with attribute prefix",
			candidate: "a=candidate:1 1 UDP 41885439 203.0.113.5 3478 typ relay raddr 192.168.1.17 rport 49827",
		},
		{
			name:      "too few fields",
			candidate: "candidate:1 1 udp 2122260223",
			wantErr:   true,
		},
		{
			name:      "bad component",
			candidate: "candidate:1 zero udp 2122260223 192.168.1.17 49827 typ host",
			wantErr:   true,
		},
		{
			name:      "unsupported transport",
			candidate: "candidate:1 1 sctp 2122260223 192.168.1.17 49827 typ host",
			wantErr:   true,
		},
		{
			name:      "priority overflow",
			candidate: "candidate:1 1 udp 99999999999 192.168.1.17 49827 typ host",
			wantErr:   true,
		},
		{
			name:      "port out of range",
			candidate: "candidate:1 1 udp 2122260223 192.168.1.17 70000 typ host",
			wantErr:   true,
		},
		{
			name:      "missing typ marker",
			candidate: "candidate:1 1 udp 2122260223 192.168.1.17 49827 kind host",
			wantErr:   true,
		},
		{
			name:      "unknown candidate type",
			candidate: "candidate:1 1 udp 2122260223 192.168.1.17 49827 typ wormhole",
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateCandidate(tt.candidate)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrInvalidCandidate) {
					t.Errorf("validateCandidate() error = %v, want ErrInvalidCandidate", err)
				}
				return
			}
			if err != nil {
				t.Errorf("validateCandidate() error = %v", err)
			}
		})
	}
}

func TestPacketClock(t *testing.T) {
	clock := newPacketClock(90000)

	if pts := clock.pts(180000); pts != 0 {
		t.Errorf("first packet PTS = %v, want 0", pts)
	}
	if pts := clock.pts(180000 + 90000); pts != time.Second {
		t.Errorf("PTS after one clock second = %v, want 1s", pts)
	}
	if pts := clock.pts(180000 + 45000); pts != 500*time.Millisecond {
		t.Errorf("PTS after half a clock second = %v, want 500ms", pts)
	}
}

func TestPacketClockWraparound(t *testing.T) {
	clock := newPacketClock(90000)

	base := uint32(0xFFFFFFFF - 44999)
	clock.pts(base)
	if pts := clock.pts(base + 90000); pts != time.Second {
		t.Errorf("PTS across timestamp wrap = %v, want 1s", pts)
	}
}
