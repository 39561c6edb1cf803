package transport

import (
	"fmt"
	"strconv"
	"strings"

	"syncmesh/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// Preference order used when a connection does not override it. VP8 leads
// because every supported agent decodes it in software.
var (
	defaultVideoCodecs = []string{webrtc.MimeTypeVP8, webrtc.MimeTypeVP9, webrtc.MimeTypeH264}
	defaultAudioCodecs = []string{webrtc.MimeTypeOpus, webrtc.MimeTypeG722, webrtc.MimeTypePCMU}
)

// codecName reduces a codec spelling to its bare lowercase name so that
// "video/VP8", "VP8/90000" and "vp8" all compare equal.
func codecName(s string) string {
	if i := strings.IndexByte(s, '/'); i >= 0 {
		head, tail := s[:i], s[i+1:]
		switch strings.ToLower(head) {
		case "video", "audio":
			s = tail
		default:
			s = head
		}
	}
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return strings.ToLower(s)
}

// selectCodec picks the most preferred codec present in the offered list and
// returns it in the caller's spelling.
func selectCodec(preferred, offered []string) (string, bool) {
	for _, want := range preferred {
		for _, have := range offered {
			if codecName(want) == codecName(have) {
				return have, true
			}
		}
	}
	return "", false
}

// preferenceList puts a per-connection override ahead of the configured
// defaults without duplicating it.
func preferenceList(override string, defaults []string) []string {
	if override == "" {
		return defaults
	}
	out := make([]string, 0, len(defaults)+1)
	out = append(out, override)
	for _, c := range defaults {
		if codecName(c) != codecName(override) {
			out = append(out, c)
		}
	}
	return out
}

// reorderCodecPayloads rewrites each m=<kind> line of an SDP so payload types
// mapped to preferred codecs come first. The relative order of the remaining
// payload types is preserved, and unknown payload types are left alone.
func reorderCodecPayloads(sdp, kind string, preferred []string) string {
	if len(preferred) == 0 {
		return sdp
	}
	crlf := "\r\n"
	if !strings.Contains(sdp, crlf) {
		crlf = "\n"
	}
	lines := strings.Split(sdp, crlf)

	for i := 0; i < len(lines); i++ {
		if !strings.HasPrefix(lines[i], "m="+kind+" ") {
			continue
		}
		end := len(lines)
		for j := i + 1; j < len(lines); j++ {
			if strings.HasPrefix(lines[j], "m=") {
				end = j
				break
			}
		}
		lines[i] = reorderMediaLine(lines[i], rtpmapTable(lines[i+1:end]), preferred)
		i = end - 1
	}
	return strings.Join(lines, crlf)
}

// rtpmapTable maps payload types to codec names within one media section.
func rtpmapTable(section []string) map[string]string {
	table := make(map[string]string)
	for _, line := range section {
		if !strings.HasPrefix(line, "a=rtpmap:") {
			continue
		}
		rest := strings.TrimPrefix(line, "a=rtpmap:")
		sep := strings.IndexByte(rest, ' ')
		if sep < 0 {
			continue
		}
		table[rest[:sep]] = codecName(rest[sep+1:])
	}
	return table
}

func reorderMediaLine(mline string, codecs map[string]string, preferred []string) string {
	fields := strings.Fields(mline)
	if len(fields) <= 4 {
		return mline
	}
	payloads := fields[3:]

	ordered := make([]string, 0, len(payloads))
	taken := make(map[string]bool, len(payloads))
	for _, want := range preferred {
		name := codecName(want)
		for _, pt := range payloads {
			if !taken[pt] && codecs[pt] == name {
				ordered = append(ordered, pt)
				taken[pt] = true
			}
		}
	}
	for _, pt := range payloads {
		if !taken[pt] {
			ordered = append(ordered, pt)
		}
	}

	out := make([]string, 0, len(fields))
	out = append(out, fields[:3]...)
	out = append(out, ordered...)
	return strings.Join(out, " ")
}

// tagHardwareAcceleration marks every video section with a decode hint that
// cooperating agents read when choosing between hardware and software paths.
func tagHardwareAcceleration(sdp string) string {
	crlf := "\r\n"
	if !strings.Contains(sdp, crlf) {
		crlf = "\n"
	}
	lines := strings.Split(sdp, crlf)
	out := make([]string, 0, len(lines)+2)
	for _, line := range lines {
		out = append(out, line)
		if strings.HasPrefix(line, "m=video ") {
			out = append(out, "a=x-hwaccel:prefer")
		}
	}
	return strings.Join(out, crlf)
}

// validateCandidate checks the structural shape of an ICE candidate
// attribute before it is handed to the peer connection:
//
//	candidate:<foundation> <component> <transport> <priority> <address> <port> typ <type> ...
func validateCandidate(raw string) error {
	body := strings.TrimPrefix(raw, "a=")
	body = strings.TrimPrefix(body, "candidate:")
	fields := strings.Fields(body)
	if len(fields) < 8 {
		return fmt.Errorf("%w: expected at least 8 fields, got %d", domain.ErrInvalidCandidate, len(fields))
	}
	if component, err := strconv.Atoi(fields[1]); err != nil || component < 1 {
		return fmt.Errorf("%w: bad component %q", domain.ErrInvalidCandidate, fields[1])
	}
	switch strings.ToLower(fields[2]) {
	case "udp", "tcp":
	default:
		return fmt.Errorf("%w: unsupported transport %q", domain.ErrInvalidCandidate, fields[2])
	}
	if _, err := strconv.ParseUint(fields[3], 10, 32); err != nil {
		return fmt.Errorf("%w: bad priority %q", domain.ErrInvalidCandidate, fields[3])
	}
	if port, err := strconv.Atoi(fields[5]); err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("%w: bad port %q", domain.ErrInvalidCandidate, fields[5])
	}
	if fields[6] != "typ" {
		return fmt.Errorf("%w: missing typ marker", domain.ErrInvalidCandidate)
	}
	switch fields[7] {
	case "host", "srflx", "prflx", "relay":
	default:
		return fmt.Errorf("%w: unknown candidate type %q", domain.ErrInvalidCandidate, fields[7])
	}
	return nil
}
