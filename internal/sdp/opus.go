// Package sdp rewrites session descriptions so Opus wins codec negotiation
// and runs in its low-latency configuration. It is deliberately a narrow
// string transform, not an SDP model: browsers pick the codec listed first
// on the m-line, so reordering payload types here decides the codec for both
// peers regardless of their own preference order.
package sdp

import (
	"regexp"
	"strings"
)

// LowLatencyParams is the fmtp parameter set applied to the Opus payload
// type: minimum packet time, in-band FEC, constant bit rate, mono, 10 ms
// packets. Trades some loss robustness for end-to-end latency.
const LowLatencyParams = "minptime=10;useinbandfec=1;cbr=1;stereo=0;ptime=10"

var (
	opusRtpmapRe = regexp.MustCompile(`^a=rtpmap:(\d+) opus/48000/2\b`)
	ptimeParamRe = regexp.MustCompile(`(^|[;\s])ptime=`)
)

// Normalize biases the audio section of an SDP toward low-latency Opus:
// the Opus payload type is moved to the front of the m=audio payload list
// (relative order of the rest preserved) and an a=fmtp line carrying
// LowLatencyParams is ensured for it. Descriptions without an audio section
// or without an opus/48000/2 rtpmap are returned unchanged. The function is
// idempotent and never fails: any shape it does not understand passes
// through untouched.
func Normalize(sdp string) string {
	crlf := strings.Contains(sdp, "\r\n")
	sep := "\n"
	if crlf {
		sep = "\r\n"
	}
	lines := strings.Split(sdp, sep)

	audioIdx, audioEnd := audioSection(lines)
	if audioIdx == -1 {
		return sdp
	}

	pt := ""
	for i := audioIdx + 1; i < audioEnd; i++ {
		if m := opusRtpmapRe.FindStringSubmatch(lines[i]); m != nil {
			pt = m[1]
			break
		}
	}
	if pt == "" {
		return sdp
	}

	reordered, ok := preferPayloadType(lines[audioIdx], pt)
	if !ok {
		return sdp
	}
	lines[audioIdx] = reordered

	lines = ensureFmtp(lines, audioIdx, audioEnd, pt)
	return strings.Join(lines, sep)
}

// audioSection returns the index of the first m=audio line and the index one
// past the end of its section (the next m= line or EOF).
func audioSection(lines []string) (int, int) {
	start := -1
	for i, line := range lines {
		if strings.HasPrefix(line, "m=audio ") {
			start = i
			break
		}
	}
	if start == -1 {
		return -1, -1
	}
	for i := start + 1; i < len(lines); i++ {
		if strings.HasPrefix(lines[i], "m=") {
			return start, i
		}
	}
	return start, len(lines)
}

// preferPayloadType moves pt to the front of the m-line's payload list.
// ok=false when pt is not offered on this m-line at all.
func preferPayloadType(mline, pt string) (string, bool) {
	fields := strings.Fields(mline)
	// m=audio <port> <proto> <pt> [pt...]
	if len(fields) < 4 {
		return "", false
	}
	pts := fields[3:]
	found := false
	out := make([]string, 0, len(pts))
	out = append(out, pt)
	for _, p := range pts {
		if p == pt {
			found = true
			continue
		}
		out = append(out, p)
	}
	if !found {
		return "", false
	}
	return strings.Join(append(fields[:3:3], out...), " "), true
}

// ensureFmtp guarantees an a=fmtp line for pt inside the audio section:
// inserted after its rtpmap when missing entirely, extended with ptime=10
// when present but lacking a standalone ptime parameter.
func ensureFmtp(lines []string, audioIdx, audioEnd int, pt string) []string {
	fmtpPrefix := "a=fmtp:" + pt + " "
	rtpmapPrefix := "a=rtpmap:" + pt + " "

	rtpmapIdx := -1
	for i := audioIdx + 1; i < audioEnd; i++ {
		if strings.HasPrefix(lines[i], fmtpPrefix) {
			params := lines[i][len(fmtpPrefix):]
			if !ptimeParamRe.MatchString(params) {
				lines[i] = lines[i] + ";ptime=10"
			}
			return lines
		}
		if strings.HasPrefix(lines[i], rtpmapPrefix) {
			rtpmapIdx = i
		}
	}
	if rtpmapIdx == -1 {
		return lines
	}

	fmtp := fmtpPrefix + LowLatencyParams
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:rtpmapIdx+1]...)
	out = append(out, fmtp)
	out = append(out, lines[rtpmapIdx+1:]...)
	return out
}
