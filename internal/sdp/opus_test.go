package sdp

import (
	"strings"
	"testing"
)

const offerLF = `v=0
o=- 46117317 2 IN IP4 127.0.0.1
s=-
t=0 0
m=audio 9 UDP/TLS/RTP/SAVPF 63 111 9
c=IN IP4 0.0.0.0
a=rtpmap:63 red/48000/2
a=rtpmap:111 opus/48000/2
a=rtpmap:9 G722/8000
a=sendrecv`

func TestNormalize_ReordersAndAddsFmtp(t *testing.T) {
	out := Normalize(offerLF)
	lines := strings.Split(out, "\n")

	if lines[4] != "m=audio 9 UDP/TLS/RTP/SAVPF 111 63 9" {
		t.Fatalf("m-line not reordered: %q", lines[4])
	}

	wantFmtp := "a=fmtp:111 " + LowLatencyParams
	found := false
	for i, line := range lines {
		if line == wantFmtp {
			found = true
			if lines[i-1] != "a=rtpmap:111 opus/48000/2" {
				t.Fatalf("fmtp not adjacent to its rtpmap, previous line %q", lines[i-1])
			}
		}
	}
	if !found {
		t.Fatalf("fmtp line missing in:\n%s", out)
	}
	if !strings.Contains(out, "ptime=10") {
		t.Fatalf("packet-time parameter missing in:\n%s", out)
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		offerLF,
		strings.ReplaceAll(offerLF, "\n", "\r\n"),
		"garbage",
		"",
	}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Fatalf("not idempotent for input %q:\nonce:  %q\ntwice: %q", in, once, twice)
		}
	}
}

func TestNormalize_Unchanged(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"garbage", "not an sdp at all"},
		{"no audio section", "v=0\nm=video 9 UDP/TLS/RTP/SAVPF 96\na=rtpmap:96 VP8/90000"},
		{"no opus rtpmap", "v=0\nm=audio 9 UDP/TLS/RTP/SAVPF 9\na=rtpmap:9 G722/8000"},
		{"wrong clock rate", "v=0\nm=audio 9 UDP/TLS/RTP/SAVPF 111\na=rtpmap:111 opus/24000/2"},
		{"opus pt absent from m-line", "v=0\nm=audio 9 UDP/TLS/RTP/SAVPF 9\na=rtpmap:9 G722/8000\na=rtpmap:111 opus/48000/2"},
		{"short m-line", "m=audio 9 UDP/TLS/RTP/SAVPF\na=rtpmap:111 opus/48000/2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if out := Normalize(tt.in); out != tt.in {
				t.Fatalf("expected input unchanged, got:\n%q", out)
			}
		})
	}
}

func TestNormalize_ExistingFmtp(t *testing.T) {
	tests := []struct {
		name string
		fmtp string
		want string
	}{
		{
			name: "missing ptime gains it",
			fmtp: "a=fmtp:111 minptime=10;useinbandfec=1",
			want: "a=fmtp:111 minptime=10;useinbandfec=1;ptime=10",
		},
		{
			name: "minptime alone does not satisfy the ptime check",
			fmtp: "a=fmtp:111 minptime=10",
			want: "a=fmtp:111 minptime=10;ptime=10",
		},
		{
			name: "existing ptime untouched",
			fmtp: "a=fmtp:111 ptime=20",
			want: "a=fmtp:111 ptime=20",
		},
		{
			name: "existing ptime mid-list untouched",
			fmtp: "a=fmtp:111 useinbandfec=1;ptime=20;cbr=1",
			want: "a=fmtp:111 useinbandfec=1;ptime=20;cbr=1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := "m=audio 9 UDP/TLS/RTP/SAVPF 111\na=rtpmap:111 opus/48000/2\n" + tt.fmtp
			out := Normalize(in)
			if !strings.Contains(out, tt.want) {
				t.Fatalf("want %q in:\n%s", tt.want, out)
			}
			if strings.Count(out, "a=fmtp:111") != 1 {
				t.Fatalf("duplicate fmtp line:\n%s", out)
			}
		})
	}
}

func TestNormalize_PreservesCRLF(t *testing.T) {
	in := strings.ReplaceAll(offerLF, "\n", "\r\n")
	out := Normalize(in)
	if strings.Contains(strings.ReplaceAll(out, "\r\n", ""), "\n") {
		t.Fatalf("mixed line endings in output:\n%q", out)
	}
	if !strings.Contains(out, "a=fmtp:111 "+LowLatencyParams+"\r\n") {
		t.Fatalf("fmtp line missing or wrong terminator:\n%q", out)
	}
}
