package captcha

import (
	"bytes"
	"net/http"
)

// DetectFunc decides whether a response is a challenge page. The dispatcher
// state machine never inspects responses itself, so swapping the detection
// strategy is just swapping this function.
type DetectFunc func(status int, header http.Header, body []byte) bool

// challengeMarkers are substrings that show up in the body of known
// challenge pages. Matching is case-insensitive over the body prefix.
var challengeMarkers = [][]byte{
	[]byte("captcha"),
	[]byte("recaptcha"),
	[]byte("hcaptcha"),
	[]byte("cf-challenge"),
	[]byte("challenge-platform"),
}

// detectScanLimit bounds how much of the body the default detector reads.
// Challenge pages are small; real content pages can be huge.
const detectScanLimit = 64 << 10

// DefaultDetect flags a response as a challenge when its body carries a
// known challenge marker. Challenge pages commonly come back as 200 or 403,
// so status alone is not a useful signal.
func DefaultDetect(status int, header http.Header, body []byte) bool {
	if len(body) == 0 {
		return false
	}
	if len(body) > detectScanLimit {
		body = body[:detectScanLimit]
	}
	lower := bytes.ToLower(body)
	for _, marker := range challengeMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}
