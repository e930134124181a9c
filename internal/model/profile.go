package model

// Header is a single header name/value pair. Profiles carry headers as an
// ordered slice because header order is part of a browser's signature.
type Header struct {
	Name  string
	Value string
}

// BrowserProfile is an immutable browser fingerprint: a user-agent plus the
// header set a real browser with that user-agent would send.
//
// Weight controls selection probability in the identity pool. Usage counting
// is owned by the pool, not by the profile itself.
type BrowserProfile struct {
	UserAgent string
	Headers   []Header
	Weight    float64
}
