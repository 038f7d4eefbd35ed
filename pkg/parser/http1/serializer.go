package http1

import (
	"strconv"
	"strings"
)

// Rewrite carries the proxy edits applied while re-serializing a request
// head toward a backend.
type Rewrite struct {
	// ClientAddr is the front peer's IP, appended to X-Forwarded-For.
	ClientAddr string

	// CloseBackend forces "Connection: close" toward the backend even when
	// the client asked for keep-alive.
	CloseBackend bool
}

// hop-by-hop fields are owned by each connection leg and never forwarded
// as-is; the serializer re-emits connection control itself.
func hopByHop(name string) bool {
	switch {
	case strings.EqualFold(name, "Connection"),
		strings.EqualFold(name, "Proxy-Connection"),
		strings.EqualFold(name, "Keep-Alive"):
		return true
	}
	return false
}

// RewriteRequestHeaders applies the proxy's header edits while preserving
// the relative order of every field it does not touch. X-Forwarded-For is
// extended in place when the client already sent one, appended at the end
// otherwise. Hop-by-hop fields are dropped and a single Connection field is
// re-emitted last.
func RewriteRequestHeaders(fields []HeaderField, rw Rewrite) []HeaderField {
	out := make([]HeaderField, 0, len(fields)+2)
	sawForwardedFor := false

	for _, f := range fields {
		if hopByHop(f.Name) {
			continue
		}
		if strings.EqualFold(f.Name, "X-Forwarded-For") && rw.ClientAddr != "" && !sawForwardedFor {
			sawForwardedFor = true
			out = append(out, HeaderField{Name: f.Name, Value: f.Value + ", " + rw.ClientAddr})
			continue
		}
		out = append(out, f)
	}

	if !sawForwardedFor && rw.ClientAddr != "" {
		out = append(out, HeaderField{Name: "X-Forwarded-For", Value: rw.ClientAddr})
	}
	if rw.CloseBackend {
		out = append(out, HeaderField{Name: "Connection", Value: "close"})
	} else {
		out = append(out, HeaderField{Name: "Connection", Value: "keep-alive"})
	}
	return out
}

// AppendRequestHead serializes a request head into dst and returns the
// extended slice. Fields are written in the given order.
func AppendRequestHead(dst []byte, method, target, proto string, fields []HeaderField) []byte {
	dst = append(dst, method...)
	dst = append(dst, ' ')
	dst = append(dst, target...)
	dst = append(dst, ' ')
	dst = append(dst, proto...)
	dst = append(dst, '\r', '\n')
	return appendFields(dst, fields)
}

// AppendResponseHead serializes a response head into dst and returns the
// extended slice.
func AppendResponseHead(dst []byte, proto string, status int, reason string, fields []HeaderField) []byte {
	dst = append(dst, proto...)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(status), 10)
	if reason != "" {
		dst = append(dst, ' ')
		dst = append(dst, reason...)
	}
	dst = append(dst, '\r', '\n')
	return appendFields(dst, fields)
}

func appendFields(dst []byte, fields []HeaderField) []byte {
	for _, f := range fields {
		dst = append(dst, f.Name...)
		dst = append(dst, ':', ' ')
		dst = append(dst, f.Value...)
		dst = append(dst, '\r', '\n')
	}
	return append(dst, '\r', '\n')
}
