package session

import "fmt"

// Synthetic responses the proxy sends on its own behalf. They always
// close the connection; a session that answered for the backend has no
// framing state worth preserving.
var (
	respBadRequest         = synthetic(400, "Bad Request", "bad request")
	respBadGateway         = synthetic(502, "Bad Gateway", "bad gateway")
	respServiceUnavailable = synthetic(503, "Service Unavailable", "no available backend")
	respGatewayTimeout     = synthetic(504, "Gateway Timeout", "gateway timeout")
)

func synthetic(status int, reason, body string) []byte {
	return []byte(fmt.Sprintf(
		"HTTP/1.1 %d %s\r\nContent-Length: %d\r\nContent-Type: text/plain\r\nConnection: close\r\n\r\n%s\n",
		status, reason, len(body)+1, body))
}
