package ocppj

import "strings"

// Subprotocol16 is the only WebSocket subprotocol token this package speaks.
const Subprotocol16 = "ocpp1.6"

// ParseSubprotocols splits Sec-WebSocket-Protocol header values into
// individual tokens. Values may repeat the header or list several
// comma separated tokens; whitespace around tokens is ignored.
func ParseSubprotocols(values ...string) []string {
	var out []string
	for _, v := range values {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				out = append(out, tok)
			}
		}
	}
	return out
}

// SelectSubprotocol returns Subprotocol16 if the client offered it.
// Matching is exact; client preference order is irrelevant.
func SelectSubprotocol(offered []string) (string, bool) {
	for _, p := range offered {
		if p == Subprotocol16 {
			return Subprotocol16, true
		}
	}
	return "", false
}
