package bridge

import (
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
)

// connectTimeout is the hard deadline on the WebSocket handshake itself
// (spec §4.5 step 3: "Start a 10 s connect timer. On timeout -> backoff.").
const connectTimeout = 10 * time.Second

// buildURL appends ?auth=<token> to the room URL when a token is set
// (spec §4.5 step 1).
func buildURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("bridge: invalid relay url %q: %w", base, err)
	}
	if token != "" {
		q := u.Query()
		q.Set("auth", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// dial opens the WebSocket connection, optionally routed through a SOCKS5
// proxy (spec §4.5 step 2, spec §1 "anonymity-overlay SOCKS proxy"; dialer
// from golang.org/x/net/proxy, the standard ecosystem SOCKS5 client since
// no pack example ships one — see DESIGN.md).
func dial(target, socksAddr string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}

	if socksAddr != "" {
		socksDialer, err := proxy.SOCKS5("tcp", socksAddr, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("bridge: construct socks5 dialer: %w", err)
		}
		dialer.NetDial = socksDialer.Dial
	}

	conn, _, err := dialer.Dial(target, nil)
	if err != nil {
		return nil, fmt.Errorf("bridge: dial %s: %w", target, err)
	}
	return conn, nil
}
