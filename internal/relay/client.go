package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/util"
)

const (
	minBackoff = 250 * time.Millisecond
	maxBackoff = 5 * time.Second

	maxEventLine = 1 << 20
)

// Client talks to a relay over HTTP.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Dialer  *websocket.Dialer
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: util.NormalizeURL(strings.TrimSpace(baseURL)),
		HTTP: &http.Client{
			Timeout: 10 * time.Second, // for publish requests
		},
		Dialer: &websocket.Dialer{HandshakeTimeout: util.DefaultConnectTimeout},
	}
}

// Publish posts ev to the endpoint for its type.
func (c *Client) Publish(ctx context.Context, ev proto.Event) error {
	path := proto.Path(ev.Type)
	if path == "" {
		return proto.ErrBadType
	}
	b, err := json.Marshal(publishBody(ev))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("publish %s: status %s: %s", ev.Type, resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}

func publishBody(ev proto.Event) any {
	switch ev.Type {
	case proto.TypeOffer:
		return proto.OfferRequest{ID: ev.ID, To: ev.To, From: ev.From, SDP: ev.SDP, Kind: ev.Kind,
			FromDisplayName: ev.FromDisplayName, FromAvatarRef: ev.FromAvatarRef}
	case proto.TypeAnswer:
		return proto.AnswerRequest{ID: ev.ID, To: ev.To, From: ev.From, SDP: ev.SDP}
	case proto.TypeCandidate:
		return proto.CandidateRequest{ID: ev.ID, To: ev.To, From: ev.From, Candidate: ev.Candidate}
	}
	return proto.EndRequest{ID: ev.ID, To: ev.To, From: ev.From, Reason: ev.Reason}
}

// SubscribeEvents streams party's channel over SSE and calls onEvent for
// each event. It reconnects with backoff until ctx is cancelled.
func (c *Client) SubscribeEvents(ctx context.Context, party string, onEvent func(proto.Event)) {
	c.reconnect(ctx, "sse", func() (bool, error) { return c.subscribeSSE(ctx, party, onEvent) })
}

// SubscribeWS is SubscribeEvents over the relay's WebSocket endpoint.
func (c *Client) SubscribeWS(ctx context.Context, party string, onEvent func(proto.Event)) {
	c.reconnect(ctx, "ws", func() (bool, error) { return c.subscribeWS(ctx, party, onEvent) })
}

// reconnect runs once until ctx ends. The backoff resets after a session
// that got connected.
func (c *Client) reconnect(ctx context.Context, name string, once func() (bool, error)) {
	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		connected, err := once()
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = minBackoff
		}
		log.Debugf("%s subscription to %s dropped: %v (retry in %s)", name, c.BaseURL, err, backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff = min(backoff*2, maxBackoff)
		}
	}
}

func (c *Client) subscribeSSE(ctx context.Context, party string, onEvent func(proto.Event)) (bool, error) {
	u := c.BaseURL + "/events?party=" + url.QueryEscape(party)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}

	// No client timeout for SSE; use ctx for cancellation.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return false, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return false, fmt.Errorf("events status %s", resp.Status)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), maxEventLine)
	// "data: <json>" lines; blank line separates events; ":" comments possible.
	for sc.Scan() {
		line := sc.Text()
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		handlePayload([]byte(strings.TrimSpace(payload)), onEvent)
	}
	return true, sc.Err()
}

func (c *Client) subscribeWS(ctx context.Context, party string, onEvent func(proto.Event)) (bool, error) {
	u, err := wsURL(c.BaseURL, party)
	if err != nil {
		return false, err
	}
	conn, _, err := c.Dialer.DialContext(ctx, u, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		typ, b, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		if typ == websocket.TextMessage {
			handlePayload(b, onEvent)
		}
	}
}

func handlePayload(b []byte, onEvent func(proto.Event)) {
	if len(b) == 0 {
		return
	}
	var ev proto.Event
	if err := json.Unmarshal(b, &ev); err != nil {
		log.Debugf("undecodable event dropped: %v", err)
		return
	}
	if ev.Type == "" || ev.From == "" {
		return
	}
	if onEvent != nil {
		onEvent(ev)
	}
}

func wsURL(base, party string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"party": {party}}.Encode()
	return u.String(), nil
}
