// Package relay implements the call signaling relay: an HTTP publish API,
// per-party SSE and WebSocket delivery, and the client side used by peers.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"github.com/rs/cors"
	"golang.org/x/crypto/bcrypt"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("relay")

const (
	maxPublishBody = 128 << 10
	heartbeatEvery = 25 * time.Second
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	callLogKeep    = 7 * 24 * time.Hour
)

type Options struct {
	Addr              string
	ExternalURL       string // public URL when behind NAT or a reverse proxy
	DBPath            string // SQLite call log; empty disables it
	AdminPasswordHash string // bcrypt hash for /calls.json; empty disables it
}

type Server struct {
	opts Options

	hub     *hub
	limiter *rateLimiter
	calls   *callLog // nil when the call log is disabled
	docs    *DocSite

	upgrader websocket.Upgrader

	srv      *http.Server
	done     chan struct{}
	doneOnce sync.Once
}

func New(opts Options) (*Server, error) {
	s := &Server{
		opts:    opts,
		hub:     newHub(),
		limiter: newRateLimiter(),
		docs:    newDocSite(),
		done:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browser surfaces connect from arbitrary local origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if opts.DBPath != "" {
		cl, err := openCallLog(opts.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open call log: %w", err)
		}
		s.calls = cl
	}
	return s, nil
}

// Handler returns the relay's HTTP API wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	for _, typ := range []string{proto.TypeOffer, proto.TypeAnswer, proto.TypeCandidate, proto.TypeEnd} {
		mux.HandleFunc(proto.Path(typ), s.handlePublish(typ))
	}
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/docs", s.handleDocsRedirect)
	mux.HandleFunc("/docs/", s.handleDocs)
	mux.HandleFunc("/calls.json", s.handleCallsJSON)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, "/docs", http.StatusFound)
	})

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(mux)
}

// Start listens on the configured address and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}

	go s.maintain(ctx)

	go func() {
		<-ctx.Done()
		s.stopStreams()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
		if s.calls != nil {
			_ = s.calls.close()
		}
	}()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("relay server error: %v", err)
		}
	}()

	log.Infof("relay listening on %s", s.URL())
	return nil
}

func (s *Server) URL() string {
	if s.opts.ExternalURL != "" {
		return s.opts.ExternalURL
	}
	return "http://" + s.opts.Addr
}

func (s *Server) stopStreams() {
	s.doneOnce.Do(func() { close(s.done) })
}

// maintain expires stale inboxes and rate buckets, and prunes the call log.
func (s *Server) maintain(ctx context.Context) {
	tick := time.NewTicker(time.Minute)
	defer tick.Stop()
	lastPrune := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			s.hub.expire()
			s.limiter.cleanup()
			if s.calls != nil && now.Sub(lastPrune) > time.Hour {
				lastPrune = now
				if n, err := s.calls.prune(now.Add(-callLogKeep).UnixMilli()); err != nil {
					log.Warnf("calllog: prune: %v", err)
				} else if n > 0 {
					log.Infof("calllog: pruned %d entries", n)
				}
			}
		}
	}
}

// ── publish ────────────────────────────────────────────────────────────────

func (s *Server) handlePublish(typ string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !s.limiter.allow(extractIP(r.RemoteAddr)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		ev, err := decodeEvent(typ, http.MaxBytesReader(w, r.Body, maxPublishBody))
		if err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if err := ev.Validate(); err != nil {
			http.Error(w, "bad event: "+err.Error(), http.StatusBadRequest)
			return
		}
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		ev.TS = proto.NowMillis()

		s.route(ev)
		writeJSON(w, http.StatusOK, proto.PublishResponse{OK: true})
	}
}

// route delivers ev to the recipient, and echoes an end to the sender.
func (s *Server) route(ev proto.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		log.Errorf("marshal %s: %v", ev.Type, err)
		return
	}
	n := s.hub.deliver(proto.Channel(ev.To), b)
	if ev.Type == proto.TypeEnd {
		s.hub.deliver(proto.Channel(ev.From), b)
	}
	log.Debugf("%s %s -> %s (%d streams)", ev.Type, ev.From, ev.To, n)

	if s.calls != nil && ev.Type != proto.TypeCandidate {
		s.calls.record(ev)
	}
}

func decodeEvent(typ string, body io.Reader) (proto.Event, error) {
	dec := json.NewDecoder(body)
	switch typ {
	case proto.TypeOffer:
		var req proto.OfferRequest
		err := dec.Decode(&req)
		return req.Event(), err
	case proto.TypeAnswer:
		var req proto.AnswerRequest
		err := dec.Decode(&req)
		return req.Event(), err
	case proto.TypeCandidate:
		var req proto.CandidateRequest
		err := dec.Decode(&req)
		return req.Event(), err
	case proto.TypeEnd:
		var req proto.EndRequest
		err := dec.Decode(&req)
		return req.Event(), err
	}
	return proto.Event{}, proto.ErrBadType
}

// ── delivery ───────────────────────────────────────────────────────────────

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) (*stream, bool) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}
	party := r.URL.Query().Get("party")
	if err := proto.ValidateParty(party); err != nil {
		http.Error(w, "party: "+err.Error(), http.StatusBadRequest)
		return nil, false
	}
	st, err := s.hub.subscribe(proto.Channel(party), extractIP(r.RemoteAddr))
	if err != nil {
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return nil, false
	}
	return st, true
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	st, ok := s.subscribe(w, r)
	if !ok {
		return
	}
	defer s.hub.unsubscribe(st)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Initial comment so proxies flush headers
	_, _ = w.Write([]byte(": ok\n\n"))
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-heartbeat.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case b := <-st.ch:
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(b)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	st, ok := s.subscribe(w, r)
	if !ok {
		return
	}
	defer s.hub.unsubscribe(st)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("ws upgrade: %v", err)
		return
	}
	defer conn.Close()

	// Reader: only control frames are expected; it notices the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debugf("ws %s: %v", st.channel, err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(heartbeatEvery)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
				time.Now().Add(wsWriteWait))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case b := <-st.ch:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}

// ── docs and admin ─────────────────────────────────────────────────────────

func (s *Server) handleDocsRedirect(w http.ResponseWriter, r *http.Request) {
	if len(s.docs.Pages) == 0 {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, "/docs/"+s.docs.Pages[0].Slug, http.StatusFound)
}

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	slug := strings.Trim(strings.TrimPrefix(r.URL.Path, "/docs/"), "/")
	if slug == "" {
		s.handleDocsRedirect(w, r)
		return
	}
	page, ok := s.docs.BySlug[slug]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("content-type", "text/html; charset=utf-8")
	if err := docsTmpl.Execute(w, docsVM{Pages: s.docs.Pages, Current: page}); err != nil {
		log.Warnf("docs: %v", err)
	}
}

func (s *Server) handleCallsJSON(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	if s.calls == nil {
		http.Error(w, "call log disabled", http.StatusNotFound)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = min(n, 500)
	}
	entries, err := s.calls.recent(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// requireAdmin checks HTTP Basic Auth against the bcrypt hash. Returns true
// if authorized.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.opts.AdminPasswordHash == "" {
		http.Error(w, "admin disabled", http.StatusForbidden)
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok || user != "admin" ||
		bcrypt.CompareHashAndPassword([]byte(s.opts.AdminPasswordHash), []byte(pass)) != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="goopcall relay"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

// HashPassword returns the bcrypt hash to put in relay.admin_password_hash.
func HashPassword(pw string) (string, error) {
	if pw == "" {
		return "", errors.New("empty password")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pw), 12)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// extractIP returns the IP portion of a host:port address.
func extractIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
