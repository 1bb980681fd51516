package routes

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/proto"
)

var log = logging.Logger("viewer")

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 8192,
	// UI surfaces run on arbitrary local origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const heartbeatEvery = 25 * time.Second

// CallAPI is what the call routes need from the controller.
type CallAPI interface {
	Self() call.Party
	State() *call.Session
	Subscribe() (chan *call.Session, func())
	StartCall(t call.Target) (*call.Session, error)
	AcceptCall() error
	DeclineCall() error
	EndCall() error
	ToggleMute() (bool, error)
	Minimize() error
	Restore() error
	Stats() ([]call.TrackStats, error)
}

// stateVM is the body of GET /api/call/state and every pushed update.
type stateVM struct {
	Self    call.Party    `json:"self"`
	Status  call.Status   `json:"status"`
	Session *call.Session `json:"session"`
}

func newStateVM(self call.Party, s *call.Session) stateVM {
	vm := stateVM{Self: self, Status: call.StatusIdle, Session: s}
	if s != nil {
		vm.Status = s.Status
	}
	return vm
}

type startReq struct {
	To          string     `json:"to"`
	Kind        proto.Kind `json:"kind"`
	DisplayName string     `json:"display_name"`
	AvatarRef   string     `json:"avatar_ref"`
}

func (r startReq) validate(self string) error {
	if err := proto.ValidateParty(r.To); err != nil {
		return fmt.Errorf("to: %w", err)
	}
	if r.To == self {
		return fmt.Errorf("to: cannot call yourself")
	}
	if !r.Kind.Valid() {
		return proto.ErrBadKind
	}
	return nil
}

// RegisterCall registers the local call control API.
func RegisterCall(mux *http.ServeMux, calls CallAPI) {
	self := calls.Self()

	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, newStateVM(self, calls.State()))
	})

	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req startReq) {
		if err := req.validate(self.ID); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s, err := calls.StartCall(call.Target{
			Party: call.Party{ID: req.To, DisplayName: req.DisplayName, AvatarRef: req.AvatarRef},
			Kind:  req.Kind,
		})
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, newStateVM(self, s))
	})

	action := func(path string, fn func() error) {
		handlePost(mux, path, func(w http.ResponseWriter, r *http.Request, _ struct{}) {
			if err := fn(); err != nil {
				writeCallError(w, err)
				return
			}
			writeJSON(w, newStateVM(self, calls.State()))
		})
	}
	action("/api/call/accept", calls.AcceptCall)
	action("/api/call/decline", calls.DeclineCall)
	action("/api/call/end", calls.EndCall)
	action("/api/call/minimize", calls.Minimize)
	action("/api/call/restore", calls.Restore)

	handlePost(mux, "/api/call/toggle-mute", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		muted, err := calls.ToggleMute()
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	// GET /api/call/debug: remote RTP counters for testing without a UI.
	handleGet(mux, "/api/call/debug", func(w http.ResponseWriter, r *http.Request) {
		stats, err := calls.Stats()
		if err != nil && callStatus(err) != http.StatusConflict {
			writeCallError(w, err)
			return
		}
		if stats == nil {
			stats = []call.TrackStats{}
		}
		writeJSON(w, map[string]any{
			"state":  newStateVM(self, calls.State()),
			"tracks": stats,
		})
	})

	// GET /api/call/events: SSE of state updates, current state first.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		updates, cancel := calls.Subscribe()
		defer cancel()

		sseHeaders(w)
		heartbeat := time.NewTicker(heartbeatEvery)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				_, _ = w.Write([]byte(": ping\n\n"))
				flusher.Flush()
			case s, ok := <-updates:
				if !ok {
					return
				}
				data, _ := json.Marshal(newStateVM(self, s))
				fmt.Fprintf(w, "event: state\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	})

	// GET /api/call/ws: the same updates over a WebSocket.
	handleGet(mux, "/api/call/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debugf("call ws upgrade: %v", err)
			return
		}
		defer conn.Close()

		updates, cancel := calls.Subscribe()
		defer cancel()

		// Drain incoming frames so close and pong are processed.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
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
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			case s, ok := <-updates:
				if !ok {
					return
				}
				if err := conn.WriteJSON(newStateVM(self, s)); err != nil {
					return
				}
			}
		}
	})
}
