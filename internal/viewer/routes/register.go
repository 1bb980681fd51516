package routes

import (
	"net/http"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	Calls CallAPI // nil disables /api/call/*
	Logs  Logs
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)
	if d.Calls != nil {
		RegisterCall(mux, d.Calls)
	}
}
