package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"sync"

	gmux "github.com/gorilla/mux"
	"github.com/linkmux/linkmux/internal/multiplex"
)

var ErrConnNotFound = errors.New("transport connection not found")
var ErrSessionNotFound = errors.New("session not found")

// SessionManager is what the API needs from a multiplexer
type SessionManager interface {
	Stats() []multiplex.SessionStats
	GetSession(id uint8) *multiplex.Session
	CloseSession(id uint8) error
	GetRx() int64
	GetTx() int64
}

type ConnInfo struct {
	Name     string                   `json:"name"`
	RxBytes  int64                    `json:"rx_bytes"`
	TxBytes  int64                    `json:"tx_bytes"`
	Sessions []multiplex.SessionStats `json:"sessions"`
}

// APIRouter serves the sessions of every registered transport connection. Session ids are only
// unique within a connection, so sessions are addressed through their connection's name.
type APIRouter struct {
	*gmux.Router

	connsM sync.RWMutex
	conns  map[string]SessionManager
}

func MakeAPIRouter() *APIRouter {
	ret := &APIRouter{
		conns: make(map[string]SessionManager),
	}
	ret.registerMux()
	return ret
}

func (ar *APIRouter) Add(name string, m SessionManager) {
	ar.connsM.Lock()
	ar.conns[name] = m
	ar.connsM.Unlock()
}

func (ar *APIRouter) Remove(name string) {
	ar.connsM.Lock()
	delete(ar.conns, name)
	ar.connsM.Unlock()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func (ar *APIRouter) registerMux() {
	ar.Router = gmux.NewRouter()
	ar.HandleFunc("/admin/conns", ar.listConnsHlr).Methods("GET")
	ar.HandleFunc("/admin/conns/{conn}/sessions", ar.listSessionsHlr).Methods("GET")
	ar.HandleFunc("/admin/conns/{conn}/sessions/{id:[0-9]+}", ar.getSessionHlr).Methods("GET")
	ar.HandleFunc("/admin/conns/{conn}/sessions/{id:[0-9]+}", ar.closeSessionHlr).Methods("DELETE")
	ar.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", "GET,DELETE,OPTIONS")
	})
	ar.Use(corsMiddleware)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	resp, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

func (ar *APIRouter) listConnsHlr(w http.ResponseWriter, r *http.Request) {
	ar.connsM.RLock()
	infos := make([]ConnInfo, 0, len(ar.conns))
	for name, m := range ar.conns {
		infos = append(infos, ConnInfo{
			Name:     name,
			RxBytes:  m.GetRx(),
			TxBytes:  m.GetTx(),
			Sessions: m.Stats(),
		})
	}
	ar.connsM.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	writeJSON(w, infos)
}

func (ar *APIRouter) connOf(w http.ResponseWriter, r *http.Request) (SessionManager, bool) {
	ar.connsM.RLock()
	m, ok := ar.conns[gmux.Vars(r)["conn"]]
	ar.connsM.RUnlock()
	if !ok {
		http.Error(w, ErrConnNotFound.Error(), http.StatusNotFound)
	}
	return m, ok
}

func sessionIDOf(w http.ResponseWriter, r *http.Request) (uint8, bool) {
	id, err := strconv.ParseUint(gmux.Vars(r)["id"], 10, 8)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return 0, false
	}
	return uint8(id), true
}

func (ar *APIRouter) listSessionsHlr(w http.ResponseWriter, r *http.Request) {
	m, ok := ar.connOf(w, r)
	if !ok {
		return
	}
	writeJSON(w, m.Stats())
}

func (ar *APIRouter) getSessionHlr(w http.ResponseWriter, r *http.Request) {
	m, ok := ar.connOf(w, r)
	if !ok {
		return
	}
	id, ok := sessionIDOf(w, r)
	if !ok {
		return
	}
	sesh := m.GetSession(id)
	if sesh == nil {
		http.Error(w, ErrSessionNotFound.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, sesh.Stats())
}

func (ar *APIRouter) closeSessionHlr(w http.ResponseWriter, r *http.Request) {
	m, ok := ar.connOf(w, r)
	if !ok {
		return
	}
	id, ok := sessionIDOf(w, r)
	if !ok {
		return
	}
	if m.GetSession(id) == nil {
		http.Error(w, ErrSessionNotFound.Error(), http.StatusNotFound)
		return
	}
	if err := m.CloseSession(id); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}
