package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/julienschmidt/httprouter"

	"remsh/session"
)

// SessionStatus is the read-only view of one live session exposed by the
// status API.
type SessionStatus struct {
	ID              string    `json:"id"`
	RemoteAddr      string    `json:"remote_addr"`
	Mode            string    `json:"mode"`
	PeerFingerprint string    `json:"peer_fingerprint"`
	StartedAt       time.Time `json:"started_at"`
}

func (s *Server) statusRouter() http.Handler {
	router := httprouter.New()
	router.GET("/healthz", s.handleHealthz)
	router.GET("/sessions", s.handleSessions)
	router.GET("/shell", s.handleShellWS)
	return router
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.mu.Lock()
	list := make([]SessionStatus, 0, len(s.sessions))
	for _, st := range s.sessions {
		list = append(list, *st)
	}
	s.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].StartedAt.Before(list[j].StartedAt) })

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(list); err != nil {
		s.log.Debugw("writing sessions response", "Error", err)
	}
}

func (s *Server) register(sess *session.Session, remoteAddr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID()] = &SessionStatus{
		ID:              sess.ID(),
		RemoteAddr:      remoteAddr,
		Mode:            sess.Mode().String(),
		PeerFingerprint: sess.RemoteFingerprint(),
		StartedAt:       time.Now(),
	}
}

func (s *Server) setMode(id string, m session.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[id]; ok {
		st.Mode = m.String()
	}
}

func (s *Server) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}
