package api

import (
	"net/http"

	"github.com/atlas-desktop/strategy-sim/internal/papertrading"
	"github.com/gorilla/mux"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		s.writeError(w, http.StatusServiceUnavailable, "paper trading not configured")
		return
	}
	sessions := s.deps.Sessions.List()
	s.writeJSON(w, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleGetSession returns a session snapshot with its running metrics
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"snapshot":     session.Snapshot(),
		"metrics":      session.Metrics(),
		"startedAt":    session.StartedAt(),
		"symbolErrors": session.SymbolErrors(),
	})
}

func (s *Server) handleSessionOrders(w http.ResponseWriter, r *http.Request) {
	if session, ok := s.session(w, r); ok {
		s.writeJSON(w, map[string]interface{}{"orders": session.Orders()})
	}
}

func (s *Server) handleSessionPositions(w http.ResponseWriter, r *http.Request) {
	if session, ok := s.session(w, r); ok {
		s.writeJSON(w, map[string]interface{}{"positions": session.Positions()})
	}
}

func (s *Server) handleSessionTrades(w http.ResponseWriter, r *http.Request) {
	if session, ok := s.session(w, r); ok {
		s.writeJSON(w, map[string]interface{}{"trades": session.ClosedTrades()})
	}
}

func (s *Server) handleSessionAlerts(w http.ResponseWriter, r *http.Request) {
	if session, ok := s.session(w, r); ok {
		s.writeJSON(w, map[string]interface{}{"alerts": session.Alerts()})
	}
}

func (s *Server) handleSessionEquity(w http.ResponseWriter, r *http.Request) {
	if session, ok := s.session(w, r); ok {
		s.writeJSON(w, map[string]interface{}{"equityCurve": session.EquityCurve()})
	}
}

// session resolves the {id} path variable, writing the error response
// itself when the session cannot be found.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*papertrading.Session, bool) {
	if s.deps.Sessions == nil {
		s.writeError(w, http.StatusServiceUnavailable, "paper trading not configured")
		return nil, false
	}
	session, err := s.deps.Sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return nil, false
	}
	return session, true
}
