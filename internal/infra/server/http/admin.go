package httpserver

import (
	"net/http"
	"strconv"
	"strings"
)

func (s *httpServer) getOrders(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if ref := strings.TrimSpace(query.Get("ref")); ref != "" {
		order, err := s.admin.SearchOrders(r.Context(), ref)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, order)
		return
	}
	userID, ok := positiveInt(query.Get("user"))
	if !ok {
		writeError(w, http.StatusBadRequest, "ref or user query parameter required")
		return
	}
	limit, _ := positiveInt(query.Get("limit"))
	orders, err := s.admin.RecentOrders(r.Context(), userID, int(limit))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *httpServer) listPayouts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, _ := positiveInt(query.Get("limit"))
	payouts, err := s.admin.ListPayouts(r.Context(), query.Get("status"), int(limit))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payouts": payouts})
}

// getBalance serves /admin/users/{id}/balance.
func (s *httpServer) getBalance(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, adminUsersPrefix), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "balance" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	userID, ok := positiveInt(parts[0])
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	user, err := s.admin.Balance(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":    user.ID,
		"available": user.Available.StringFixed(2),
		"held":      user.Held.StringFixed(2),
	})
}

func (s *httpServer) listAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := positiveInt(r.URL.Query().Get("limit"))
	entries, err := s.admin.AuditTrail(r.Context(), int(limit))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func positiveInt(raw string) (int64, bool) {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
