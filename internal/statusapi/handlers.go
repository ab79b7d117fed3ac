package statusapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/markus-barta/busdash/internal/dashboard"
	"github.com/markus-barta/busdash/internal/history"
	"github.com/markus-barta/busdash/internal/nodecache"
	"github.com/markus-barta/busdash/internal/protocol"
	"github.com/markus-barta/busdash/internal/store"
)

// nodeView is a snapshot plus its rendered label, value and icon.
type nodeView struct {
	*protocol.NodeSnapshot
	KindLabel string `json:"label"`
	Formatted string `json:"formatted"`
	Icon      string `json:"icon"`
}

func newNodeView(n *protocol.NodeSnapshot) nodeView {
	return nodeView{
		NodeSnapshot: n,
		KindLabel:    n.Label(),
		Formatted:    n.FormatValue(),
		Icon:         protocol.Icon(n.Kind, n.Role, n.Unit),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// handleHealth reports whether the node cache holds a loaded universe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	nodes := s.eng.Nodes()

	status, code := "ok", http.StatusOK
	if !nodes.IsLoaded() {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":         status,
		"loaded":         nodes.IsLoaded(),
		"nodes":          nodes.Len(),
		"widgets":        len(s.eng.Layout().Entries()),
		"push_connected": s.pushConnected.Load(),
		"ui_clients":     s.hub.Clients(),
	})
}

// handleGetNodes returns the cached snapshots in universe order.
func (s *Server) handleGetNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.eng.Nodes()

	views := make([]nodeView, 0, nodes.Len())
	for _, id := range nodes.IDs() {
		if n, ok := nodes.Get(id); ok {
			views = append(views, newNodeView(n))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": views})
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")

	n, ok := s.eng.Nodes().Get(nodeID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown node")
		return
	}
	writeJSON(w, http.StatusOK, newNodeView(n))
}

func (s *Server) handleGetWidgets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"widgets": s.eng.Layout().Entries()})
}

// handleUpdateWidget applies visibility and display name edits.
func (s *Server) handleUpdateWidget(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")

	var req struct {
		Visible     *bool   `json:"visible"`
		DisplayName *string `json:"displayName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	layout := s.eng.Layout()
	persisted := true

	if req.Visible != nil {
		if !s.applyEdit(w, layout.SetVisible(nodeID, *req.Visible), &persisted) {
			return
		}
	}
	if req.DisplayName != nil {
		if !s.applyEdit(w, layout.Rename(nodeID, *req.DisplayName), &persisted) {
			return
		}
	}

	entry, _ := layout.Entry(nodeID)
	writeJSON(w, http.StatusOK, map[string]any{"widget": entry, "persisted": persisted})
}

// applyEdit maps a layout edit error to a response. It returns false when
// a response was written. Persistence failures keep the edit in memory.
func (s *Server) applyEdit(w http.ResponseWriter, err error, persisted *bool) bool {
	var perr *store.PersistenceError
	switch {
	case err == nil:
		return true
	case errors.As(err, &perr):
		*persisted = false
		return true
	case errors.Is(err, dashboard.ErrUnknownWidget):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
	return false
}

func (s *Server) handleReorderWidgets(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Order []string `json:"order"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	layout := s.eng.Layout()
	persisted := true
	if !s.applyEdit(w, layout.Reorder(req.Order), &persisted) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"widgets": layout.Entries(), "persisted": persisted})
}

// historyKey parses the node and render context of a history route.
func (s *Server) historyKey(w http.ResponseWriter, r *http.Request) (string, history.Context, bool) {
	nodeID := chi.URLParam(r, "nodeID")
	rc, err := history.ParseContext(chi.URLParam(r, "context"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	if _, ok := s.eng.Nodes().Get(nodeID); !ok {
		writeError(w, http.StatusNotFound, "unknown node")
		return "", "", false
	}
	return nodeID, rc, true
}

// handleGetHistory opens the series and refreshes it when stale. A failed
// refresh still answers with the prior window, flagged stale.
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	nodeID, rc, ok := s.historyKey(w, r)
	if !ok {
		return
	}

	width := s.cfg.DisplayWidth
	if raw := r.URL.Query().Get("width"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "width must be a positive integer")
			return
		}
		width = n
	}

	hist := s.eng.History()
	hist.Open(nodeID, rc, width)
	s.refreshIfStale(r, nodeID, rc)

	series, _ := hist.Series(nodeID, rc)
	writeJSON(w, http.StatusOK, series)
}

func (s *Server) refreshIfStale(r *http.Request, nodeID string, rc history.Context) {
	hist := s.eng.History()
	if !hist.IsStale(nodeID, rc) {
		return
	}
	err := hist.Refresh(r.Context(), nodeID, rc)
	if err != nil && !errors.Is(err, nodecache.ErrStaleResponse) {
		s.log.Warn().Err(err).Str("node", nodeID).Str("context", string(rc)).Msg("serving prior history window")
	}
}

// handleSetPeriod switches the period of a series and refetches it when
// open.
func (s *Server) handleSetPeriod(w http.ResponseWriter, r *http.Request) {
	nodeID, rc, ok := s.historyKey(w, r)
	if !ok {
		return
	}

	var req struct {
		Period int64 `json:"period"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	hist := s.eng.History()
	persisted := true
	if err := hist.SetPeriod(nodeID, rc, req.Period); err != nil {
		var perr *store.PersistenceError
		if !errors.As(err, &perr) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		persisted = false
	}

	resp := map[string]any{"period": hist.GetPeriod(nodeID, rc), "persisted": persisted}
	if _, open := hist.Series(nodeID, rc); open {
		s.refreshIfStale(r, nodeID, rc)
		series, _ := hist.Series(nodeID, rc)
		resp["series"] = series
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCloseModal discards the modal series; the widget series stays.
func (s *Server) handleCloseModal(w http.ResponseWriter, r *http.Request) {
	s.eng.History().CloseModal(chi.URLParam(r, "nodeID"))
	w.WriteHeader(http.StatusNoContent)
}
