package diag

import (
	"net/http"

	"github.com/cyclopcam/itemscan/pkg/nn"
	"github.com/cyclopcam/itemscan/pkg/pipeline"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type pingJSON struct {
		SessionID string `json:"sessionId"`
	}
	www.SendJSON(w, &pingJSON{SessionID: s.pipeline.SessionID()})
}

func (s *Server) httpStats(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, s.pipeline.Stats())
}

func (s *Server) httpItems(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, s.pipeline.ScannedItems())
}

func (s *Server) httpItem(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	item, ok := s.pipeline.Item(params.ByName("id"))
	if !ok {
		http.Error(w, "Item not found", http.StatusNotFound)
		return
	}
	www.SendJSON(w, &item)
}

func (s *Server) httpCandidates(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, s.pipeline.Candidates())
}

// httpHistory returns persisted items. Without a 'session' query value, it returns the current session.
func (s *Server) httpHistory(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if s.items == nil {
		www.PanicBadRequestf("Item history is not enabled")
	}
	session := www.QueryValue(r, "session")
	if session == "" {
		session = s.pipeline.SessionID()
	} else if session == "all" {
		session = ""
	}
	items, err := s.items.List(session)
	www.Check(err)
	www.SendJSON(w, items)
}

func (s *Server) httpSessionReset(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type resetJSON struct {
		SessionID string `json:"sessionId"`
	}
	www.SendJSON(w, &resetJSON{SessionID: s.pipeline.StartSession()})
}

// httpFrame runs a frame through the pipeline, as though it had come from the detector
func (s *Server) httpFrame(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	frame := nn.Frame{}
	www.ReadJSON(w, r, &frame, maxFrameBytes)
	emissions := s.pipeline.ProcessFrame(&frame)
	if s.config.StaleItemAgeMs > 0 {
		s.pipeline.RemoveStaleItemsAt(frame.TimestampMs, s.config.StaleItemAgeMs)
	}
	if emissions == nil {
		emissions = []pipeline.Emission{}
	}
	www.SendJSON(w, emissions)
}

func (s *Server) httpWebSocket(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("Diag: websocket upgrade failed: %v", err)
		return
	}
	s.hub.run(conn)
}
