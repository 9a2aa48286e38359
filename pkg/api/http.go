package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"voxsynq/pkg/auth"
	"voxsynq/pkg/call"
	"voxsynq/pkg/logger"
	"voxsynq/pkg/models"
	"voxsynq/pkg/pipeline"
	"voxsynq/pkg/signal"
	"voxsynq/pkg/store"
	"voxsynq/pkg/utils"
	"voxsynq/pkg/validation"
)

// Server exposes the REST and websocket surface. Conversations are
// addressed by the peer's user id; the order-independent conversation
// key is derived from the caller identity and the path.
type Server struct {
	Pipe  *pipeline.Pipeline
	Calls *call.Registry
	Store *store.Store
	Hub   *signal.Hub
}

// Register attaches all routes to the router. The caller wraps the
// result with the identity middleware; handlers assume auth.Identity
// is set.
func (s *Server) Register(r *mux.Router) {
	r.HandleFunc("/v1/conversations/{peer}/messages", s.sendMessage).Methods(http.MethodPost)
	r.HandleFunc("/v1/conversations/{peer}/messages", s.listMessages).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversations/{peer}/messages/{id}", s.deleteMessage).Methods(http.MethodDelete)
	r.HandleFunc("/v1/conversations/{peer}/messages/{id}/retry", s.retryMessage).Methods(http.MethodPost)
	r.HandleFunc("/v1/conversations/{peer}/read", s.markRead).Methods(http.MethodPost)
	r.HandleFunc("/v1/conversations/{peer}/read", s.readCursor).Methods(http.MethodGet)

	r.HandleFunc("/v1/calls", s.initiateCall).Methods(http.MethodPost)
	r.HandleFunc("/v1/calls/history", s.callHistory).Methods(http.MethodGet)
	r.HandleFunc("/v1/calls/{id}", s.lookupCall).Methods(http.MethodGet)
	r.HandleFunc("/v1/calls/{id}/answer", s.answerCall).Methods(http.MethodPost)
	r.HandleFunc("/v1/calls/{id}/reject", s.rejectCall).Methods(http.MethodPost)
	r.HandleFunc("/v1/calls/{id}/end", s.endCall).Methods(http.MethodPost)

	r.HandleFunc("/ws", s.serveWS).Methods(http.MethodGet)
}

func (s *Server) conv(r *http.Request) (me, peer, key string, ok bool) {
	me = auth.Identity(r)
	peer = mux.Vars(r)["peer"]
	if me == "" || peer == "" || peer == me {
		return "", "", "", false
	}
	return me, peer, models.PairKey(me, peer), true
}

type sendRequest struct {
	Content models.Content `json:"content"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	me, peer, _, ok := s.conv(r)
	if !ok {
		utils.JSONError(w, http.StatusBadRequest, "invalid conversation peer")
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validation.CheckContent(req.Content); err != nil {
		var tle *validation.TooLargeError
		if errors.As(err, &tle) {
			utils.JSONError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	msg, err := s.Pipe.Send(me, peer, req.Content)
	if err != nil {
		s.pipelineError(w, err)
		return
	}
	// the message is already visible locally; delivery continues async
	_ = utils.JSONWrite(w, http.StatusAccepted, msg)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	_, _, key, ok := s.conv(r)
	if !ok {
		utils.JSONError(w, http.StatusBadRequest, "invalid conversation peer")
		return
	}
	msgs, corrupted, err := s.Pipe.Messages(key)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if r.URL.Query().Get("include_deleted") != "true" {
		kept := msgs[:0]
		for _, m := range msgs {
			if !m.Deleted {
				kept = append(kept, m)
			}
		}
		msgs = kept
	}
	if n := queryInt(r, "limit", 0); n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{
		"messages":  msgs,
		"corrupted": corrupted,
	})
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	me, _, key, ok := s.conv(r)
	if !ok {
		utils.JSONError(w, http.StatusBadRequest, "invalid conversation peer")
		return
	}
	id := mux.Vars(r)["id"]
	m, found, err := s.Store.GetMessage(key, id)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "failed to load message")
		return
	}
	if !found {
		utils.JSONError(w, http.StatusNotFound, "message not found")
		return
	}
	if m.Sender != me {
		utils.JSONError(w, http.StatusForbidden, "only the sender may delete a message")
		return
	}
	if err := s.Pipe.Delete(key, id); err != nil {
		s.pipelineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) retryMessage(w http.ResponseWriter, r *http.Request) {
	me, _, key, ok := s.conv(r)
	if !ok {
		utils.JSONError(w, http.StatusBadRequest, "invalid conversation peer")
		return
	}
	id := mux.Vars(r)["id"]
	m, found, err := s.Store.GetMessage(key, id)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "failed to load message")
		return
	}
	if !found {
		utils.JSONError(w, http.StatusNotFound, "message not found")
		return
	}
	if m.Sender != me {
		utils.JSONError(w, http.StatusForbidden, "only the sender may retry a message")
		return
	}
	if m.Status != models.StatusFailed {
		utils.JSONError(w, http.StatusConflict, "message is not in failed state")
		return
	}
	if err := s.Pipe.Retry(key, id); err != nil {
		s.pipelineError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	me, _, key, ok := s.conv(r)
	if !ok {
		utils.JSONError(w, http.StatusBadRequest, "invalid conversation peer")
		return
	}
	if err := s.Pipe.MarkRead(key, me); err != nil {
		s.pipelineError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) readCursor(w http.ResponseWriter, r *http.Request) {
	_, peer, key, ok := s.conv(r)
	if !ok {
		utils.JSONError(w, http.StatusBadRequest, "invalid conversation peer")
		return
	}
	ts, err := s.Store.ReadCursor(key, peer)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "failed to load read cursor")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"user": peer, "read_up_to": ts})
}

type initiateRequest struct {
	Callee string          `json:"callee"`
	Mode   models.CallMode `json:"mode"`
}

func (s *Server) initiateCall(w http.ResponseWriter, r *http.Request) {
	me := auth.Identity(r)
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Callee == "" || req.Callee == me {
		utils.JSONError(w, http.StatusBadRequest, "invalid callee")
		return
	}
	if !req.Mode.Valid() {
		utils.JSONError(w, http.StatusBadRequest, "invalid call mode")
		return
	}
	sess, err := s.Calls.Initiate(me, req.Callee, req.Mode)
	if err != nil {
		s.callError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, sess)
}

func (s *Server) lookupCall(w http.ResponseWriter, r *http.Request) {
	me := auth.Identity(r)
	sess, found := s.Calls.Lookup(mux.Vars(r)["id"])
	if !found {
		utils.JSONError(w, http.StatusNotFound, "unknown call id")
		return
	}
	if me != sess.Initiator && me != sess.Callee {
		utils.JSONError(w, http.StatusForbidden, "not a call participant")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, sess)
}

func (s *Server) answerCall(w http.ResponseWriter, r *http.Request) {
	s.callTransition(w, r, s.Calls.Answer)
}

func (s *Server) rejectCall(w http.ResponseWriter, r *http.Request) {
	s.callTransition(w, r, s.Calls.Reject)
}

func (s *Server) endCall(w http.ResponseWriter, r *http.Request) {
	s.callTransition(w, r, s.Calls.End)
}

func (s *Server) callTransition(w http.ResponseWriter, r *http.Request, op func(callID, user string) (call.Session, error)) {
	me := auth.Identity(r)
	sess, err := op(mux.Vars(r)["id"], me)
	if err != nil {
		s.callError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, sess)
}

func (s *Server) callHistory(w http.ResponseWriter, r *http.Request) {
	me := auth.Identity(r)
	recs, err := s.Store.ListCallHistory(me, queryInt(r, "limit", 50))
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "failed to load call history")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"calls": recs})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	me := auth.Identity(r)
	if me == "" {
		utils.JSONError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	s.Hub.ServeWS(w, r, me)
}

func (s *Server) pipelineError(w http.ResponseWriter, err error) {
	if errors.Is(err, pipeline.ErrQueueFull) {
		utils.JSONError(w, http.StatusServiceUnavailable, "server busy, retry later")
		return
	}
	logger.Error("pipeline_request_failed", "error", err)
	utils.JSONError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) callError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, call.ErrCallInProgress):
		utils.JSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, call.ErrUnknownCall):
		utils.JSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, call.ErrNotParticipant):
		utils.JSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, call.ErrBadState):
		utils.JSONError(w, http.StatusConflict, err.Error())
	default:
		logger.Error("call_request_failed", "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
