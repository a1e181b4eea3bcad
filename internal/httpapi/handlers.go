package httpapi

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	"bulkbot/internal/queue"
	"bulkbot/internal/transport"
	logx "bulkbot/pkg/logx"
)

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func (s *Server) sendBulk(w http.ResponseWriter, r *http.Request) {
	var (
		req queue.SubmitRequest
		err error
	)
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "multipart/form-data" {
		req, err = s.readMultipart(w, r)
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxJSONBytes)
		err = json.NewDecoder(r.Body).Decode(&req)
		if err != nil {
			err = badRequest("invalid JSON body: " + err.Error())
		}
	}
	if err != nil {
		var br badRequestError
		if errors.As(err, &br) {
			writeError(w, http.StatusBadRequest, br.msg)
			return
		}
		s.log.Error("send-bulk failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Server error", Detail: err.Error()})
		return
	}

	res, err := s.jobs.Submit(r.Context(), req)
	switch {
	case errors.Is(err, queue.ErrNoItems):
		writeError(w, http.StatusBadRequest, "No items to send")
	case err != nil:
		s.log.Error("submit failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Server error", Detail: err.Error()})
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Get(chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.jobs.List())
}

type statusBody struct {
	Ready      bool            `json:"ready"`
	ClientInfo *transport.Info `json:"clientInfo"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	var body statusBody
	if s.ch != nil && s.ch.Ready() {
		info := s.ch.Info()
		body = statusBody{Ready: true, ClientInfo: &info}
	}
	writeJSON(w, http.StatusOK, body)
}

type badRequestError struct{ msg string }

func (e badRequestError) Error() string { return e.msg }

func badRequest(msg string) error { return badRequestError{msg: msg} }
