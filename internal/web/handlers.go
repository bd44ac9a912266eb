package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"groupcast/internal/dispatch"
	"groupcast/internal/media"
	logx "groupcast/pkg/logx"
)

type indexData struct {
	Error       string
	Message     string
	Accept      string
	MaxUpload   int64
	Recipients  int
	FetchedAt   time.Time
	CacheTTL    time.Duration
	Recent      []dispatch.RunStatus
	AllowedExts []string
}

func (s *Server) indexData() indexData {
	d := indexData{
		MaxUpload:   s.maxUpload.Load(),
		AllowedExts: media.AllowedExtensions(),
	}
	for i, ext := range d.AllowedExts {
		if i > 0 {
			d.Accept += ","
		}
		d.Accept += ext
	}
	if s.recipients != nil {
		inf := s.recipients.Info()
		d.Recipients, d.FetchedAt, d.CacheTTL = inf.Count, inf.FetchedAt, inf.TTL
	}
	if s.runs != nil {
		d.Recent = s.runs.Recent(10)
	}
	return d
}

func (s *Server) render(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := s.tmpl.ExecuteTemplate(w, name, data); err != nil {
		s.log.Error("template render failed", logx.String("template", name), logx.Err(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "index.html", s.indexData())
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	req, err := parseUpload(w, r, s.maxUpload.Load())
	if err != nil {
		data := s.indexData()
		data.Message = req.Message
		var uerr *uploadError
		switch {
		case errors.Is(err, errTooLarge):
			data.Error = err.Error()
			s.render(w, http.StatusRequestEntityTooLarge, "index.html", data)
		case errors.As(err, &uerr):
			data.Error = uerr.Error()
			s.render(w, http.StatusBadRequest, "index.html", data)
		default:
			s.log.Warn("upload failed", logx.Err(err))
			data.Error = "upload failed"
			s.render(w, http.StatusInternalServerError, "index.html", data)
		}
		return
	}

	id, err := s.runs.Submit(req)
	if err != nil {
		data := s.indexData()
		data.Message = req.Message
		data.Error = err.Error()
		s.render(w, http.StatusServiceUnavailable, "index.html", data)
		return
	}
	http.Redirect(w, r, "/runs/"+id, http.StatusSeeOther)
}

func (s *Server) handleRunPage(w http.ResponseWriter, r *http.Request) {
	st, ok := s.runs.Status(chi.URLParam(r, "id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.render(w, http.StatusOK, "run.html", st)
}

func (s *Server) handleRunJSON(w http.ResponseWriter, r *http.Request) {
	st, ok := s.runs.Status(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRunsJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runs.Recent(50))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.recipients != nil {
		s.recipients.Invalidate(r.Context())
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
