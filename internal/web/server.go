// Package web provides a simple web UI over stored batch reports.
package web

import (
	"embed"
	"errors"
	"html/template"
	"net/http"

	"github.com/metalagman/medbench/internal/report"
)

// Server provides the web UI handlers and state.
type Server struct {
	store *report.Store
	tmpl  *template.Template
}

// NewServer creates a new web server.
func NewServer(store *report.Store) (*Server, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Server{store: store, tmpl: tmpl}, nil
}

//go:embed templates/*.html
var templatesFS embed.FS

// Routes returns the router for the web UI.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleIndex)
	mux.HandleFunc("GET /batches/{id}", s.handleBatch)
	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListBatches(r.Context(), 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.tmpl.ExecuteTemplate(w, "index.html", rows); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	batch, err := s.store.GetBatch(r.Context(), id)
	if err != nil {
		if errors.Is(err, report.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.tmpl.ExecuteTemplate(w, "batch.html", batch); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
