package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (s *Server) registerTaskRoutes(r *mux.Router) {
	r.HandleFunc("/tasks/{id}", s.handleTaskStatus).Methods(http.MethodGet)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	t, err := s.tasks.Query(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
