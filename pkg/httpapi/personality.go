package httpapi

import (
	"encoding/base64"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gorilla/mux"

	"github.com/cuemby/wormhole/pkg/wherr"
)

func (s *Server) registerPersonalityRoutes(r *mux.Router) {
	r.HandleFunc("/service/personality", s.handlePersonality).Methods(http.MethodPost)
}

type personalityRequest struct {
	DstPath  string `json:"dst_path"`
	FileData string `json:"file_data"`
}

// handlePersonality is the host-side provisioning file writer spec.md §1
// calls out as an external collaborator, contract only: decode the
// base64 payload and write it to dst_path on the host filesystem.
func (s *Server) handlePersonality(w http.ResponseWriter, r *http.Request) {
	var req personalityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.DstPath == "" {
		writeError(w, r, wherr.New(wherr.KindValidation, "dst_path is required"))
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.FileData)
	if err != nil {
		writeError(w, r, wherr.Wrap(wherr.KindValidation, "decode file_data", err))
		return
	}

	if err := os.MkdirAll(filepath.Dir(req.DstPath), 0o755); err != nil {
		writeError(w, r, wherr.Wrap(wherr.KindBackendFailure, "create destination directory", err))
		return
	}
	if err := os.WriteFile(req.DstPath, data, 0o644); err != nil {
		writeError(w, r, wherr.Wrap(wherr.KindBackendFailure, "write personality file", err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
