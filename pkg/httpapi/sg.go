package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (s *Server) registerSGRoutes(r *mux.Router) {
	r.HandleFunc("/sg/enable_sg", s.handleEnableSG).Methods(http.MethodPost)
	r.HandleFunc("/sg/disable_sg", s.handleDisableSG).Methods(http.MethodPost)
	r.HandleFunc("/sg/enable_replication", s.handleEnableReplication).Methods(http.MethodPost)
	r.HandleFunc("/sg/disable_replication", s.handleDisableReplication).Methods(http.MethodPost)
	r.HandleFunc("/sg/create_snapshot", s.handleCreateSnapshot).Methods(http.MethodPost)
	r.HandleFunc("/sg/delete_snapshot", s.handleDeleteSnapshot).Methods(http.MethodPost)
	r.HandleFunc("/sg/create_backup", s.handleCreateBackup).Methods(http.MethodPost)
	r.HandleFunc("/sg/delete_backup", s.handleDeleteBackup).Methods(http.MethodPost)
}

type sgEnableRequest struct {
	TargetIQN string `json:"target_iqn"`
	VolumeID  string `json:"volume_id"`
	Device    string `json:"device"`
}

func (s *Server) handleEnableSG(w http.ResponseWriter, r *http.Request) {
	var req sgEnableRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.sg.EnableSG(r.Context(), req.TargetIQN, req.VolumeID, req.Device); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{})
}

type sgDisableRequest struct {
	TargetIQN string `json:"target_iqn"`
	VolumeID  string `json:"volume_id"`
}

func (s *Server) handleDisableSG(w http.ResponseWriter, r *http.Request) {
	var req sgDisableRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.sg.DisableSG(r.Context(), req.TargetIQN, req.VolumeID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{})
}

type volumeIDRequest struct {
	VolumeID string `json:"volume_id"`
}

func (s *Server) handleEnableReplication(w http.ResponseWriter, r *http.Request) {
	var req volumeIDRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	_ = s.sg.EnableReplication(r.Context(), req.VolumeID)
	writeJSON(w, http.StatusOK, map[string]interface{}{})
}

func (s *Server) handleDisableReplication(w http.ResponseWriter, r *http.Request) {
	var req volumeIDRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	_ = s.sg.DisableReplication(r.Context(), req.VolumeID)
	writeJSON(w, http.StatusOK, map[string]interface{}{})
}

type snapshotRequest struct {
	VolumeID   string `json:"volume_id"`
	SnapshotID string `json:"snapshot_id"`
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req snapshotRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	_ = s.sg.CreateSnapshot(r.Context(), req.VolumeID, req.SnapshotID)
	writeJSON(w, http.StatusOK, map[string]interface{}{})
}

func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	var req snapshotRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	_ = s.sg.DeleteSnapshot(r.Context(), req.SnapshotID)
	writeJSON(w, http.StatusOK, map[string]interface{}{})
}

type backupRequest struct {
	VolumeID string `json:"volume_id"`
	BackupID string `json:"backup_id"`
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	var req backupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	_ = s.sg.CreateBackup(r.Context(), req.VolumeID, req.BackupID)
	writeJSON(w, http.StatusOK, map[string]interface{}{})
}

func (s *Server) handleDeleteBackup(w http.ResponseWriter, r *http.Request) {
	var req backupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	_ = s.sg.DeleteBackup(r.Context(), req.BackupID)
	writeJSON(w, http.StatusOK, map[string]interface{}{})
}
