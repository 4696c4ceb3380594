package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cuemby/wormhole/pkg/volumectl"
	"github.com/cuemby/wormhole/pkg/wherr"
)

func (s *Server) registerVolumeRoutes(r *mux.Router) {
	r.HandleFunc("/volumes", s.handleListVolumes).Methods(http.MethodGet)
	r.HandleFunc("/volumes/clone", s.handleCloneVolume).Methods(http.MethodPost)
	r.HandleFunc("/volumes/connect_volume", s.handleConnectVolume).Methods(http.MethodPost)
	r.HandleFunc("/volumes/disconnect_volume", s.handleDisconnectVolume).Methods(http.MethodPost)
	r.HandleFunc("/volumes/remove_device", s.handleRemoveDevice).Methods(http.MethodPost)
}

func (s *Server) handleListVolumes(w http.ResponseWriter, r *http.Request) {
	scan := r.URL.Query().Get("scan") == "1"
	devices, err := s.volumes.List(r.Context(), scan)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": devices})
}

type cloneRequest struct {
	Volume   volumeRef `json:"volume"`
	SrcVref  volumeRef `json:"src_vref"`
}

type volumeRef struct {
	ID   string `json:"id"`
	Size int64  `json:"size"`
}

func (s *Server) handleCloneVolume(w http.ResponseWriter, r *http.Request) {
	var req cloneRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	t, err := s.volumes.Clone(r.Context(),
		volumectl.Ref{ID: req.Volume.ID, Size: req.Volume.Size},
		volumectl.Ref{ID: req.SrcVref.ID, Size: req.SrcVref.Size},
	)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type connectionProperties struct {
	Portal string `json:"target_portal"`
	IQN    string `json:"target_iqn"`
}

type connectVolumeRequest struct {
	ConnectionProperties connectionProperties `json:"connection_properties"`
}

func (s *Server) handleConnectVolume(w http.ResponseWriter, r *http.Request) {
	var req connectVolumeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	device, err := s.volumes.ConnectVolume(r.Context(), req.ConnectionProperties.Portal, req.ConnectionProperties.IQN)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": device})
}

func (s *Server) handleDisconnectVolume(w http.ResponseWriter, r *http.Request) {
	var req connectVolumeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.volumes.DisconnectVolume(r.Context(), req.ConnectionProperties.Portal, req.ConnectionProperties.IQN); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type removeDeviceRequest struct {
	Device string `json:"device"`
}

func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	var req removeDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Device == "" {
		writeError(w, r, wherr.New(wherr.KindValidation, "device is required"))
		return
	}
	if err := s.volumes.RemoveDevice(r.Context(), req.Device); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
