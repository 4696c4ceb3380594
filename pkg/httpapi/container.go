package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/cuemby/wormhole/pkg/types"
	"github.com/cuemby/wormhole/pkg/wherr"
)

func (s *Server) registerContainerRoutes(r *mux.Router) {
	r.HandleFunc("/container/create", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/container/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/container/stop", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/container/restart", s.handleRestart).Methods(http.MethodPost)
	r.HandleFunc("/container/attach-interface", s.handleAttachInterface).Methods(http.MethodPost)
	r.HandleFunc("/container/detach-interface", s.handleDetachInterface).Methods(http.MethodPost)
	r.HandleFunc("/container/attach-volume", s.handleAttachVolume).Methods(http.MethodPost)
	r.HandleFunc("/container/detach-volume", s.handleDetachVolume).Methods(http.MethodPost)
	r.HandleFunc("/container/inject-files", s.handleInjectFiles).Methods(http.MethodPost)
	r.HandleFunc("/container/admin-password", s.handleAdminPassword).Methods(http.MethodPost)
	r.HandleFunc("/container/create-image", s.handleCreateImage).Methods(http.MethodPost)
	r.HandleFunc("/container/pause", s.handlePause).Methods(http.MethodPost)
	r.HandleFunc("/container/unpause", s.handleUnpause).Methods(http.MethodPost)
	r.HandleFunc("/container/console-output", s.handleConsoleOutput).Methods(http.MethodGet)
	r.HandleFunc("/container/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/container/image-info", s.handleImageInfo).Methods(http.MethodGet)
}

type createRequest struct {
	ImageName       string         `json:"image_name"`
	ImageID         string         `json:"image_id"`
	RootVolumeID    string         `json:"root_volume_id"`
	NetworkInfo     []types.VIF    `json:"network_info"`
	BlockDeviceInfo blockDeviceReq `json:"block_device_info"`
	InjectFiles     [][2]string    `json:"inject_files"`
	AdminPassword   string         `json:"admin_password"`
}

// wireBDM mirrors the orchestrator's on-the-wire block device mapping
// shape, where the volume id is nested under connection_info.data rather
// than sitting at the top level the way types.BDM keeps it internally.
type wireBDM struct {
	MountDevice    string `json:"mount_device"`
	Size           string `json:"size"`
	ConnectionInfo struct {
		Data struct {
			VolumeID string `json:"volume_id"`
		} `json:"data"`
	} `json:"connection_info"`
}

func (b wireBDM) toBDM() types.BDM {
	return types.BDM{
		MountDevice: b.MountDevice,
		Size:        b.Size,
		VolumeID:    b.ConnectionInfo.Data.VolumeID,
	}
}

type blockDeviceReq struct {
	BlockDeviceMapping []wireBDM `json:"block_device_mapping"`
}

func (r blockDeviceReq) toBDMs() []types.BDM {
	bdms := make([]types.BDM, len(r.BlockDeviceMapping))
	for i, b := range r.BlockDeviceMapping {
		bdms[i] = b.toBDM()
	}
	return bdms
}

// handleCreate is synchronous underneath but presents itself over HTTP as a
// Task, like every other long-running lifecycle call: a success is reported
// as the FakeSuccessTask sentinel, a failure as FakeErrorTask.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	err := s.agent.Create(r.Context(), req.RootVolumeID, req.InjectFiles, req.AdminPassword, req.BlockDeviceInfo.toBDMs())
	if err != nil {
		writeJSON(w, http.StatusOK, types.FakeErrorTask(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, types.FakeSuccessTask)
}

type startRestartRequest struct {
	NetworkInfo     []types.VIF    `json:"network_info"`
	BlockDeviceInfo blockDeviceReq `json:"block_device_info"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRestartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.agent.Start(r.Context(), req.NetworkInfo, types.BlockDeviceInfo{BlockDeviceMapping: req.BlockDeviceInfo.toBDMs()}); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// defaultStopTimeout matches the original's stop(timeout=5) default; the
// controller's own min(requested, 2) ceiling still applies on top of it.
const defaultStopTimeout = 5

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	msg, err := s.agent.Stop(r.Context(), defaultStopTimeout)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(msg))
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	var req startRestartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.agent.Restart(r.Context(), req.NetworkInfo, types.BlockDeviceInfo{BlockDeviceMapping: req.BlockDeviceInfo.toBDMs()}); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type vifRequest struct {
	VIF types.VIF `json:"vif"`
}

func (s *Server) handleAttachInterface(w http.ResponseWriter, r *http.Request) {
	var req vifRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.agent.AttachInterface(r.Context(), req.VIF); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDetachInterface(w http.ResponseWriter, r *http.Request) {
	var req vifRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.agent.DetachInterface(r.Context(), req.VIF); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type attachVolumeRequest struct {
	Volume      string `json:"volume"`
	Device      string `json:"device"`
	MountDevice string `json:"mount_device"`
}

func (s *Server) handleAttachVolume(w http.ResponseWriter, r *http.Request) {
	var req attachVolumeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.agent.AttachVolume(r.Context(), req.Volume, req.Device, req.MountDevice); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type detachVolumeRequest struct {
	Volume string `json:"volume"`
}

func (s *Server) handleDetachVolume(w http.ResponseWriter, r *http.Request) {
	var req detachVolumeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.agent.DetachVolume(r.Context(), req.Volume); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type injectFilesRequest struct {
	InjectFiles [][2]string `json:"inject_files"`
}

func (s *Server) handleInjectFiles(w http.ResponseWriter, r *http.Request) {
	var req injectFilesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.agent.InjectFiles(r.Context(), req.InjectFiles); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type adminPasswordRequest struct {
	AdminPassword string `json:"admin_password"`
}

func (s *Server) handleAdminPassword(w http.ResponseWriter, r *http.Request) {
	var req adminPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.agent.SetAdminPassword(r.Context(), req.AdminPassword); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type createImageRequest struct {
	ImageName string `json:"image_name"`
	ImageID   string `json:"image_id"`
}

func (s *Server) handleCreateImage(w http.ResponseWriter, r *http.Request) {
	var req createImageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	t, err := s.agent.CreateImage(r.Context(), req.ImageName, req.ImageID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.Pause(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.Unpause(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleConsoleOutput(w http.ResponseWriter, r *http.Request) {
	lines := 0
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, wherr.New(wherr.KindValidation, "lines must be an integer"))
			return
		}
		lines = n
	}
	logs, err := s.agent.ConsoleOutput(r.Context(), lines)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.agent.Status(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": map[string]interface{}{
			"code":    status.Code,
			"message": status.Message,
		},
	})
}

// handleImageInfo has no backing image store in this agent (spec.md §1's
// explicit non-goal); it reports the image_name/image_id it was asked
// about with an unknown size, the same contract-only shape the original
// glue code hands back when no registry is configured.
func (s *Server) handleImageInfo(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name": q.Get("image_name"),
		"id":   q.Get("image_id"),
		"size": 0,
	})
}
