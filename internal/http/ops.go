package httpx

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/splax/shipyard/internal/credentials"
	"github.com/splax/shipyard/internal/domain"
)

const defaultProcessLogLines = 50

type monitView struct {
	Memory uint64  `json:"memory"`
	CPU    float64 `json:"cpu"`
}

type processView struct {
	Name         string           `json:"name"`
	Status       domain.AppStatus `json:"status"`
	PID          int              `json:"pid"`
	Port         int              `json:"port"`
	DeploymentID string           `json:"deploymentId,omitempty"`
	BuildType    domain.BuildType `json:"buildType,omitempty"`
	Restarts     int              `json:"restarts"`
	StartedAt    *time.Time       `json:"startedAt,omitempty"`
	Monit        monitView        `json:"monit"`
	Logs         []domain.LogLine `json:"logs"`
}

func newProcessView(a domain.Application) processView {
	view := processView{
		Name:         a.Name,
		Status:       a.Status,
		PID:          a.PID,
		Port:         a.Port,
		DeploymentID: a.DeploymentID,
		BuildType:    a.BuildType,
		Restarts:     a.Restarts,
		StartedAt:    a.StartedAt,
		Logs:         a.Logs,
	}
	if n := len(a.Usage); n > 0 {
		view.Monit = monitView{Memory: a.Usage[n-1].Memory, CPU: a.Usage[n-1].CPU}
	}
	if view.Logs == nil {
		view.Logs = []domain.LogLine{}
	}
	return view
}

func (r *Router) handleProcesses(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	lines, _ := strconv.Atoi(req.URL.Query().Get("lines"))
	if lines <= 0 {
		lines = defaultProcessLogLines
	}
	apps := r.processes.Snapshot(lines)
	out := make([]processView, 0, len(apps))
	for _, a := range apps {
		out = append(out, newProcessView(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleSettings(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, r.creds.Settings())
	case http.MethodPost, http.MethodPut:
		raw, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxSettingsBytes))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "settings document too large")
			return
		}
		if err := r.creds.Replace(raw); err != nil {
			if errors.Is(err, credentials.ErrMalformedConfig) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			r.logger.Error("settings update failed", "error", err)
			writeError(w, http.StatusInternalServerError, "settings update failed")
			return
		}
		info, _ := authInfoFromContext(req.Context())
		r.logger.Info("settings replaced", "username", info.Username)
		writeJSON(w, http.StatusOK, r.creds.Settings())
	default:
		methodNotAllowed(w)
	}
}
