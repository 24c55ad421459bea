// Package health provides the HTTP handler runnerd serves while an
// instance bootstraps, so operators can watch phase progress remotely.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/runnerfleet/internal/buildinfo"
)

// Status values reported by the handler.
const (
	StatusBootstrapping = "bootstrapping"
	StatusReady         = "ready"
	StatusFailed        = "failed"
)

// Progress reports the bootstrap sequencer's state.  It matches
// bootstrap.(*Bootstrap).Status.
type Progress func() (phase string, done bool, err error)

// Response is the health check response body.
type Response struct {
	Status       string    `json:"status"`
	Phase        string    `json:"phase"`
	Error        string    `json:"error,omitempty"`
	ServiceName  string    `json:"service_name"`
	Version      string    `json:"version"`
	Commit       string    `json:"commit"`
	BuildTime    string    `json:"build_time"`
	GoVersion    string    `json:"go_version"`
	OS           string    `json:"os"`
	Architecture string    `json:"architecture"`
	Timestamp    time.Time `json:"timestamp"`
}

// Handler responds to health check requests with build info and the
// current bootstrap phase.  A failed bootstrap reports 503 so probes
// flag the instance.
func Handler(progress Progress) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		phase, done, err := progress()

		status := StatusBootstrapping
		code := http.StatusOK
		errMsg := ""
		switch {
		case err != nil:
			status = StatusFailed
			code = http.StatusServiceUnavailable
			errMsg = err.Error()
		case done:
			status = StatusReady
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)

		response := Response{
			Status:       status,
			Phase:        phase,
			Error:        errMsg,
			ServiceName:  "runnerd",
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Timestamp:    time.Now().UTC(),
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}
