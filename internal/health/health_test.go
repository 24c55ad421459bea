package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, progress Progress) (int, Response) {
	t.Helper()

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	Handler(progress)(w, req)

	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w.Code, resp
}

func TestHandlerBootstrapping(t *testing.T) {
	code, resp := serve(t, func() (string, bool, error) {
		return "install-dependencies", false, nil
	})

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusBootstrapping, resp.Status)
	assert.Equal(t, "install-dependencies", resp.Phase)
	assert.Empty(t, resp.Error)
}

func TestHandlerReady(t *testing.T) {
	code, resp := serve(t, func() (string, bool, error) {
		return "register-runner", true, nil
	})

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusReady, resp.Status)
}

func TestHandlerFailed(t *testing.T) {
	code, resp := serve(t, func() (string, bool, error) {
		return "system-update", false, fmt.Errorf("exit status 100")
	})

	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Equal(t, "system-update", resp.Phase)
	assert.Contains(t, resp.Error, "exit status 100")
}

func TestHandlerResponseStructure(t *testing.T) {
	_, resp := serve(t, func() (string, bool, error) {
		return "", false, nil
	})

	assert.Equal(t, "runnerd", resp.ServiceName)
	assert.NotEmpty(t, resp.Version)
	assert.NotEmpty(t, resp.Commit)
	assert.NotEmpty(t, resp.BuildTime)
	assert.NotEmpty(t, resp.GoVersion)
	assert.NotEmpty(t, resp.OS)
	assert.NotEmpty(t, resp.Architecture)
	assert.False(t, resp.Timestamp.IsZero())
}
