package prometheus

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sentinelwatch/sentinel/runtime"
	logTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type healthyService struct{}

func (_ *healthyService) Start()        {}
func (_ *healthyService) Stop() error   { return nil }
func (_ *healthyService) Status() error { return nil }

type failingService struct{}

func (_ *failingService) Start()        {}
func (_ *failingService) Stop() error   { return nil }
func (_ *failingService) Status() error { return errors.New("db unreachable") }

func TestLifecycle(t *testing.T) {
	hook := logTest.NewGlobal()
	registry := runtime.NewServiceRegistry()
	svc := NewService("127.0.0.1:0", registry)

	svc.Start()
	assertLogsContain(t, hook, "Starting service")

	require.NoError(t, svc.Stop())
	assertLogsContain(t, hook, "Stopping service")
}

func TestHealthz_AllHealthy(t *testing.T) {
	registry := runtime.NewServiceRegistry()
	require.NoError(t, registry.RegisterService(&healthyService{}))
	svc := NewService("127.0.0.1:0", registry)

	rr := httptest.NewRecorder()
	svc.healthzHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "OK")
}

func TestHealthz_Degraded(t *testing.T) {
	registry := runtime.NewServiceRegistry()
	require.NoError(t, registry.RegisterService(&healthyService{}))
	require.NoError(t, registry.RegisterService(&failingService{}))
	svc := NewService("127.0.0.1:0", registry)

	rr := httptest.NewRecorder()
	svc.healthzHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "ERROR db unreachable")
}

func assertLogsContain(t *testing.T, hook *logTest.Hook, want string) {
	t.Helper()
	for _, entry := range hook.AllEntries() {
		if entry.Message == want {
			return
		}
	}
	t.Errorf("expected log message %q, got none", want)
}
