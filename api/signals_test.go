package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sentinelwatch/sentinel/api"
	"github.com/sentinelwatch/sentinel/signal"
	"github.com/sentinelwatch/sentinel/simulate"
	"github.com/sentinelwatch/sentinel/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMarket = "0xb323495f7e4148be5643a4ea4a8221eef163e4bccfdedc2a6f4696baacbc86cc"

// constantFetcher serves every state read with one value.
type constantFetcher struct{ value float64 }

func (f *constantFetcher) State(context.Context, *signal.Expr, *time.Time) (float64, error) {
	return f.value, nil
}

func (f *constantFetcher) Events(context.Context, *signal.Expr, time.Time, time.Time) (float64, error) {
	return f.value, nil
}

func newTestService(value float64) (*api.Service, *store.Memory) {
	m := store.NewMemory()
	svc := api.NewService(&api.Config{
		Addr:      ":0",
		Store:     m,
		Simulator: simulate.New(&constantFetcher{value: value}),
	})
	return svc, m
}

func validBody() map[string]interface{} {
	return map[string]interface{}{
		"name":             "borrow watch",
		"webhook_url":      "https://example.com/hook",
		"cooldown_minutes": 30,
		"definition": map[string]interface{}{
			"scope":  map[string]interface{}{"chains": []uint64{1}, "markets": []string{testMarket}},
			"window": "1d",
			"conditions": []map[string]interface{}{{
				"type":     "threshold",
				"metric":   "Morpho.Market.totalBorrowAssets",
				"operator": ">",
				"value":    1000000,
			}},
		},
	}
}

func doJSON(t *testing.T, h http.Handler, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createSignal(t *testing.T, h http.Handler, user string) *store.Signal {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/v1/signals", user, validBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sig store.Signal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sig))
	return &sig
}

func TestCreateSignal_CompilesAndStores(t *testing.T) {
	svc, m := newTestService(0)
	sig := createSignal(t, svc.Handler(), "user-1")

	require.NotEmpty(t, sig.ID)
	assert.Equal(t, "user-1", sig.UserID)
	assert.True(t, sig.IsActive)

	persisted, err := m.GetSignal(context.Background(), sig.ID)
	require.NoError(t, err)
	stored, err := signal.NormalizeStored(persisted.Definition)
	require.NoError(t, err)
	assert.Equal(t, signal.StoredVersion, stored.Version)
	require.Len(t, stored.AST.Conditions, 1)
	assert.Equal(t, signal.CompiledSimple, stored.AST.Conditions[0].Kind)
}

func TestCreateSignal_ValidationErrors(t *testing.T) {
	svc, _ := newTestService(0)
	h := svc.Handler()

	for _, tc := range []struct {
		name   string
		mutate func(map[string]interface{})
		field  string
	}{
		{"empty name", func(b map[string]interface{}) { b["name"] = "" }, "name"},
		{"bad url", func(b map[string]interface{}) { b["webhook_url"] = "not-a-url" }, "webhook_url"},
		{"negative cooldown", func(b map[string]interface{}) { b["cooldown_minutes"] = -1 }, "cooldown_minutes"},
		{"unknown metric", func(b map[string]interface{}) {
			def := b["definition"].(map[string]interface{})
			def["conditions"].([]map[string]interface{})[0]["metric"] = "Morpho.Market.nope"
		}, "definition.conditions[0].metric"},
		{"bad window", func(b map[string]interface{}) {
			b["definition"].(map[string]interface{})["window"] = "0d"
		}, "definition.window"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			body := validBody()
			tc.mutate(body)
			rec := doJSON(t, h, http.MethodPost, "/v1/signals", "user-1", body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			var resp struct {
				Field string `json:"field"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.field, resp.Field)
		})
	}
}

func TestCreateSignal_RequiresUser(t *testing.T) {
	svc, _ := newTestService(0)
	rec := doJSON(t, svc.Handler(), http.MethodPost, "/v1/signals", "", validBody())
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetSignal_OwnerScoping(t *testing.T) {
	svc, _ := newTestService(0)
	h := svc.Handler()
	sig := createSignal(t, h, "user-1")

	rec := doJSON(t, h, http.MethodGet, "/v1/signals/"+sig.ID, "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Another user's lookup reads as absent.
	rec = doJSON(t, h, http.MethodGet, "/v1/signals/"+sig.ID, "user-2", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/signals/does-not-exist", "user-1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateSignal_Recompiles(t *testing.T) {
	svc, m := newTestService(0)
	h := svc.Handler()
	sig := createSignal(t, h, "user-1")

	body := validBody()
	body["name"] = "renamed"
	body["is_active"] = false
	rec := doJSON(t, h, http.MethodPut, "/v1/signals/"+sig.ID, "user-1", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	persisted, err := m.GetSignal(context.Background(), sig.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", persisted.Name)
	assert.False(t, persisted.IsActive)
}

func TestDeleteSignal(t *testing.T) {
	svc, m := newTestService(0)
	h := svc.Handler()
	sig := createSignal(t, h, "user-1")

	rec := doJSON(t, h, http.MethodDelete, "/v1/signals/"+sig.ID, "user-1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err := m.GetSignal(context.Background(), sig.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListNotifications(t *testing.T) {
	svc, m := newTestService(0)
	h := svc.Handler()
	sig := createSignal(t, h, "user-1")

	for i := 0; i < 3; i++ {
		require.NoError(t, m.InsertNotification(context.Background(), &store.Notification{
			ID:       fmt.Sprintf("n-%d", i),
			SignalID: sig.ID,
			Status:   store.NotificationDelivered,
		}))
	}

	rec := doJSON(t, h, http.MethodGet, "/v1/signals/"+sig.ID+"/notifications?limit=2", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []*store.Notification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	assert.Len(t, rows, 2)
}

func TestSimulate_Point(t *testing.T) {
	svc, _ := newTestService(2000000)
	h := svc.Handler()
	sig := createSignal(t, h, "user-1")

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	rec := doJSON(t, h, http.MethodPost, "/v1/signals/"+sig.ID+"/simulate", "user-1",
		map[string]interface{}{"at": at})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res simulate.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Triggered)
	require.NotNil(t, res.LeftValue)
	assert.Equal(t, 2000000.0, *res.LeftValue)
}

func TestSimulate_BadRequest(t *testing.T) {
	svc, _ := newTestService(0)
	h := svc.Handler()
	sig := createSignal(t, h, "user-1")

	rec := doJSON(t, h, http.MethodPost, "/v1/signals/"+sig.ID+"/simulate", "user-1",
		map[string]interface{}{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListMetrics(t *testing.T) {
	svc, _ := newTestService(0)
	rec := doJSON(t, svc.Handler(), http.MethodGet, "/v1/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var names []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &names))
	assert.Contains(t, names, "Morpho.Market.totalBorrowAssets")
}
