package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/flybeeper/geoquery/internal/config"
	"github.com/flybeeper/geoquery/internal/query"
	"github.com/flybeeper/geoquery/internal/store"
	"github.com/flybeeper/geoquery/internal/store/memstore"
)

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	st := memstore.New()
	cfg := &config.Config{
		Environment: "development",
		CORS:        config.CORSConfig{AllowedOrigins: []string{"*"}},
	}
	qcfg := query.DefaultConfig()
	s := New(cfg, st, qcfg, nil, nil)
	ts := httptest.NewServer(s.router)
	t.Cleanup(ts.Close)
	return s, ts
}

func TestCreateUpdateCancelQuery(t *testing.T) {
	_, ts := testServer(t)

	body := `{"center":{"lat":46.5,"lon":14.2},"radiusKm":5}`
	resp, err := http.Post(ts.URL+"/queries", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created createQueryResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.ID)

	patchBody := `{"radiusKm":10}`
	req, _ := http.NewRequest(http.MethodPatch, ts.URL+"/queries/"+created.ID, strings.NewReader(patchBody))
	req.Header.Set("Content-Type", "application/json")
	presp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer presp.Body.Close()
	require.Equal(t, http.StatusNoContent, presp.StatusCode)

	dreq, _ := http.NewRequest(http.MethodDelete, ts.URL+"/queries/"+created.ID, nil)
	dresp, err := http.DefaultClient.Do(dreq)
	require.NoError(t, err)
	defer dresp.Body.Close()
	require.Equal(t, http.StatusNoContent, dresp.StatusCode)

	dreq2, _ := http.NewRequest(http.MethodDelete, ts.URL+"/queries/"+created.ID, nil)
	dresp2, err := http.DefaultClient.Do(dreq2)
	require.NoError(t, err)
	defer dresp2.Body.Close()
	require.Equal(t, http.StatusNotFound, dresp2.StatusCode)
}

func TestCreateQueryRejectsMissingRadius(t *testing.T) {
	_, ts := testServer(t)

	body := `{"center":{"lat":46.5,"lon":14.2}}`
	resp, err := http.Post(ts.URL+"/queries", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamQueryRelaysReadyEvent(t *testing.T) {
	s, ts := testServer(t)

	require.NoError(t, s.store.Set(context.Background(), "pilot1", store.Record{Geohash: "u0000", Lat: 46.5, Lon: 14.2}))

	body := `{"center":{"lat":46.5,"lon":14.2},"radiusKm":5}`
	resp, err := http.Post(ts.URL+"/queries", "application/json", bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	var created createQueryResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/queries/" + created.ID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame eventFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	require.Equal(t, "ready", frame.Type)
}
