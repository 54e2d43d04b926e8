package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/maxpert/cdcsink/ack"
	"github.com/maxpert/cdcsink/checkpoint"
	"github.com/maxpert/cdcsink/connector"
	"github.com/maxpert/cdcsink/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConnector struct {
	stats connector.Stats
	acked []string
}

func (f *fakeConnector) Stats() connector.Stats { return f.stats }

func (f *fakeConnector) Ack(token string) error {
	for _, acked := range f.acked {
		if acked == token {
			return fmt.Errorf("%w: %s", ack.ErrAlreadyAcked, token)
		}
	}
	if token != "00000000000000aa" {
		return fmt.Errorf("%w: %s", ack.ErrNotFound, token)
	}
	f.acked = append(f.acked, token)
	return nil
}

func (f *fakeConnector) IsIncrementalRunning(id string) bool {
	_, ok := f.stats.Queues[id]
	return ok
}

type fakeSessions struct{}

func (fakeSessions) Sessions() uint64 { return 2 }
func (fakeSessions) Active() bool     { return true }

func setup(t *testing.T, secret string) (*http.ServeMux, *fakeConnector, *checkpoint.Store) {
	t.Helper()
	store, err := checkpoint.Open(filepath.Join(t.TempDir(), "checkpoints"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c := &fakeConnector{stats: connector.Stats{
		Database:      "shop",
		Scheduler:     "RUNNING",
		TransportOpen: true,
		Queues:        map[string]int{"orders-0": 3},
	}}

	mux := http.NewServeMux()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# metrics"))
	})
	RegisterRoutes(mux, NewAdminHandlers(c, store, fakeSessions{}), secret, metrics)
	return mux, c, store
}

func do(mux http.Handler, method, path string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestStats(t *testing.T) {
	mux, _, _ := setup(t, "")

	rec := do(mux, http.MethodGet, "/admin/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	data := decodeBody(t, rec)["data"].(map[string]interface{})
	assert.Equal(t, "shop", data["database"])
	assert.Equal(t, "RUNNING", data["scheduler"])
}

func TestHealth(t *testing.T) {
	mux, c, _ := setup(t, "secret")

	rec := do(mux, http.MethodGet, "/admin/health")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["subscriber_active"])

	c.stats.TransportOpen = false
	rec = do(mux, http.MethodGet, "/admin/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAck(t *testing.T) {
	mux, c, _ := setup(t, "")

	rec := do(mux, http.MethodPost, "/admin/ack/00000000000000aa")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"00000000000000aa"}, c.acked)

	rec = do(mux, http.MethodPost, "/admin/ack/00000000000000aa")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(mux, http.MethodPost, "/admin/ack/00000000000000bb")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "00000000000000bb")

	rec = do(mux, http.MethodGet, "/admin/ack/00000000000000aa")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCheckpointsAndImporter(t *testing.T) {
	mux, _, store := setup(t, "")
	_, err := store.Advance("orders-1", record.Position{LogSeq: 9}, 9, true)
	require.NoError(t, err)

	rec := do(mux, http.MethodGet, "/admin/checkpoints")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeBody(t, rec)["data"].(map[string]interface{})
	assert.Contains(t, data, "orders-1")

	rec = do(mux, http.MethodGet, "/admin/importers/orders-0")
	require.Equal(t, http.StatusOK, rec.Code)
	imp := decodeBody(t, rec)["data"].(map[string]interface{})
	assert.Equal(t, true, imp["incremental"])
	assert.Equal(t, float64(3), imp["queue_depth"])

	rec = do(mux, http.MethodGet, "/admin/importers/orders-1")
	require.Equal(t, http.StatusOK, rec.Code)
	imp = decodeBody(t, rec)["data"].(map[string]interface{})
	assert.Equal(t, false, imp["incremental"])
	assert.Contains(t, imp, "checkpoint")

	rec = do(mux, http.MethodGet, "/admin/importers/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckpointsDisabled(t *testing.T) {
	mux := http.NewServeMux()
	RegisterRoutes(mux, NewAdminHandlers(&fakeConnector{}, nil, nil), "", nil)

	rec := do(mux, http.MethodGet, "/admin/checkpoints")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(mux, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuth(t *testing.T) {
	mux, _, _ := setup(t, "s3cret")

	assert.Equal(t, http.StatusUnauthorized, do(mux, http.MethodGet, "/admin/stats").Code)
	assert.Equal(t, http.StatusUnauthorized, do(mux, http.MethodGet, "/admin/stats", "Authorization", "Basic abc").Code)
	assert.Equal(t, http.StatusUnauthorized, do(mux, http.MethodGet, "/admin/stats", SecretHeader, "wrong").Code)

	assert.Equal(t, http.StatusOK, do(mux, http.MethodGet, "/admin/stats", SecretHeader, "s3cret").Code)
	assert.Equal(t, http.StatusOK, do(mux, http.MethodGet, "/admin/stats", "Authorization", "Bearer s3cret").Code)

	// Health and metrics stay open
	assert.Equal(t, http.StatusOK, do(mux, http.MethodGet, "/admin/health").Code)
	assert.Equal(t, http.StatusOK, do(mux, http.MethodGet, "/metrics").Code)
}

func TestAdminRedirect(t *testing.T) {
	mux, _, _ := setup(t, "")
	rec := do(mux, http.MethodGet, "/admin")
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
}
