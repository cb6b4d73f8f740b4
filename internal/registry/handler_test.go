package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"mime"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carbon-scribe/mrv-registry/internal/auth"
	"carbon-scribe/mrv-registry/internal/events"
	"carbon-scribe/mrv-registry/internal/notifications/websocket"
	"carbon-scribe/mrv-registry/internal/store"
)

func setupRouter(t *testing.T, stream *websocket.Manager) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := newTestService(t)
	if stream != nil {
		svc.Bus().AddSink(stream)
	}
	r := gin.New()
	r.Use(auth.Identity())
	NewHandler(svc, stream, zap.NewNop()).RegisterRoutes(r.Group("/api/v1"))
	return r, svc
}

func doJSON(r http.Handler, method, path string, caller store.Identity, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(auth.CallerHeader, string(caller))
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type errorBody struct {
	Error  string `json:"error"`
	Kind   Kind   `json:"kind"`
	Reason string `json:"reason"`
}

func TestHandler_CreateProject(t *testing.T) {
	r, _ := setupRouter(t, nil)

	w := doJSON(r, http.MethodPost, "/api/v1/projects", "", CreateProjectRequest{ID: "P1", Name: "Bay"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(r, http.MethodPost, "/api/v1/projects", alice, CreateProjectRequest{ID: "P1", Name: "Bay"})
	require.Equal(t, http.StatusCreated, w.Code)
	project := decode[store.Project](t, w)
	assert.Equal(t, alice, project.Owner)
	assert.True(t, project.Active)

	w = doJSON(r, http.MethodPost, "/api/v1/projects", bob, CreateProjectRequest{ID: "P1", Name: "Bay"})
	require.Equal(t, http.StatusConflict, w.Code)
	body := decode[errorBody](t, w)
	assert.Equal(t, KindConflict, body.Kind)
	assert.Equal(t, ReasonDuplicateProject, body.Reason)

	w = doJSON(r, http.MethodGet, "/api/v1/projects/P1", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = doJSON(r, http.MethodGet, "/api/v1/projects/P404", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = doJSON(r, http.MethodGet, "/api/v1/owners/alice/projects", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_CreditLifecycle(t *testing.T) {
	r, _ := setupRouter(t, nil)

	require.Equal(t, http.StatusCreated, doJSON(r, http.MethodPost, "/api/v1/projects", alice,
		CreateProjectRequest{ID: "P1", Name: "Bay"}).Code)

	w := doJSON(r, http.MethodPost, "/api/v1/records", alice, sampleSubmission("P1"))
	require.Equal(t, http.StatusCreated, w.Code)
	record := decode[store.MRVRecord](t, w)

	w = doJSON(r, http.MethodPost, "/api/v1/records/"+strconv.FormatUint(record.ID, 10)+"/verify", admin, VerifyRequest{Status: store.StatusVerified})
	assert.Equal(t, http.StatusOK, w.Code, "admin holds every role after bootstrap")

	w = doJSON(r, http.MethodPost, "/api/v1/records/"+strconv.FormatUint(record.ID, 10)+"/verify", verifier, VerifyRequest{Status: store.StatusRejected})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = doJSON(r, http.MethodPost, "/api/v1/records/abc/verify", verifier, VerifyRequest{Status: store.StatusRejected})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/api/v1/credits/issue", alice, IssueCreditsRequest{
		RecordID: record.ID, Recipient: alice, Amount: 200, VintageYear: 2025, SerialNumber: "S-1",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(r, http.MethodPost, "/api/v1/credits/issue", minter, IssueCreditsRequest{
		RecordID: record.ID, Recipient: alice, Amount: 200, VintageYear: 2025, SerialNumber: "S-1",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(r, http.MethodPost, "/api/v1/credits/transfers", alice, TransferRequest{To: bob, Amount: 50})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodPost, "/api/v1/credits/retirements", alice, RetireRequest{Amount: 500, Reason: "offset"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ReasonInsufficientBalance, decode[errorBody](t, w).Reason)

	w = doJSON(r, http.MethodPost, "/api/v1/credits/retirements", alice, RetireRequest{Amount: 30, Reason: "offset"})
	require.Equal(t, http.StatusCreated, w.Code)
	retirement := decode[store.Retirement](t, w)

	w = doJSON(r, http.MethodGet, "/api/v1/accounts/alice/balance", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	balance := decode[struct {
		Balance int64 `json:"balance"`
	}](t, w)
	assert.Equal(t, int64(120), balance.Balance)

	w = doJSON(r, http.MethodGet, "/api/v1/credits/supply", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	supply := decode[store.Supply](t, w)
	assert.Equal(t, int64(200), supply.TotalIssued)
	assert.Equal(t, int64(30), supply.TotalRetired)
	assert.Equal(t, int64(170), supply.TotalOutstanding)

	w = doJSON(r, http.MethodGet, "/api/v1/exports/retirements/"+retirement.ID.String()+"/certificate", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, contentTypePDF, w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("%PDF-")))

	w = doJSON(r, http.MethodGet, "/api/v1/exports/projects/P1/ledger", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, contentTypeXLSX, w.Header().Get("Content-Type"))

	w = doJSON(r, http.MethodGet, "/api/v1/exports/projects/P1/records", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Body.String(), "id,project_id"))

	w = doJSON(r, http.MethodGet, "/api/v1/exports/projects/P1/sites", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"FeatureCollection"`)

	w = doJSON(r, http.MethodGet, "/api/v1/projects/P1/credit-stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total_active":170`)
}

func TestHandler_PauseAndRoles(t *testing.T) {
	r, _ := setupRouter(t, nil)

	w := doJSON(r, http.MethodPut, "/api/v1/system/pause", alice, gin.H{"paused": true})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(r, http.MethodPut, "/api/v1/system/pause", admin, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPut, "/api/v1/system/pause", admin, gin.H{"paused": true})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodPost, "/api/v1/projects", alice, CreateProjectRequest{ID: "P1", Name: "Bay"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, KindSystemPaused, decode[errorBody](t, w).Kind)

	w = doJSON(r, http.MethodGet, "/api/v1/system/pause", "", nil)
	assert.JSONEq(t, `{"paused":true}`, w.Body.String())

	require.Equal(t, http.StatusOK, doJSON(r, http.MethodPut, "/api/v1/system/pause", admin, gin.H{"paused": false}).Code)

	w = doJSON(r, http.MethodPost, "/api/v1/roles/Verifier/members", admin, gin.H{"identity": "carol"})
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(r, http.MethodGet, "/api/v1/roles/Verifier/members", "", nil)
	assert.Contains(t, w.Body.String(), "carol")
	w = doJSON(r, http.MethodDelete, "/api/v1/roles/Verifier/members/carol", admin, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = doJSON(r, http.MethodGet, "/api/v1/roles/Auditor/members", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ListEvents(t *testing.T) {
	r, svc := setupRouter(t, nil)
	require.Equal(t, http.StatusCreated, doJSON(r, http.MethodPost, "/api/v1/projects", alice,
		CreateProjectRequest{ID: "P1", Name: "Bay"}).Code)

	w := doJSON(r, http.MethodGet, "/api/v1/events?limit=2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Events []events.Event `json:"events"`
		Count  int            `json:"count"`
		Head   string         `json:"head"`
	}](t, w)
	assert.Equal(t, 2, body.Count)
	all := allEvents(t, svc)
	assert.Equal(t, all[len(all)-1].Hash, body.Head)

	total := len(all)
	w = doJSON(r, http.MethodGet, "/api/v1/events?after="+strconv.Itoa(total-1), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	last := decode[struct {
		Events []events.Event `json:"events"`
	}](t, w)
	require.Len(t, last.Events, 1)
	assert.Equal(t, events.ProjectCreated, last.Events[0].Type)
}

func TestHandler_EventStream(t *testing.T) {
	stream := websocket.NewManager(zap.NewNop(), nil)
	t.Cleanup(stream.Close)
	r, _ := setupRouter(t, stream)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events/stream?project_id=P1"
	client, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	require.Eventually(t, func() bool { return stream.GetConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	resp := doJSON(r, http.MethodPost, "/api/v1/projects", alice, CreateProjectRequest{ID: "P1", Name: "Bay"})
	require.Equal(t, http.StatusCreated, resp.Code)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg websocket.Message
	require.NoError(t, client.ReadJSON(&msg))
	require.NotNil(t, msg.Event)
	assert.Equal(t, events.ProjectCreated, msg.Event.Type)
	assert.Equal(t, "P1", msg.Event.ProjectID)
}

func TestHandler_BatchOperations(t *testing.T) {
	r, svc := setupRouter(t, nil)
	mustCreateProject(t, svc, alice, "P1")
	rec := mustVerifiedRecord(t, svc, "P1", 1000)
	mustIssue(t, svc, rec.ID, alice, 100, "S-1")

	w := doJSON(r, http.MethodPost, "/api/v1/credits/transfers/batch", alice, gin.H{
		"transfers": []TransferRequest{{To: bob, Amount: 10}, {To: "carol", Amount: 500}},
	})
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	assert.Equal(t, ReasonInsufficientBalance, decode[errorBody](t, w).Reason)

	w = doJSON(r, http.MethodPost, "/api/v1/credits/transfers/batch", alice, gin.H{
		"transfers": []TransferRequest{{To: bob, Amount: 10}, {To: "carol", Amount: 20}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 2, decode[struct {
		Count int `json:"count"`
	}](t, w).Count)

	w = doJSON(r, http.MethodPost, "/api/v1/credits/transfers/batch", alice, gin.H{"transfers": []TransferRequest{}})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ReasonEmptyBatch, decode[errorBody](t, w).Reason)

	w = doJSON(r, http.MethodPost, "/api/v1/credits/retirements/batch", alice, gin.H{
		"retirements": []RetireRequest{{Amount: 30, Reason: "scope 1"}, {Amount: 40, Reason: "scope 3"}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	balance, err := svc.BalanceOf(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
	assertConserved(t, svc)
}

func TestHandler_VintageQueries(t *testing.T) {
	r, svc := setupRouter(t, nil)
	mustCreateProject(t, svc, alice, "P1")
	old := issueVintage(t, svc, "P1", alice, 100, 2023, "S-2023")
	issueVintage(t, svc, "P1", alice, 40, 2025, "S-2025")

	type holdingsBody struct {
		Holdings []store.Holding `json:"holdings"`
		Count    int             `json:"count"`
	}
	w := doJSON(r, http.MethodGet, "/api/v1/accounts/alice/holdings", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[holdingsBody](t, w).Count)

	w = doJSON(r, http.MethodGet, "/api/v1/accounts/alice/holdings?vintage=2023", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	holdings := decode[holdingsBody](t, w)
	require.Len(t, holdings.Holdings, 1)
	assert.Equal(t, old.ID, holdings.Holdings[0].BatchID)

	w = doJSON(r, http.MethodGet, "/api/v1/accounts/alice/holdings?vintage=last", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	type batchesBody struct {
		Batches []store.CreditBatch `json:"batches"`
		Count   int                 `json:"count"`
	}
	w = doJSON(r, http.MethodGet, "/api/v1/credits/batches?vintage=2025", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	byVintage := decode[batchesBody](t, w)
	require.Len(t, byVintage.Batches, 1)
	assert.Equal(t, "S-2025", byVintage.Batches[0].SerialNumber)

	w = doJSON(r, http.MethodGet, "/api/v1/credits/batches", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodGet, "/api/v1/accounts/alice/batches", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[batchesBody](t, w).Count)
	w = doJSON(r, http.MethodGet, "/api/v1/accounts/bob/batches", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, decode[batchesBody](t, w).Count)
}

func TestHandler_VerifyDocumentHash(t *testing.T) {
	r, svc := setupRouter(t, nil)
	mustCreateProject(t, svc, alice, "P1")
	mustVerifiedRecord(t, svc, "P1", 1000)

	w := doJSON(r, http.MethodGet, "/api/v1/mrv/by-hash/bafy-data", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[DocumentVerification](t, w)
	assert.True(t, res.Verified)
	assert.Len(t, res.Records, 1)

	w = doJSON(r, http.MethodGet, "/api/v1/mrv/by-hash/bafy-other", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[DocumentVerification](t, w).Verified)
}

func TestHandler_ExportProjectBatches(t *testing.T) {
	r, svc := setupRouter(t, nil)
	mustCreateProject(t, svc, alice, "P1")
	rec := mustVerifiedRecord(t, svc, "P1", 1000)
	mustIssue(t, svc, rec.ID, alice, 100, "S-1")

	w := doJSON(r, http.MethodGet, "/api/v1/exports/projects/P1/batches", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Body.String(), "id,record_id,serial_number"))
	assert.Contains(t, w.Body.String(), "S-1")
	_, params, err := mime.ParseMediaType(w.Header().Get("Content-Disposition"))
	require.NoError(t, err)
	assert.Equal(t, "P1-batches.csv", params["filename"])
}

func TestAttachment_QuotesFilename(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []string{
		`plain.csv`,
		`say "hi".csv`,
		`semi;colon.pdf`,
		"evil\r\nSet-Cookie: x=1.csv",
	}
	for _, name := range tests {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		attachment(c, name)
		header := w.Header().Get("Content-Disposition")
		assert.NotContains(t, header, "\n", name)
		assert.NotContains(t, header, "\r", name)
		disposition, params, err := mime.ParseMediaType(header)
		require.NoError(t, err, name)
		assert.Equal(t, "attachment", disposition)
		assert.Equal(t, name, params["filename"])
		assert.Empty(t, w.Header().Get("Set-Cookie"))
	}
}
