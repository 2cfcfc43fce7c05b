package main

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/KamonLeigh/BeeRich/pkg/attachments"
	"github.com/KamonLeigh/BeeRich/pkg/events"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// helper to perform requests with auth token
func performRequest(r http.Handler, method, path string, body io.Reader, token string, contentType string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func setupTestServer(t *testing.T) (*gin.Engine, *server) {
	// integration tests are opt-in. Set DB_DSN_TEST=1 and DB_DSN to run them.
	if os.Getenv("DB_DSN_TEST") != "1" {
		t.Skip("integration tests are disabled; set DB_DSN_TEST=1 to enable")
	}
	gin.SetMode(gin.TestMode)
	jwtSecret = []byte("test-secret")
	_ = os.Setenv("ATTACHMENTS_DIR", t.TempDir())
	initDB()
	store, err := attachments.NewStore(attachmentsDir())
	if err != nil {
		t.Fatalf("attachment store: %v", err)
	}
	srv := &server{hub: events.NewEmitter(), store: store}
	r := gin.Default()
	setupRoutes(r, srv)
	return r, srv
}

func login(t *testing.T, r http.Handler, username, password string) string {
	t.Helper()
	regBody, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp := performRequest(r, http.MethodPost, "/register", bytes.NewBuffer(regBody), "", "application/json")
	if resp.Code != 200 && resp.Code != 409 {
		t.Fatalf("register failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	resp = performRequest(r, http.MethodPost, "/login", bytes.NewBuffer(regBody), "", "application/json")
	if resp.Code != 200 {
		t.Fatalf("login failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var loginResp map[string]any
	_ = json.Unmarshal(resp.Body.Bytes(), &loginResp)
	token, _ := loginResp["token"].(string)
	if token == "" {
		t.Fatalf("empty token in login response: %+v", loginResp)
	}
	return token
}

type recordResp struct {
	ID              string
	UserID          uint
	Kind            string
	Title           string
	Description     string
	Amount          decimal.Decimal
	CurrencyCode    string
	Attachment      string
	FormattedAmount string
}

func TestRecordFlow(t *testing.T) {
	r, srv := setupTestServer(t)
	token := login(t, r, "flowuser", "passw0rd")

	// 1. Create an expense with an attachment (multipart)
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	_ = mw.WriteField("title", "Dinner")
	_ = mw.WriteField("description", "")
	_ = mw.WriteField("amount", "42.50")
	w, _ := mw.CreateFormFile("attachment", "receipt.txt")
	_, _ = w.Write([]byte("RECEIPT CONTENT"))
	_ = mw.Close()
	resp := performRequest(r, http.MethodPost, "/dashboard/expenses", buf, token, mw.FormDataContentType())
	if resp.Code != 200 {
		t.Fatalf("create failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var created recordResp
	_ = json.Unmarshal(resp.Body.Bytes(), &created)
	if created.ID == "" {
		t.Fatalf("create response has no id: %s", resp.Body.String())
	}
	if created.Attachment == "" {
		t.Fatalf("create response has no attachment ref: %s", resp.Body.String())
	}
	if created.CurrencyCode != "USD" {
		t.Fatalf("expected default currency USD, got %q", created.CurrencyCode)
	}
	if created.FormattedAmount != "$42.50" {
		t.Fatalf("expected formatted amount $42.50, got %q", created.FormattedAmount)
	}

	// 2. Search by title fragment finds it
	resp = performRequest(r, http.MethodGet, "/dashboard/expenses?q=Din", nil, token, "")
	if resp.Code != 200 {
		t.Fatalf("list failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var listResp struct {
		Count   int64
		Records []recordResp
	}
	_ = json.Unmarshal(resp.Body.Bytes(), &listResp)
	found := false
	for _, rec := range listResp.Records {
		if rec.ID == created.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("created record missing from q=Din search: %s", resp.Body.String())
	}

	// 3. A change notification fires on mutation
	notified := 0
	sub := srv.hub.Subscribe(ownerKey(created.UserID), func() { notified++ })
	defer srv.hub.Unsubscribe(sub)

	// 4. Update the amount
	form := url.Values{"intent": {"update"}, "title": {"Dinner"}, "description": {"team dinner"}, "amount": {"50.00"}}
	resp = performRequest(r, http.MethodPost, "/dashboard/expenses/"+created.ID, strings.NewReader(form.Encode()), token, "application/x-www-form-urlencoded")
	if resp.Code != 200 {
		t.Fatalf("update failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	if notified != 1 {
		t.Fatalf("expected 1 change notification after update, got %d", notified)
	}

	// 5. Detail shows the new amount and the mutation history
	resp = performRequest(r, http.MethodGet, "/dashboard/expenses/"+created.ID, nil, token, "")
	if resp.Code != 200 {
		t.Fatalf("detail failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var detail struct {
		Record recordResp
		Logs   []struct{ Action string }
	}
	_ = json.Unmarshal(resp.Body.Bytes(), &detail)
	if !detail.Record.Amount.Equal(decimal.RequireFromString("50.00")) {
		t.Fatalf("amount after update = %s", detail.Record.Amount)
	}
	if len(detail.Logs) < 2 || detail.Logs[0].Action != "updated" {
		t.Fatalf("unexpected mutation history: %+v", detail.Logs)
	}

	// 6. Attachment download, then conditional re-request
	attachmentPath := "/dashboard/expenses/" + created.ID + "/attachments/" + created.Attachment
	resp = performRequest(r, http.MethodGet, attachmentPath, nil, token, "")
	if resp.Code != 200 {
		t.Fatalf("attachment get failed status=%d", resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Fatalf("attachment content type = %q", ct)
	}
	if cd := resp.Header().Get("Content-Disposition"); !strings.Contains(cd, created.Attachment) {
		t.Fatalf("content disposition = %q", cd)
	}
	if resp.Body.String() != "RECEIPT CONTENT" {
		t.Fatalf("attachment body mismatch: %q", resp.Body.String())
	}

	req, _ := http.NewRequest(http.MethodGet, attachmentPath, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("If-None-Match", created.Attachment)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotModified {
		t.Fatalf("expected 304 for matching validator, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("304 response must have no body, got %q", rec.Body.String())
	}

	// 7. Requesting a stale attachment name redirects to the canonical URL
	resp = performRequest(r, http.MethodGet, "/dashboard/expenses/"+created.ID+"/attachments/old-name.txt", nil, token, "")
	if resp.Code != http.StatusFound {
		t.Fatalf("expected redirect for stale name, got %d", resp.Code)
	}
	if loc := resp.Header().Get("Location"); !strings.Contains(loc, created.Attachment) {
		t.Fatalf("redirect location = %q", loc)
	}

	// 8. Another user can neither see nor mutate the record
	otherToken := login(t, r, "flowother", "passw0rd")
	resp = performRequest(r, http.MethodGet, "/dashboard/expenses/"+created.ID, nil, otherToken, "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("cross-owner read must 404, got %d", resp.Code)
	}
	resp = performRequest(r, http.MethodPost, "/dashboard/expenses/"+created.ID, strings.NewReader(form.Encode()), otherToken, "application/x-www-form-urlencoded")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("cross-owner update must 404, got %d", resp.Code)
	}

	// 9. Unknown intent is a bad request
	badForm := url.Values{"intent": {"explode"}}
	resp = performRequest(r, http.MethodPost, "/dashboard/expenses/"+created.ID, strings.NewReader(badForm.Encode()), token, "application/x-www-form-urlencoded")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("unknown intent must 400, got %d", resp.Code)
	}

	// 10. Non-numeric amount is rejected without mutating
	invalid := url.Values{"intent": {"update"}, "title": {"Dinner"}, "description": {"d"}, "amount": {"not-a-number"}}
	resp = performRequest(r, http.MethodPost, "/dashboard/expenses/"+created.ID, strings.NewReader(invalid.Encode()), token, "application/x-www-form-urlencoded")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("invalid amount must 400, got %d", resp.Code)
	}
	resp = performRequest(r, http.MethodGet, "/dashboard/expenses/"+created.ID, nil, token, "")
	_ = json.Unmarshal(resp.Body.Bytes(), &detail)
	if !detail.Record.Amount.Equal(decimal.RequireFromString("50.00")) {
		t.Fatalf("failed validation must not mutate, amount = %s", detail.Record.Amount)
	}

	// 11. Delete redirects away and cascades to the attachment blob
	storedPath := filepath.Join(attachmentsDir(), created.Attachment)
	if _, err := os.Stat(storedPath); err != nil {
		t.Fatalf("stored blob missing before delete: %v", err)
	}
	delForm := url.Values{"intent": {"delete"}}
	resp = performRequest(r, http.MethodPost, "/dashboard/expenses/"+created.ID, strings.NewReader(delForm.Encode()), token, "application/x-www-form-urlencoded")
	if resp.Code != http.StatusFound {
		t.Fatalf("delete must redirect, got %d body=%s", resp.Code, resp.Body.String())
	}
	if loc := resp.Header().Get("Location"); loc != "/dashboard/expenses" {
		t.Fatalf("delete redirect location = %q", loc)
	}
	resp = performRequest(r, http.MethodGet, "/dashboard/expenses/"+created.ID, nil, token, "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("deleted record must 404, got %d", resp.Code)
	}
	if _, err := os.Stat(storedPath); !os.IsNotExist(err) {
		t.Fatalf("attachment blob still present after delete: %v", err)
	}
}

func TestRemoveAttachmentIntent(t *testing.T) {
	r, _ := setupTestServer(t)
	token := login(t, r, "attachuser", "passw0rd")

	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	_ = mw.WriteField("title", "Taxi")
	_ = mw.WriteField("description", "")
	_ = mw.WriteField("amount", "12.00")
	w, _ := mw.CreateFormFile("attachment", "taxi.txt")
	_, _ = w.Write([]byte("RIDE"))
	_ = mw.Close()
	resp := performRequest(r, http.MethodPost, "/dashboard/expenses", buf, token, mw.FormDataContentType())
	if resp.Code != 200 {
		t.Fatalf("create failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var created recordResp
	_ = json.Unmarshal(resp.Body.Bytes(), &created)

	// missing attachmentUrl is a validation error
	form := url.Values{"intent": {"remove-attachment"}}
	resp = performRequest(r, http.MethodPost, "/dashboard/expenses/"+created.ID, strings.NewReader(form.Encode()), token, "application/x-www-form-urlencoded")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("missing attachmentUrl must 400, got %d", resp.Code)
	}

	form.Set("attachmentUrl", "/dashboard/expenses/"+created.ID+"/attachments/"+created.Attachment)
	resp = performRequest(r, http.MethodPost, "/dashboard/expenses/"+created.ID, strings.NewReader(form.Encode()), token, "application/x-www-form-urlencoded")
	if resp.Code != 200 {
		t.Fatalf("remove-attachment failed status=%d body=%s", resp.Code, resp.Body.String())
	}

	resp = performRequest(r, http.MethodGet, "/dashboard/expenses/"+created.ID, nil, token, "")
	var detail struct{ Record recordResp }
	_ = json.Unmarshal(resp.Body.Bytes(), &detail)
	if detail.Record.Attachment != "" {
		t.Fatalf("attachment ref not cleared: %q", detail.Record.Attachment)
	}
	if _, err := os.Stat(filepath.Join(attachmentsDir(), created.Attachment)); !os.IsNotExist(err) {
		t.Fatalf("blob still present after remove-attachment: %v", err)
	}
}

func TestIncomeAndExpenseAreSeparateCollections(t *testing.T) {
	r, _ := setupTestServer(t)
	token := login(t, r, "kinduser", "passw0rd")

	form := url.Values{"title": {"Salary"}, "description": {""}, "amount": {"1000"}}
	resp := performRequest(r, http.MethodPost, "/dashboard/income", strings.NewReader(form.Encode()), token, "application/x-www-form-urlencoded")
	if resp.Code != 200 {
		t.Fatalf("create income failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var created recordResp
	_ = json.Unmarshal(resp.Body.Bytes(), &created)

	// the income entry is not reachable through the expenses collection
	resp = performRequest(r, http.MethodGet, "/dashboard/expenses/"+created.ID, nil, token, "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("income record leaked into expenses, got %d", resp.Code)
	}
	resp = performRequest(r, http.MethodGet, "/dashboard/income/"+created.ID, nil, token, "")
	if resp.Code != 200 {
		t.Fatalf("income detail failed status=%d", resp.Code)
	}

	// unknown collections do not exist
	resp = performRequest(r, http.MethodGet, "/dashboard/savings", nil, token, "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("unknown kind must 404, got %d", resp.Code)
	}
}

func TestUnauthenticatedAccess(t *testing.T) {
	r, _ := setupTestServer(t)

	resp := performRequest(r, http.MethodGet, "/dashboard/expenses", nil, "", "")
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unauthenticated list, got %d", resp.Code)
	}

	// browsers get sent to the login page instead
	req, _ := http.NewRequest(http.MethodGet, "/dashboard/expenses", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/login" {
		t.Fatalf("expected redirect to /login, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestMigrateCommand(t *testing.T) {
	if os.Getenv("DB_DSN_TEST") != "1" {
		t.Skip("integration tests are disabled; set DB_DSN_TEST=1 to enable")
	}
	initDB()
}
