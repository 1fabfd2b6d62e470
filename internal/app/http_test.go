package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tpwrules/labelous/internal/auth"
	"github.com/tpwrules/labelous/internal/store"
)

func signInAs(t *testing.T, svc *Service, user store.User) string {
	t.Helper()
	token := auth.NewToken()
	if err := svc.sessions.SaveSession(context.Background(), auth.HashToken(token), user.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	return token
}

func doRequest(handler http.Handler, method, path, token string, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthNeedsNoSession(t *testing.T) {
	handler := NewHTTPServer(newTestService(newFakeStore())).Handler()
	rec := doRequest(handler, http.MethodGet, "/api/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	handler := NewHTTPServer(newTestService(newFakeStore())).Handler()
	for _, path := range []string{"/api/annotations", "/tool/annotations/i1_a2", "/api/annotations/claim"} {
		method := http.MethodGet
		if strings.HasSuffix(path, "claim") {
			method = http.MethodPost
		}
		rec := doRequest(handler, method, path, "", "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s without session = %d, want 401", path, rec.Code)
		}
	}
}

func TestSessionCookieAccepted(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	user := fs.addUser(false)
	token := signInAs(t, svc, user)
	handler := NewHTTPServer(svc).Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/annotations", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: token})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("cookie session = %d, want 200", rec.Code)
	}
}

func TestDocumentRoundTripOverHTTP(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	user := fs.addUser(false)
	img := fs.addImage(user.ID)
	anno := fs.addAnnotation(user.ID, img.ID)
	token := signInAs(t, svc, user)
	handler := NewHTTPServer(svc).Handler()

	rec := doRequest(handler, http.MethodGet, "/tool/annotations/"+annoName(anno)+".xml", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("edit read = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/xml") {
		t.Fatalf("content type = %q", ct)
	}
	served := rec.Body.String()
	if !strings.Contains(served, "c_edit_key") {
		t.Fatalf("edit document has no key: %s", served)
	}

	key := fs.annotations[anno.ID].EditKey
	rec = doRequest(handler, http.MethodPost, "/tool/annotations/update", token,
		string(submitXML(anno, key, 1, carObject)))
	if rec.Code != http.StatusOK {
		t.Fatalf("submit = %d: %s", rec.Code, rec.Body.String())
	}
	var result struct {
		OK    bool `json:"ok"`
		Stale bool `json:"stale"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("bad submit response: %v", err)
	}
	if !result.OK || result.Stale {
		t.Fatalf("submit result = %+v", result)
	}

	// Replaying the same version reports stale with status 200.
	rec = doRequest(handler, http.MethodPost, "/tool/annotations/update", token,
		string(submitXML(anno, key, 1, carObject)))
	if rec.Code != http.StatusOK {
		t.Fatalf("stale submit = %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("bad stale response: %v", err)
	}
	if result.OK || !result.Stale {
		t.Fatalf("stale result = %+v", result)
	}
}

func TestSubmitMalformedOverHTTP(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	user := fs.addUser(false)
	token := signInAs(t, svc, user)
	handler := NewHTTPServer(svc).Handler()

	rec := doRequest(handler, http.MethodPost, "/tool/annotations/update", token, "not xml at all")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed submit = %d", rec.Code)
	}
}

func TestViewRouteDoesNotRotate(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	user := fs.addUser(false)
	img := fs.addImage(user.ID)
	anno := fs.addAnnotation(user.ID, img.ID)
	token := signInAs(t, svc, user)
	handler := NewHTTPServer(svc).Handler()

	rec := doRequest(handler, http.MethodGet, "/tool/annotations/view/"+annoName(anno), token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("view read = %d", rec.Code)
	}
	if fs.annotations[anno.ID].EditKey != anno.EditKey {
		t.Fatalf("view route rotated the edit key")
	}
}

func TestClaimAndLifecycleRoutes(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	owner := fs.addUser(false)
	reviewer := fs.addUser(true)
	fs.addImage(owner.ID)
	ownerToken := signInAs(t, svc, owner)
	reviewerToken := signInAs(t, svc, reviewer)
	handler := NewHTTPServer(svc).Handler()

	rec := doRequest(handler, http.MethodPost, "/api/annotations/claim", ownerToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("claim = %d: %s", rec.Code, rec.Body.String())
	}
	var claim struct {
		Claimed      bool  `json:"claimed"`
		AnnotationID int64 `json:"annotationId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &claim); err != nil {
		t.Fatalf("bad claim response: %v", err)
	}
	if !claim.Claimed || claim.AnnotationID == 0 {
		t.Fatalf("claim result = %+v", claim)
	}
	annoPath := "/api/annotations/" + formatInt(claim.AnnotationID)

	rec = doRequest(handler, http.MethodPost, annoPath+"/review", ownerToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("review = %d: %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(handler, http.MethodPost, annoPath+"/accept", ownerToken, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("owner accept = %d, want 403", rec.Code)
	}
	rec = doRequest(handler, http.MethodPost, annoPath+"/accept", reviewerToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reviewer accept = %d: %s", rec.Code, rec.Body.String())
	}
	if !fs.annotations[claim.AnnotationID].Finished {
		t.Fatalf("annotation not finished")
	}

	// Exhausted pool answers claimed=false, still 200.
	rec = doRequest(handler, http.MethodPost, "/api/annotations/claim", ownerToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("empty claim = %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &claim); err != nil {
		t.Fatalf("bad empty claim response: %v", err)
	}
	if claim.Claimed {
		t.Fatalf("claimed from an exhausted pool")
	}
}

func TestUnknownRoute(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	user := fs.addUser(false)
	token := signInAs(t, svc, user)
	handler := NewHTTPServer(svc).Handler()

	rec := doRequest(handler, http.MethodGet, "/api/nope", token, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown route = %d", rec.Code)
	}
	rec = doRequest(handler, http.MethodDelete, "/api/annotations/notanumber", token, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("non-numeric id = %d", rec.Code)
	}
}
