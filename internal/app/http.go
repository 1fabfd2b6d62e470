package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tpwrules/labelous/internal/store"
)

// maxDocumentBytes caps inbound edit documents; reconciliation work is
// bounded by document size, so the boundary enforces the bound.
const maxDocumentBytes = 4 << 20

// maxImageBytes caps inbound image uploads.
const maxImageBytes = 32 << 20

const sessionCookie = "labelous_session"

type HTTPServer struct {
	service *Service
}

func NewHTTPServer(service *Service) *HTTPServer {
	return &HTTPServer{service: service}
}

func (s *HTTPServer) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.service.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleSignUp(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleSignIn(w, r)
		return
	}

	// Everything past this point needs a session.
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signout" {
		if token := sessionToken(r); token != "" {
			_ = s.service.SignOut(r.Context(), token)
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/tool/annotations/update" {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDocumentBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_DOCUMENT", "Bad document.", nil)
			return
		}
		outcome, err := s.service.SubmitDocument(r.Context(), user, body)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		if outcome == SubmitStale {
			// Expected concurrency outcome, not an error; the tool just
			// re-reads and retries.
			writeJSON(w, http.StatusOK, map[string]any{"ok": false, "stale": true})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/tool/annotations/view/") {
		name := strings.TrimPrefix(r.URL.Path, "/tool/annotations/view/")
		s.serveDocument(w, r, user, name, false)
		return
	}

	if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/tool/annotations/") {
		name := strings.TrimPrefix(r.URL.Path, "/tool/annotations/")
		s.serveDocument(w, r, user, name, true)
		return
	}

	if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/tool/images/") {
		name := strings.TrimPrefix(r.URL.Path, "/tool/images/")
		path, err := s.service.ImagePath(r.Context(), user, name)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		http.ServeFile(w, r, path)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/annotations" {
		items, err := s.service.ListAnnotations(r.Context(), user)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(items))
		for _, item := range items {
			payload = append(payload, map[string]any{
				"id":           item.ID,
				"imageId":      item.ImageID,
				"locked":       item.Locked,
				"finished":     item.Finished,
				"score":        item.Score,
				"lastEditTime": item.LastEditTime,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"annotations": payload})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/annotations/claim" {
		anno, img, err := s.service.ClaimNextImage(r.Context(), user)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		if anno == nil {
			// Nothing left to claim; not an error.
			writeJSON(w, http.StatusOK, map[string]any{"claimed": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"claimed":      true,
			"annotationId": anno.ID,
			"imageId":      img.ID,
		})
		return
	}

	if strings.HasPrefix(r.URL.Path, "/api/annotations/") {
		rest := strings.TrimPrefix(r.URL.Path, "/api/annotations/")
		parts := strings.Split(rest, "/")
		annoID, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Does not exist.", nil)
			return
		}

		if r.Method == http.MethodDelete && len(parts) == 1 {
			s.runLifecycle(w, r, s.service.DeleteAnnotation, user, annoID)
			return
		}
		if r.Method == http.MethodPost && len(parts) == 2 {
			switch parts[1] {
			case "review":
				s.runLifecycle(w, r, s.service.SubmitForReview, user, annoID)
				return
			case "withdraw":
				s.runLifecycle(w, r, s.service.WithdrawReview, user, annoID)
				return
			case "accept":
				s.runLifecycle(w, r, s.service.AcceptAnnotation, user, annoID)
				return
			case "reject":
				s.runLifecycle(w, r, s.service.RejectAnnotation, user, annoID)
				return
			}
		}
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/images" {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImageBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_IMAGE", "Image too large.", nil)
			return
		}
		img, err := s.service.UploadImage(r.Context(), user, data)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"imageId": img.ID,
			"width":   img.Width,
			"height":  img.Height,
		})
		return
	}

	if strings.HasPrefix(r.URL.Path, "/api/images/") {
		rest := strings.TrimPrefix(r.URL.Path, "/api/images/")
		parts := strings.Split(rest, "/")
		imageID, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Does not exist.", nil)
			return
		}

		if r.Method == http.MethodDelete && len(parts) == 1 {
			s.runLifecycle(w, r, s.service.DeleteImage, user, imageID)
			return
		}
		if r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "accept" {
			s.runLifecycle(w, r, s.service.AcceptImage, user, imageID)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Does not exist.", nil)
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Bad request body.", nil)
		return
	}
	id, err := s.service.SignUp(r.Context(), input.Email, input.Password, input.DisplayName)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"userId": id})
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Bad request body.", nil)
		return
	}
	token, user, err := s.service.SignIn(r.Context(), input.Email, input.Password)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"token":       token,
		"userId":      user.ID,
		"displayName": user.DisplayName,
		"reviewer":    user.Reviewer,
	})
}

func (s *HTTPServer) serveDocument(w http.ResponseWriter, r *http.Request, user store.User, name string, forEdit bool) {
	doc, err := s.service.AnnotationDocument(r.Context(), user, name, forEdit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

func (s *HTTPServer) runLifecycle(w http.ResponseWriter, r *http.Request, action func(context.Context, store.User, int64) error, user store.User, id int64) {
	if err := action(r.Context(), user, id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) requireUser(w http.ResponseWriter, r *http.Request) (store.User, bool) {
	token := sessionToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Sign in required.", nil)
		return store.User{}, false
	}
	user, err := s.service.UserFromToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Sign in required.", nil)
		return store.User{}, false
	}
	return user, true
}

// sessionToken pulls the session token from the cookie the browser
// sends or the Authorization header API callers use. The tool can only
// send cookies.
func sessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func (s *HTTPServer) writeDomainError(w http.ResponseWriter, err error) {
	var domain *DomainError
	if errors.As(err, &domain) {
		writeError(w, domain.Status, domain.Code, domain.Message, domain.Details)
		return
	}
	log.Printf("internal error: %v", err)
	writeError(w, http.StatusInternalServerError, "INTERNAL", "Internal error.", nil)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}
