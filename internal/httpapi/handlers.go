package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// requester returns the identity cookie value, or "" when absent.
func requester(r *http.Request) string {
	cookie, err := r.Cookie(identityCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (s *Server) requireRequester(w http.ResponseWriter, r *http.Request) (string, bool) {
	email := requester(r)
	if email == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return "", false
	}
	return email, true
}

// --- Identity ---

type authRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		http.Error(w, "invalid email", http.StatusBadRequest)
		return
	}
	if err := s.service.Authenticate(r.Context(), email); err != nil {
		s.writeError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:   identityCookie,
		Value:  email,
		Path:   "/",
		MaxAge: 60 * 60 * 24 * 365,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:   identityCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	email := requester(r)
	if email == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	known, records, err := s.service.Me(r.Context(), email)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !known {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"email":         email,
		"history":       records,
	})
}

// --- Resources ---

type createResourceRequest struct {
	ID           string `json:"id"`
	GroupID      *int64 `json:"group_id"`
	ExternalAddr string `json:"external_addr"`
	InternalAddr string `json:"internal_addr"`
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		resources, err := s.service.List(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		groups, err := s.service.ListGroups(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"resources": resources, "groups": groups})
	case http.MethodPost:
		if _, ok := s.requireRequester(w, r); !ok {
			return
		}
		var req createResourceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
			http.Error(w, "resource id required", http.StatusBadRequest)
			return
		}
		res, err := s.service.CreateResource(r.Context(), req.ID, req.GroupID, req.ExternalAddr, req.InternalAddr)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type hoursRequest struct {
	Hours int `json:"hours"`
}

type editResourceRequest struct {
	ExternalAddr *string `json:"external_addr"`
	InternalAddr *string `json:"internal_addr"`
}

// handleResourceByID routes /resources/{id} and /resources/{id}/{action}.
func (s *Server) handleResourceByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/resources/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "resource id required", http.StatusBadRequest)
		return
	}
	id := parts[0]
	action := strings.Join(parts[1:], "/")

	switch {
	case action == "" && r.Method == http.MethodGet:
		res, err := s.service.Get(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case action == "book" && r.Method == http.MethodPost:
		s.bookResource(w, r, id)
	case action == "renew" && r.Method == http.MethodPost:
		s.renewResource(w, r, id)
	case action == "cancel" && r.Method == http.MethodPost:
		s.cancelLease(w, r, id)
	case action == "queue/join" && r.Method == http.MethodPost:
		s.joinQueue(w, r, id)
	case action == "queue/leave" && r.Method == http.MethodPost:
		s.leaveQueue(w, r, id)
	case action == "edit" && r.Method == http.MethodPost:
		s.editResource(w, r, id)
	case action == "ungroup" && r.Method == http.MethodPost:
		s.ungroupResource(w, r, id)
	case action == "delete" && r.Method == http.MethodPost:
		s.deleteResource(w, r, id)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) bookResource(w http.ResponseWriter, r *http.Request, id string) {
	email, ok := s.requireRequester(w, r)
	if !ok {
		return
	}
	req := hoursRequest{Hours: 24}
	json.NewDecoder(r.Body).Decode(&req)
	res, err := s.service.Book(r.Context(), id, email, req.Hours)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) renewResource(w http.ResponseWriter, r *http.Request, id string) {
	email, ok := s.requireRequester(w, r)
	if !ok {
		return
	}
	req := hoursRequest{Hours: 24}
	json.NewDecoder(r.Body).Decode(&req)
	res, err := s.service.Renew(r.Context(), id, email, req.Hours)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) cancelLease(w http.ResponseWriter, r *http.Request, id string) {
	email, ok := s.requireRequester(w, r)
	if !ok {
		return
	}
	if err := s.service.Cancel(r.Context(), id, email); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) joinQueue(w http.ResponseWriter, r *http.Request, id string) {
	email, ok := s.requireRequester(w, r)
	if !ok {
		return
	}
	result, err := s.service.Join(r.Context(), id, email)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := "ok"
	if result.AlreadyQueued {
		status = "already_in_queue"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "position": result.Position})
}

func (s *Server) leaveQueue(w http.ResponseWriter, r *http.Request, id string) {
	email, ok := s.requireRequester(w, r)
	if !ok {
		return
	}
	if err := s.service.Leave(r.Context(), id, email); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) editResource(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := s.requireRequester(w, r); !ok {
		return
	}
	var req editResourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	res, err := s.service.UpdateAddrs(r.Context(), id, req.ExternalAddr, req.InternalAddr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) ungroupResource(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := s.requireRequester(w, r); !ok {
		return
	}
	if err := s.service.RemoveFromGroup(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) deleteResource(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := s.requireRequester(w, r); !ok {
		return
	}
	if err := s.service.DeleteResource(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Groups ---

type createGroupRequest struct {
	Name        string   `json:"name"`
	ResourceIDs []string `json:"resource_ids"`
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		groups, err := s.service.ListGroups(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, groups)
	case http.MethodPost:
		var req createGroupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
			http.Error(w, "group name required", http.StatusBadRequest)
			return
		}
		group, err := s.service.CreateGroup(r.Context(), req.Name, req.ResourceIDs)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, group)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type assignRequest struct {
	ResourceID string `json:"resource_id"`
}

// handleGroupByID routes /groups/{id}/{action}.
func (s *Server) handleGroupByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/groups/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "group id required", http.StatusBadRequest)
		return
	}
	groupID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		http.Error(w, "invalid group id", http.StatusBadRequest)
		return
	}
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "delete" && r.Method == http.MethodPost:
		if err := s.service.DeleteGroup(r.Context(), groupID); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case action == "assign" && r.Method == http.MethodPost:
		var req assignRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ResourceID == "" {
			http.Error(w, "resource_id required", http.StatusBadRequest)
			return
		}
		if err := s.service.AssignToGroup(r.Context(), groupID, req.ResourceID); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// --- Events ---

// handleEvents streams notifications as server-sent events. The hub drops
// events for slow consumers rather than blocking the engine.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	events, cancel := s.hub.Subscribe()
	defer cancel()

	email := requester(r)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			// Targeted events are delivered only to their addressee.
			if ev.Target != "" && ev.Target != email {
				continue
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, payload)
			flusher.Flush()
		}
	}
}
