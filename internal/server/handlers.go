package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/coursebuilder/internal/stage"
	"git.home.luguber.info/inful/coursebuilder/internal/update"
)

const defaultUpdateListLimit = 50

// handleHook triggers a build for the course. Flags arrive as form or
// query values; the response carries the created update so the caller
// can poll its status.
func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	c := courseFrom(r)

	opts := update.Options{
		SkipGit:      formBool(r, "skip_git"),
		SkipBuild:    formBool(r, "skip_build"),
		SkipNotify:   formBool(r, "skip_notify"),
		RebuildAll:   formBool(r, "rebuild_all"),
		BuildImage:   r.FormValue("build_image"),
		BuildCommand: r.FormValue("build_command"),
	}

	u, err := s.orch.Trigger(r.Context(), c.Key, r.RemoteAddr, opts)
	switch {
	case update.IsCourseBusy(err):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// In immediate mode the pipeline has already run; reload so the caller
	// sees the terminal status instead of the pending snapshot.
	if fresh, err := s.store.Get(r.Context(), u.ID); err == nil {
		u = fresh
	}
	s.writeSuccess(w, http.StatusAccepted, u)
}

// handlePublish promotes the stored version to the published zone.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	c := courseFrom(r)

	err := s.orch.Publish(r.Context(), c.Key)
	var pubErr *stage.PublishError
	switch {
	case errors.As(err, &pubErr):
		s.writeError(w, http.StatusConflict, pubErr.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeSuccess(w, http.StatusOK, map[string]string{"course_key": c.Key})
}

// handleCourseConfig serves the published course configuration document
// as JSON regardless of which index flavor the build produced.
func (s *Server) handleCourseConfig(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if _, ok := s.registry.Get(key); !ok {
		s.writeError(w, http.StatusNotFound, "unknown course")
		return
	}

	base := s.orch.Stager().PublishedPath(key)
	if path := filepath.Join(base, "index.json"); fileExists(path) {
		w.Header().Set("Content-Type", "application/json")
		http.ServeFile(w, r, path)
		return
	}
	if path := filepath.Join(base, "index.yaml"); fileExists(path) {
		s.serveYAMLAsJSON(w, path)
		return
	}
	s.writeError(w, http.StatusNotFound, "course has no published configuration")
}

// serveYAMLAsJSON re-encodes a published yaml index as the JSON document
// consumers expect at the well-known URL.
func (s *Server) serveYAMLAsJSON(w http.ResponseWriter, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		s.writeError(w, http.StatusInternalServerError, "published index is not parseable: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (s *Server) handleListUpdates(w http.ResponseWriter, r *http.Request) {
	c := courseFrom(r)

	limit := defaultUpdateListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	updates, err := s.store.List(r.Context(), c.Key, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeSuccess(w, http.StatusOK, updates)
}

func (s *Server) handleGetUpdate(w http.ResponseWriter, r *http.Request) {
	u, ok := s.updateForRequest(w, r)
	if !ok {
		return
	}
	s.writeSuccess(w, http.StatusOK, u)
}

// handleUpdateLog tails an update's log from the given byte offset. For
// updates running in this process it reads the live buffer; otherwise it
// serves the last persisted snapshot.
func (s *Server) handleUpdateLog(w http.ResponseWriter, r *http.Request) {
	u, ok := s.updateForRequest(w, r)
	if !ok {
		return
	}

	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	logText := u.Log
	if buf, live := s.orch.LiveLog(u.ID); live {
		logText = buf.String()
	}
	if offset > len(logText) {
		offset = len(logText)
	}

	s.writeSuccess(w, http.StatusOK, map[string]any{
		"update_id":   u.ID,
		"status":      u.Status,
		"log":         logText[offset:],
		"next_offset": len(logText),
	})
}

// updateForRequest loads the update named in the URL and verifies it
// belongs to the authenticated course.
func (s *Server) updateForRequest(w http.ResponseWriter, r *http.Request) (*update.Update, bool) {
	c := courseFrom(r)
	id := chi.URLParam(r, "id")

	u, err := s.store.Get(r.Context(), id)
	switch {
	case errors.Is(err, update.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "unknown update")
		return nil, false
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	case u.CourseKey != c.Key:
		s.writeError(w, http.StatusNotFound, "unknown update")
		return nil, false
	}
	return u, true
}

func formBool(r *http.Request, name string) bool {
	switch r.FormValue(name) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
