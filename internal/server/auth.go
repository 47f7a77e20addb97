package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"git.home.luguber.info/inful/coursebuilder/internal/course"
)

type contextKey string

const courseContextKey contextKey = "course"

// requireCourseSecret authenticates requests against the course's webhook
// secret, presented either as a bearer token or a "secret" form/query
// value. The resolved course is placed on the request context.
func (s *Server) requireCourseSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		c, ok := s.registry.Get(key)
		if !ok {
			s.writeError(w, http.StatusNotFound, "unknown course")
			return
		}
		if !c.CheckSecret(presentedSecret(r)) {
			s.writeError(w, http.StatusUnauthorized, "invalid course secret")
			return
		}
		ctx := context.WithValue(r.Context(), courseContextKey, c)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func presentedSecret(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, found := strings.CutPrefix(auth, "Bearer "); found {
			return token
		}
	}
	return r.FormValue("secret")
}

// courseFrom returns the authenticated course from the request context.
func courseFrom(r *http.Request) *course.Course {
	c, _ := r.Context().Value(courseContextKey).(*course.Course)
	return c
}
