package orchestrator

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/pagepack/builder"
	"github.com/hazyhaar/pagepack/history"
	"github.com/hazyhaar/pagepack/horosafe"
	"github.com/hazyhaar/pagepack/session"
	"github.com/hazyhaar/pagepack/shield"
)

// Routes returns the HTTP API:
//
//	POST /build           run a build (409 while another one runs)
//	GET  /inspect?url=    list a page's resources
//	GET  /types           registered resource types
//	GET  /stages          stages in run order and build state
//	GET  /history         recent builds (when a history store is attached)
//	GET  /history/{id}    one build with its artifacts
func (o *Orchestrator) Routes() chi.Router {
	eps := o.endpoints()
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, mw := range shield.APIStack(o.cfg.Logger) {
		r.Use(mw)
	}

	r.Post("/build", func(w http.ResponseWriter, r *http.Request) {
		var req BuildRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			fail(w, r, http.StatusBadRequest, errors.New("invalid request body"))
			return
		}
		resp, err := eps.build(r.Context(), req)
		if err != nil {
			code := statusFor(err)
			if rep, ok := resp.(*Report); ok && rep != nil {
				logFailure(r, code, err)
				writeJSON(w, code, rep)
				return
			}
			fail(w, r, code, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Get("/inspect", func(w http.ResponseWriter, r *http.Request) {
		resp, err := eps.inspect(r.Context(), InspectRequest{URL: r.URL.Query().Get("url")})
		if err != nil {
			fail(w, r, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Get("/types", func(w http.ResponseWriter, r *http.Request) {
		resp, _ := eps.types(r.Context(), nil)
		writeJSON(w, http.StatusOK, resp)
	})

	r.Get("/stages", func(w http.ResponseWriter, r *http.Request) {
		resp, _ := eps.stages(r.Context(), nil)
		writeJSON(w, http.StatusOK, resp)
	})

	if o.History() != nil {
		r.Get("/history", func(w http.ResponseWriter, r *http.Request) {
			limit := 20
			if v := r.URL.Query().Get("limit"); v != "" {
				if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
					limit = n
				}
			}
			resp, err := eps.history(r.Context(), HistoryRequest{Limit: limit})
			if err != nil {
				fail(w, r, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		})
		r.Get("/history/{id}", func(w http.ResponseWriter, r *http.Request) {
			resp, err := eps.history(r.Context(), HistoryRequest{ID: chi.URLParam(r, "id")})
			if err != nil {
				fail(w, r, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		})
	}

	return r
}

func statusFor(err error) int {
	var ple *session.PageLoadError
	var se *builder.StageError
	switch {
	case errors.Is(err, ErrBuildInProgress), errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, errURLRequired),
		errors.Is(err, errInvalidBuildID),
		errors.Is(err, horosafe.ErrPathTraversal),
		errors.Is(err, horosafe.ErrSSRF),
		errors.Is(err, horosafe.ErrUnsafeScheme):
		return http.StatusBadRequest
	case errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &ple), errors.As(err, &se):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// fail logs err on the request's logger and writes it as a JSON error.
func fail(w http.ResponseWriter, r *http.Request, code int, err error) {
	logFailure(r, code, err)
	writeError(w, code, err)
}

func logFailure(r *http.Request, code int, err error) {
	log := shield.GetLogger(r.Context())
	if code >= http.StatusInternalServerError {
		log.Error("orchestrator: request failed", "status", code, "error", err)
		return
	}
	log.Info("orchestrator: request rejected", "status", code, "error", err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
