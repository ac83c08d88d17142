package myquery

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/autom8ter/myquery/errors"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cast"
)

type findResponse struct {
	Documents Documents `json:"documents"`
	Info      ExecInfo  `json:"info"`
}

type parameterRequest struct {
	Value any `json:"value"`
}

// newHandler builds the diagnostic api
// GET    /plancache?collection={}
// DELETE /collections/{collection}/plancache (optional query body clears one shape)
// POST   /collections/{collection}/find|count|explain|aggregate
// GET    /collections/{collection}/indexes, POST to create, DELETE /collections/{collection}/indexes/{name}
// GET    /ops, DELETE /ops/{id}
// GET    /parameters, PUT /parameters/{name}
// GET    /metrics
func (d *DB) newHandler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/plancache", func(w http.ResponseWriter, r *http.Request) {
		d.writeJSON(w, r, d.cache.Stats(r.URL.Query().Get("collection")))
	}).Methods(http.MethodGet)

	router.HandleFunc("/collections/{collection}/plancache", func(w http.ResponseWriter, r *http.Request) {
		c := d.Collection(mux.Vars(r)["collection"])
		if r.ContentLength > 0 {
			var q Query
			if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
				d.writeError(w, r, errors.Wrap(err, errors.Validation, "failed to decode query"))
				return
			}
			removed, err := c.ClearPlanCacheShape(r.Context(), q)
			if err != nil {
				d.writeError(w, r, err)
				return
			}
			d.writeJSON(w, r, map[string]any{"removed": removed})
			return
		}
		d.writeJSON(w, r, map[string]any{"removed": c.ClearPlanCache(r.Context())})
	}).Methods(http.MethodDelete)

	router.HandleFunc("/collections/{collection}/find", func(w http.ResponseWriter, r *http.Request) {
		var q Query
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			d.writeError(w, r, errors.Wrap(err, errors.Validation, "failed to decode query"))
			return
		}
		cursor, err := d.Collection(mux.Vars(r)["collection"]).Cursor(r.Context(), q)
		if err != nil {
			d.writeError(w, r, err)
			return
		}
		docs, err := cursor.All(r.Context())
		if err != nil {
			d.writeError(w, r, err)
			return
		}
		d.writeJSON(w, r, findResponse{Documents: docs, Info: cursor.Info()})
	}).Methods(http.MethodPost)

	router.HandleFunc("/collections/{collection}/count", func(w http.ResponseWriter, r *http.Request) {
		var q Query
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			d.writeError(w, r, errors.Wrap(err, errors.Validation, "failed to decode query"))
			return
		}
		n, err := d.Collection(mux.Vars(r)["collection"]).Count(r.Context(), q)
		if err != nil {
			d.writeError(w, r, err)
			return
		}
		d.writeJSON(w, r, map[string]any{"count": n})
	}).Methods(http.MethodPost)

	router.HandleFunc("/collections/{collection}/explain", func(w http.ResponseWriter, r *http.Request) {
		var q Query
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			d.writeError(w, r, errors.Wrap(err, errors.Validation, "failed to decode query"))
			return
		}
		explain, err := d.Collection(mux.Vars(r)["collection"]).Explain(r.Context(), q)
		if err != nil {
			d.writeError(w, r, err)
			return
		}
		d.writeJSON(w, r, explain)
	}).Methods(http.MethodPost)

	router.HandleFunc("/collections/{collection}/aggregate", func(w http.ResponseWriter, r *http.Request) {
		var pipeline Pipeline
		if err := json.NewDecoder(r.Body).Decode(&pipeline); err != nil {
			d.writeError(w, r, errors.Wrap(err, errors.Validation, "failed to decode pipeline"))
			return
		}
		docs, err := d.Collection(mux.Vars(r)["collection"]).Aggregate(r.Context(), pipeline)
		if err != nil {
			d.writeError(w, r, err)
			return
		}
		d.writeJSON(w, r, docs)
	}).Methods(http.MethodPost)

	router.HandleFunc("/collections/{collection}/indexes", func(w http.ResponseWriter, r *http.Request) {
		d.writeJSON(w, r, d.Collection(mux.Vars(r)["collection"]).Indexes())
	}).Methods(http.MethodGet)

	router.HandleFunc("/collections/{collection}/indexes", func(w http.ResponseWriter, r *http.Request) {
		var idx Index
		if err := json.NewDecoder(r.Body).Decode(&idx); err != nil {
			d.writeError(w, r, errors.Wrap(err, errors.Validation, "failed to decode index"))
			return
		}
		if err := d.Collection(mux.Vars(r)["collection"]).CreateIndex(r.Context(), idx); err != nil {
			d.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}).Methods(http.MethodPost)

	router.HandleFunc("/collections/{collection}/indexes/{name}", func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		if err := d.Collection(vars["collection"]).DropIndex(r.Context(), vars["name"]); err != nil {
			d.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)

	router.HandleFunc("/ops", func(w http.ResponseWriter, r *http.Request) {
		d.writeJSON(w, r, d.CurrentOps())
	}).Methods(http.MethodGet)

	router.HandleFunc("/ops/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := d.KillOp(r.Context(), mux.Vars(r)["id"]); err != nil {
			d.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)

	router.HandleFunc("/parameters", func(w http.ResponseWriter, r *http.Request) {
		d.writeJSON(w, r, d.Parameters())
	}).Methods(http.MethodGet)

	router.HandleFunc("/parameters/{name}", func(w http.ResponseWriter, r *http.Request) {
		var req parameterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			d.writeError(w, r, errors.Wrap(err, errors.Validation, "failed to decode parameter"))
			return
		}
		name := mux.Vars(r)["name"]
		if err := d.SetParameter(r.Context(), name, req.Value); err != nil {
			d.writeError(w, r, err)
			return
		}
		value, _ := d.GetParameter(name)
		d.writeJSON(w, r, map[string]any{name: value})
	}).Methods(http.MethodPut)

	router.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.Use(d.logRequests)
	return router
}

func (d *DB) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		d.logger.Debug(r.Context(), "request served", map[string]any{
			"request.method": r.Method,
			"request.path":   r.URL.Path,
			"request.vars":   mux.Vars(r),
			"duration":       cast.ToFloat64(time.Since(start).Microseconds()) / 1000,
		})
	})
}

func (d *DB) writeJSON(w http.ResponseWriter, r *http.Request, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		d.logger.Error(r.Context(), "failed to encode response", err, map[string]any{"request.path": r.URL.Path})
	}
}

func (d *DB) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := errors.Extract(err)
	status := e.Code.HTTPStatus()
	d.logger.Error(r.Context(), "request failed", err, map[string]any{
		"request.path": r.URL.Path,
		"status":       status,
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":    e.Code.String(),
		"message": err.Error(),
	})
}
