// Package httpx implements the thin HTTP adapter of SPEC_FULL.md §4.7:
// POST/GET /{db}/edgeql, reusing the same catalog.Database.Compile and
// exec.Coordinator.Run path the binary protocol engine drives, rather than
// a parallel execution pipeline.
//
// Grounded on the JSON-in/JSON-out, switch-dispatched-by-target handler
// style of _examples/ONQL-server/api/api.go and api/sql.go (the pack's
// only example of exactly this adapter shape); no third-party router is
// adopted since ONQL-server itself reaches for none, matching spec.md §6's
// "thin adapter" framing.
package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Androidown/edgedb/backend"
	"github.com/Androidown/edgedb/catalog"
	"github.com/Androidown/edgedb/compiler"
	"github.com/Androidown/edgedb/exec"
	"github.com/Androidown/edgedb/internal/log"
	"github.com/Androidown/edgedb/protoerr"
	"github.com/Androidown/edgedb/session"
)

// Handler serves the /{db}/edgeql route against a Registry, Compiler and
// execution Coordinator shared with the binary protocol engine.
type Handler struct {
	Registry *catalog.Registry
	Compiler compiler.Pool
	Coord    *exec.Coordinator
	// RequestTimeout bounds each query's compile+execute round trip,
	// mirroring api/sql.go's 60-second context.WithTimeout.
	RequestTimeout time.Duration
}

// New builds a Handler with RequestTimeout set to 60s (api/sql.go's own
// default).
func New(registry *catalog.Registry, comp compiler.Pool, coord *exec.Coordinator) *Handler {
	return &Handler{Registry: registry, Compiler: comp, Coord: coord, RequestTimeout: 60 * time.Second}
}

// queryRequest is the POST body shape; GET reads only query and limit
// from the query string (args are not taken from a GET).
type queryRequest struct {
	Query         string                 `json:"query"`
	Args          map[string]interface{} `json:"args"`
	ExplicitLimit uint64                 `json:"limit"`
}

// errorBody mirrors protoerr.ErrorInfo's {message,type,code} shape, per
// spec.md §6's HTTP error envelope.
type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// ServeHTTP dispatches by method, the same switch-on-discriminator shape
// as api.HandleRequest's switch on msg.Target, applied here to HTTP verbs
// instead of a message envelope's Target field.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	dbName, ok := dbNameFromPath(r.URL.Path)
	if !ok {
		writeError(w, http.StatusNotFound, protoerr.Newf(protoerr.Protocol, "path must be /{db}/edgeql"))
		return
	}

	var req queryRequest
	switch r.Method {
	case http.MethodPost:
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, protoerr.Newf(protoerr.Protocol, "invalid JSON body: %v", err))
			return
		}
	case http.MethodGet:
		req.Query = r.URL.Query().Get("query")
		if lim := r.URL.Query().Get("limit"); lim != "" {
			n, err := strconv.ParseUint(lim, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, protoerr.Newf(protoerr.Protocol, "invalid limit: %v", err))
				return
			}
			req.ExplicitLimit = n
		}
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, protoerr.Newf(protoerr.Protocol, "method %s not allowed", r.Method))
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, protoerr.Newf(protoerr.Protocol, "query is required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.RequestTimeout)
	defer cancel()

	data, err := h.run(ctx, dbName, req)
	if err != nil {
		log.Warningf(ctx, "edgeql http query failed: %v", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeData(w, data)
}

// run compiles and executes req.Query against dbName's default namespace,
// through the same single-flight-compile + Coordinator.Run path the
// binary protocol's executeCompiled uses (engine/messages.go), and returns
// a JSON-marshalable result.
func (h *Handler) run(ctx context.Context, dbName string, req queryRequest) (interface{}, error) {
	db := h.Registry.EnsureDatabase(dbName)

	creq := compiler.Request{
		Source:            req.Query,
		OutputFormat:      compiler.OutputFormatJSON,
		ImplicitLimit:     req.ExplicitLimit,
		AllowCapabilities: ^compiler.Capability(0),
		Module:            "default",
		Namespace:         "default",
	}
	fp := creq.Fingerprint()

	cq, ok := db.LookupCompiled("default", fp)
	if !ok {
		compiled, err := db.Compile(ctx, "default", fp, func(ctx context.Context) (compiler.CompiledQuery, error) {
			return h.Compiler.Compile(ctx, creq)
		})
		if err != nil {
			return nil, err
		}
		db.StoreCompiled("default", fp, compiled)
		cq = compiled
	}

	view := httpView{}
	if _, err := h.Coord.Run(ctx, dbName, &view, cq.Group); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "ok"}, nil
}

func dbNameFromPath(path string) (string, bool) {
	trimmed := strings.Trim(path, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "edgeql" {
		return "", false
	}
	return parts[0], true
}

func statusFor(err error) int {
	switch {
	case protoerr.Is(err, protoerr.Protocol), protoerr.Is(err, protoerr.UnsupportedFeature):
		return http.StatusBadRequest
	case protoerr.Is(err, protoerr.Authentication):
		return http.StatusUnauthorized
	case protoerr.Is(err, protoerr.Access), protoerr.Is(err, protoerr.DisabledCapability):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeData(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

func writeError(w http.ResponseWriter, status int, err error) {
	info := protoerr.Classify(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": errorBody{Message: info.Message, Type: info.Type, Code: info.Code},
	})
}

// httpView is a minimal exec.View for one-shot HTTP queries: every request
// runs as its own implicit transaction with no session state to restore
// across requests, so state serialization is always empty and OnSuccess
// never needs to publish anything upward beyond what the compiled query
// unit itself carries.
type httpView struct {
	frame *session.TransactionFrame
}

func (v *httpView) InTxError() bool        { return false }
func (v *httpView) InTx() bool             { return v.frame != nil }
func (v *httpView) SerializeState() []byte { return nil }
func (v *httpView) Namespace() string      { return "default" }

func (v *httpView) Start(unit compiler.QueryUnit) (*session.TransactionFrame, error) {
	if v.frame == nil {
		v.frame = &session.TransactionFrame{}
	}
	return v.frame, nil
}

func (v *httpView) OnSuccess(unit compiler.QueryUnit, newTypes backend.NewTypes) (session.SideEffects, error) {
	v.frame = nil
	return 0, nil
}

func (v *httpView) OnError() {
	v.frame = nil
}

func (v *httpView) AbortTx() {
	v.frame = nil
}
