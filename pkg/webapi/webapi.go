// This file is to handle things such as metrics/health/introspection, etc

package webapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/couchbase/stellar-grid/grid/affinity"
	"github.com/couchbase/stellar-grid/grid/consistenthash"
	"github.com/couchbase/stellar-grid/grid/distribution"
	"github.com/couchbase/stellar-grid/grid/griderrors"
	"github.com/couchbase/stellar-grid/grid/registry"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// Node is the part of a grid node exposed over http.
type Node interface {
	LocalAddress() consistenthash.Address
	Topology() (*consistenthash.ConsistentHash, error)
	Distribution() (distribution.KeyDistribution, error)
	Locality() (distribution.Locality, error)
	Registry() registry.Registry
	Affinity() *affinity.Service[string]
}

type WebServerOptions struct {
	Logger         *zap.Logger
	LogLevel       *zap.AtomicLevel
	ListenAddress  string
	Node           Node
	MetricsHandler http.Handler
}

type WebServer struct {
	logger         *zap.Logger
	logLevel       *zap.AtomicLevel
	listenAddress  string
	node           Node
	metricsHandler http.Handler
	httpServer     *http.Server
}

func NewWebServer(opts WebServerOptions) *WebServer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metricsHandler := opts.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	w := &WebServer{
		logger:         logger,
		logLevel:       opts.LogLevel,
		listenAddress:  opts.ListenAddress,
		node:           opts.Node,
		metricsHandler: metricsHandler,
	}
	w.httpServer = &http.Server{
		Handler:      otelhttp.NewHandler(w.Handler(), "webapi"),
		Addr:         w.listenAddress,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return w
}

func (w *WebServer) writeJSON(rw http.ResponseWriter, status int, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)

	err := json.NewEncoder(rw).Encode(v)
	if err != nil {
		w.logger.Debug("failed to write json response", zap.Error(err))
	}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, griderrors.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, griderrors.ErrIllegalState):
		return http.StatusConflict
	case errors.Is(err, griderrors.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, griderrors.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (w *WebServer) writeError(rw http.ResponseWriter, err error) {
	w.writeJSON(rw, errorStatus(err), map[string]string{
		"error": err.Error(),
	})
}

func (w *WebServer) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(200)
	_, err := rw.Write([]byte("Welcome to the stellar grid internal webapi"))
	if err != nil {
		w.logger.Debug("failed to write generic root response", zap.Error(err))
	}
}

func (w *WebServer) handleHealth(rw http.ResponseWriter, r *http.Request) {
	_, err := w.node.Topology()
	if err != nil {
		w.writeError(rw, err)
		return
	}

	w.writeJSON(rw, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"local":           w.node.LocalAddress(),
		"affinityStarted": w.node.Affinity().IsStarted(),
	})
}

type jsonTopology struct {
	Revision      []uint64                   `json:"revision"`
	NumSegments   int                        `json:"numSegments"`
	Members       []consistenthash.Address   `json:"members"`
	SegmentOwners [][]consistenthash.Address `json:"segmentOwners"`
}

func (w *WebServer) handleTopology(rw http.ResponseWriter, r *http.Request) {
	ch, err := w.node.Topology()
	if err != nil {
		w.writeError(rw, err)
		return
	}

	w.writeJSON(rw, http.StatusOK, jsonTopology{
		Revision:      ch.Revision,
		NumSegments:   ch.NumSegments,
		Members:       ch.Members,
		SegmentOwners: ch.SegmentOwners,
	})
}

func (w *WebServer) handleLocality(rw http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	// both are bound to whatever topology is current right now, a rebalance
	// in between would only make the answer less useful, never wrong.
	dist, err := w.node.Distribution()
	if err != nil {
		w.writeError(rw, err)
		return
	}

	owners, err := dist.Owners(key)
	if err != nil {
		w.writeError(rw, err)
		return
	}

	isLocal, err := distribution.NewLocality(dist, w.node.LocalAddress()).IsLocal(key)
	if err != nil {
		w.writeError(rw, err)
		return
	}

	w.writeJSON(rw, http.StatusOK, map[string]interface{}{
		"key":          key,
		"local":        isLocal,
		"primaryOwner": owners[0],
		"owners":       owners,
	})
}

func (w *WebServer) handleServices(rw http.ResponseWriter, r *http.Request) {
	services, err := w.node.Registry().Services(r.Context())
	if err != nil {
		w.writeError(rw, err)
		return
	}

	w.writeJSON(rw, http.StatusOK, services)
}

func (w *WebServer) handleProviders(rw http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]

	providers, err := w.node.Registry().Providers(r.Context(), service)
	if err != nil {
		w.writeError(rw, err)
		return
	}

	w.writeJSON(rw, http.StatusOK, map[string]interface{}{
		"service":   service,
		"providers": providers,
	})
}

func (w *WebServer) handleAffinity(rw http.ResponseWriter, r *http.Request) {
	member := consistenthash.Address(mux.Vars(r)["member"])

	key, err := w.node.Affinity().GetKeyForAddress(r.Context(), member)
	if err != nil {
		w.writeError(rw, err)
		return
	}

	w.writeJSON(rw, http.StatusOK, map[string]interface{}{
		"member": member,
		"key":    key,
	})
}

// Handler builds the router, it is exposed separately for testing.
func (w *WebServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", w.metricsHandler)
	if w.logLevel != nil {
		r.Handle("/log-level", w.logLevel).Methods(http.MethodGet, http.MethodPut)
	}

	if w.node != nil {
		r.HandleFunc("/health", w.handleHealth).Methods(http.MethodGet)
		r.HandleFunc("/topology", w.handleTopology).Methods(http.MethodGet)
		r.HandleFunc("/locality/{key}", w.handleLocality).Methods(http.MethodGet)
		r.HandleFunc("/services", w.handleServices).Methods(http.MethodGet)
		r.HandleFunc("/services/{service}", w.handleProviders).Methods(http.MethodGet)
		r.HandleFunc("/affinity/{member}", w.handleAffinity).Methods(http.MethodGet)
	}

	r.HandleFunc("/", w.handleRoot)

	return r
}

func (w *WebServer) ListenAndServe() error {
	err := w.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (w *WebServer) Shutdown(ctx context.Context) error {
	return w.httpServer.Shutdown(ctx)
}
