// Package http implements the REST API of the brokerage server. Handlers
// read through the store and the catalog; all pipeline work triggered by a
// request goes through the dispatch queue.
package http

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/exporter-toolkit/web"

	"github.com/combs-dev/combs/pkg/broker/base"
	"github.com/combs-dev/combs/pkg/broker/catalog"
	"github.com/combs-dev/combs/pkg/broker/db"
	"github.com/combs-dev/combs/pkg/broker/dispatch"
	"github.com/combs-dev/combs/pkg/broker/identity"
	"github.com/combs-dev/combs/pkg/broker/lifecycle"
	"github.com/combs-dev/combs/pkg/broker/models"
	"github.com/combs-dev/combs/pkg/broker/scheduler"
)

// Query window errors.
var (
	ErrMaxQueryWindow     = errors.New("maximum query window exceeded")
	ErrMalformedTimeStamp = errors.New("malformed timestamp")
)

// Default created_at window for list endpoints when from/to are absent.
var defaultQueryWindow = 24 * time.Hour

// Canceller forwards a cancel request to the scheduler backend holding the
// job. Implemented by the scheduler manager.
type Canceller interface {
	CancelJob(ctx context.Context, clusterID string, schedulerJobID string) error
}

// Transitioner applies lifecycle transitions. Implemented by the lifecycle
// tracker.
type Transitioner interface {
	Transition(ctx context.Context, jobUUID string, to models.JobState, exitCode int64) (lifecycle.Event, error)
}

// Settler drives invoice settlement and disputes. Implemented by the
// settlement pipeline.
type Settler interface {
	TriggerSettlement(ctx context.Context, invoiceUUID string) (models.Invoice, error)
	RaiseDispute(ctx context.Context, invoiceUUID string, reason string) (models.Invoice, error)
	ResolveDispute(ctx context.Context, invoiceUUID string, resolution string) (models.Invoice, error)
}

// Enqueuer hands pipeline tasks to the dispatch queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, task dispatch.Task) error
}

// Config makes a server config from CLI args.
type Config struct {
	Logger            *slog.Logger
	Address           string
	WebSystemdSocket  bool
	WebConfigFile     string
	EnableDebugServer bool
	RequestsLimit     int
	MaxQueryPeriod    time.Duration
	UserHeader        string
	AdminUsers        []string

	// Broker wide identity gate applied at submission. Offerings add their
	// own requirements during routing.
	MinIdentityScore       float64
	RequiredIdentityStatus string

	Store     *db.Store
	Catalog   *catalog.Catalog
	Verifier  identity.Verifier
	Queue     Enqueuer
	Canceller Canceller
	Tracker   Transitioner
	Settler   Settler
}

// BrokerServer struct implements the brokerage REST API.
type BrokerServer struct {
	logger         *slog.Logger
	server         *http.Server
	webConfig      *web.FlagConfig
	db             *sql.DB
	store          *db.Store
	catalog        *catalog.Catalog
	verifier       identity.Verifier
	queue          Enqueuer
	canceller      Canceller
	tracker        Transitioner
	settler        Settler
	maxQueryPeriod time.Duration

	minIdentityScore       float64
	requiredIdentityStatus string

	HealthCheck func(*sql.DB, *slog.Logger) bool
}

// Response defines the response model of BrokerServer.
type Response[T any] struct {
	Status    string    `json:"status"`
	Data      []T       `json:"data,omitempty"`
	ErrorType errorType `json:"errorType,omitempty"`
	Error     string    `json:"error,omitempty"`
	Warnings  []string  `json:"warnings,omitempty"`
}

// JobDetail is the API view of one job together with its lifecycle shadow.
type JobDetail struct {
	Job    models.Job          `json:"job"`
	Status models.SchedulerJob `json:"status"`
}

// Ping DB for connection test.
func getDBStatus(dbConn *sql.DB, logger *slog.Logger) bool {
	if err := dbConn.Ping(); err != nil {
		logger.Error("DB Ping failed", "err", err)

		return false
	}

	return true
}

// NewBrokerServer creates a new BrokerServer struct instance.
func NewBrokerServer(c *Config) (*BrokerServer, error) {
	router := mux.NewRouter()
	server := &BrokerServer{
		logger: c.Logger,
		server: &http.Server{
			Addr:         c.Address,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		webConfig: &web.FlagConfig{
			WebListenAddresses: &[]string{c.Address},
			WebSystemdSocket:   &c.WebSystemdSocket,
			WebConfigFile:      &c.WebConfigFile,
		},
		db:                     c.Store.DB(),
		store:                  c.Store,
		catalog:                c.Catalog,
		verifier:               c.Verifier,
		queue:                  c.Queue,
		canceller:              c.Canceller,
		tracker:                c.Tracker,
		settler:                c.Settler,
		maxQueryPeriod:         c.MaxQueryPeriod,
		minIdentityScore:       c.MinIdentityScore,
		requiredIdentityStatus: c.RequiredIdentityStatus,
		HealthCheck:            getDBStatus,
	}

	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`<html>
			<head><title>COMBS Broker API</title></head>
			<body>
			<h1>Compute Brokerage</h1>
			<p><a href="./api/v1/jobs">Jobs</a></p>
			<p><a href="./api/v1/clusters">Clusters</a></p>
			<p><a href="./api/v1/offerings">Offerings</a></p>
			<p><a href="./api/v1/usage">Usage</a></p>
			<p><a href="./api/v1/invoices">Invoices</a></p>
			</body>
			</html>`))
	})

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/health", server.health).Methods(http.MethodGet)
	v1.HandleFunc("/jobs", server.submitJob).Methods(http.MethodPost)
	v1.HandleFunc("/jobs", server.jobs).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{uuid}", server.job).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{uuid}", server.cancelJob).Methods(http.MethodDelete)
	v1.HandleFunc("/jobs/{uuid}/usage", server.jobUsage).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{uuid}/decision", server.jobDecision).Methods(http.MethodGet)
	v1.HandleFunc("/clusters", server.clusters).Methods(http.MethodGet)
	v1.HandleFunc("/offerings", server.offerings).Methods(http.MethodGet)
	v1.HandleFunc("/usage", server.usage).Methods(http.MethodGet)
	v1.HandleFunc("/invoices", server.invoices).Methods(http.MethodGet)
	v1.HandleFunc("/invoices/{uuid}", server.invoice).Methods(http.MethodGet)
	v1.HandleFunc("/invoices/{uuid}/audit", server.invoiceAudit).Methods(http.MethodGet)
	v1.HandleFunc("/invoices/{uuid}/dispute", server.disputeInvoice).Methods(http.MethodPost)
	v1.HandleFunc("/invoices/{uuid}/resolve", server.resolveInvoice).Methods(http.MethodPost)
	v1.HandleFunc("/invoices/{uuid}/settle", server.settleInvoice).Methods(http.MethodPost)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// pprof debug end points
	if c.EnableDebugServer {
		router.PathPrefix("/debug/").Handler(http.DefaultServeMux)
	}

	userHeader := c.UserHeader
	if userHeader == "" {
		userHeader = defaultUserHeader
	}

	amw := authenticationMiddleware{
		logger:     c.Logger,
		userHeader: userHeader,
		adminUsers: c.AdminUsers,
	}
	router.Use(amw.Middleware)

	if c.RequestsLimit > 0 {
		router.Use(httprate.LimitByRealIP(c.RequestsLimit, time.Minute))
	}

	return server, nil
}

// Start launches the server. It blocks until the listener fails or the
// server is shut down.
func (s *BrokerServer) Start() error {
	s.logger.Info("Starting API server", "address", s.server.Addr)

	if err := web.ListenAndServe(s.server, s.webConfig, s.logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("Failed to Listen and Serve HTTP server", "err", err)

		return err
	}

	return nil
}

// Shutdown stops accepting new requests and drains in-flight ones. The store
// is closed by its owner, not here.
func (s *BrokerServer) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to shutdown HTTP server", "err", err)

		return err
	}

	return nil
}

// Get current user and admin flag from the internal headers.
func (s *BrokerServer) getUser(r *http.Request) (string, bool) {
	return r.Header.Get(loggedUserHeader), r.Header.Get(adminUserHeader) != ""
}

// scopedAddrs returns the customer addresses the caller may query. Nil means
// unrestricted, only admins get that.
func (s *BrokerServer) scopedAddrs(r *http.Request) []string {
	loggedUser, admin := s.getUser(r)
	if !admin {
		return []string{loggedUser}
	}

	return r.URL.Query()["customer"]
}

// Set response headers.
func (s *BrokerServer) setHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

// Check status of server.
func (s *BrokerServer) health(w http.ResponseWriter, r *http.Request) {
	if !s.HealthCheck(s.db, s.logger) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("KO"))
	} else {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}

// Get from and to time stamps from query vars and cast them into proper format.
func (s *BrokerServer) getQueryWindow(r *http.Request) (map[string]string, error) {
	var fromTime, toTime time.Time

	if f := r.URL.Query().Get("from"); f == "" {
		fromTime = time.Now().Add(-defaultQueryWindow)
	} else {
		ts, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			s.logger.Error("Failed to parse from timestamp", "from", f, "err", err)

			return nil, fmt.Errorf("%w: 'from'", ErrMalformedTimeStamp)
		}

		fromTime = time.Unix(ts, 0)
	}

	if t := r.URL.Query().Get("to"); t == "" {
		toTime = time.Now()
	} else {
		ts, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			s.logger.Error("Failed to parse to timestamp", "to", t, "err", err)

			return nil, fmt.Errorf("%w: 'to'", ErrMalformedTimeStamp)
		}

		toTime = time.Unix(ts, 0)
	}

	// Bound the window so one request cannot drag the whole table through
	// the scanner.
	if s.maxQueryPeriod > 0 && toTime.Sub(fromTime) > s.maxQueryPeriod {
		s.logger.Error(
			"Exceeded maximum query time window",
			"maxQueryWindow", s.maxQueryPeriod,
			"from", fromTime.Format(base.DatetimeLayout), "to", toTime.Format(base.DatetimeLayout),
			"queryWindow", toTime.Sub(fromTime).String(),
		)

		return nil, ErrMaxQueryWindow
	}

	return map[string]string{
		"from": fromTime.Format(base.DatetimeLayout),
		"to":   toTime.Format(base.DatetimeLayout),
	}, nil
}

// fetchOwnedJob loads the job in the URL and enforces ownership. On failure
// the error response has already been written.
func (s *BrokerServer) fetchOwnedJob(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	loggedUser, admin := s.getUser(r)
	jobUUID := mux.Vars(r)["uuid"]

	job, err := s.store.Job(r.Context(), jobUUID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			errorResponse[any](w, &apiError{errorNotFound, fmt.Errorf("job %s not found", jobUUID)}, s.logger, nil)
		} else {
			errorResponse[any](w, &apiError{errorInternal, err}, s.logger, nil)
		}

		return models.Job{}, false
	}

	if !admin && job.CustomerAddr != loggedUser {
		errorResponse[any](w, &apiError{errorUnauthorized, errNoAuth}, s.logger, nil)

		return models.Job{}, false
	}

	return job, true
}

// POST /api/v1/jobs
// Validate, gate on identity, persist as Pending and enqueue routing.
func (s *BrokerServer) submitJob(w http.ResponseWriter, r *http.Request) {
	s.setHeaders(w)

	loggedUser, admin := s.getUser(r)

	var job models.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		errorResponse[any](w, &apiError{errorBadData, errInvalidRequest}, s.logger, nil)

		return
	}

	// Customers submit for themselves. Admins may submit on behalf of a
	// customer by setting customer_addr in the body.
	if !admin || job.CustomerAddr == "" {
		job.CustomerAddr = loggedUser
	}

	if err := job.Validate(); err != nil {
		errorResponse[any](w, &apiError{errorBadData, err}, s.logger, nil)

		return
	}

	ok, err := s.verifier.MeetsThreshold(r.Context(), job.CustomerAddr, s.minIdentityScore, s.requiredIdentityStatus)
	if err != nil {
		errorResponse[any](w, &apiError{errorInternal, err}, s.logger, nil)

		return
	}

	if !ok {
		s.logger.Warn("Job submission blocked by identity gate", "customer", job.CustomerAddr)
		errorResponse[any](w, &apiError{errorForbidden, identity.ErrIdentityGating}, s.logger, nil)

		return
	}

	// Placement fields are owned by the routing engine, drop whatever the
	// client put there.
	now := time.Now()
	job.ID = 0
	job.UUID = uuid.New().String()
	job.ProviderAddr = ""
	job.ClusterID = ""
	job.OfferingID = ""
	job.Pricing = models.Pricing{}
	job.CreatedAt = now.Format(base.DatetimeLayout)
	job.CreatedAtTS = now.UnixMilli()

	if err := s.store.SaveJob(r.Context(), &job); err != nil {
		errorResponse[any](w, &apiError{errorInternal, err}, s.logger, nil)

		return
	}

	shadow := models.SchedulerJob{
		UUID:      job.UUID,
		State:     models.JobStatePending,
		CreatedAt: job.CreatedAt,
		ExitCode:  models.UnknownExitCode,
	}
	if err := s.store.SaveSchedulerJob(r.Context(), shadow); err != nil {
		errorResponse[any](w, &apiError{errorInternal, err}, s.logger, nil)

		return
	}

	// A full queue is not fatal, the pending jobs sweep re-enqueues later.
	var warnings []string
	if err := s.queue.Enqueue(r.Context(), dispatch.NewTask(dispatch.KindRouteJob, job.UUID)); err != nil {
		s.logger.Warn("Failed to enqueue routing task", "job", job.UUID, "err", err)

		warnings = append(warnings, "job accepted but routing is delayed")
	}

	s.logger.Info("Job submitted", "job", job.UUID, "customer", job.CustomerAddr)

	w.WriteHeader(http.StatusAccepted)

	response := Response[models.Job]{
		Status:   "success",
		Data:     []models.Job{job},
		Warnings: warnings,
	}
	if err := json.NewEncoder(w).Encode(&response); err != nil {
		s.logger.Error("Failed to encode response", "err", err)
		w.Write([]byte("KO"))
	}
}

// GET /api/v1/jobs
// List jobs of the caller within a time window.
func (s *BrokerServer) jobs(w http.ResponseWriter, r *http.Request) {
	s.setHeaders(w)

	loggedUser, _ := s.getUser(r)
	addrs := s.scopedAddrs(r)

	// Get fields query parameters if any
	var reqFields string

	if fields := r.URL.Query()["field"]; len(fields) > 0 {
		var validFields []string

		for _, f := range fields {
			if slices.Contains(base.JobsDBTableColNames, f) {
				validFields = append(validFields, f)
			}
		}

		reqFields = strings.Join(validFields, ",")
	} else {
		reqFields = strings.Join(base.JobsDBTableColNames, ",")
	}

	q := Query{}
	q.query(fmt.Sprintf("SELECT %s FROM %s", reqFields, base.JobsDBTableName))

	// Fetching specific jobs skips the window check.
	if uuids := r.URL.Query()["uuid"]; len(uuids) > 0 {
		q.query(" WHERE uuid IN ")
		q.param(uuids)
	} else {
		queryWindowTS, err := s.getQueryWindow(r)
		if err != nil {
			errorResponse[any](w, &apiError{errorBadData, err}, s.logger, nil)

			return
		}

		q.query(" WHERE created_at BETWEEN ")
		q.param([]string{queryWindowTS["from"]})
		q.query(" AND ")
		q.param([]string{queryWindowTS["to"]})
	}

	if len(addrs) > 0 {
		q.query(" AND customer_addr IN ")
		q.param(addrs)
	}

	if clusters := r.URL.Query()["cluster"]; len(clusters) > 0 {
		q.query(" AND cluster_id IN ")
		q.param(clusters)
	}

	// State lives on the shadow table.
	if states := r.URL.Query()["state"]; len(states) > 0 {
		qSub := Query{}
		qSub.query(fmt.Sprintf("SELECT uuid FROM %s WHERE state IN ", base.SchedulerJobsDBTableName))
		qSub.param(states)

		q.query(" AND uuid IN ")
		q.subQuery(qSub)
	}

	q.query(" ORDER BY id")

	jobs, err := Querier[models.Job](r.Context(), s.db, q, s.logger)
	if err != nil {
		s.logger.Error("Failed to fetch jobs", "loggedUser", loggedUser, "err", err)
		errorResponse[any](w, &apiError{errorInternal, err}, s.logger, nil)

		return
	}

	w.WriteHeader(http.StatusOK)

	response := Response[models.Job]{
		Status: "success",
		Data:   jobs,
	}
	if err = json.NewEncoder(w).Encode(&response); err != nil {
		s.logger.Error("Failed to encode response", "err", err)
		w.Write([]byte("KO"))
	}
}

// GET /api/v1/jobs/{uuid}
// Get one job together with its lifecycle state.
func (s *BrokerServer) job(w http.ResponseWriter, r *http.Request) {
	s.setHeaders(w)

	job, ok := s.fetchOwnedJob(w, r)
	if !ok {
		return
	}

	shadow, err := s.store.SchedulerJob(r.Context(), job.UUID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		errorResponse[any](w, &apiError{errorInternal, err}, s.logger, nil)

		return
	}

	w.WriteHeader(http.StatusOK)

	response := Response[JobDetail]{
		Status: "success",
		Data:   []JobDetail{{Job: job, Status: shadow}},
	}
	if err := json.NewEncoder(w).Encode(&response); err != nil {
		s.logger.Error("Failed to encode response", "err", err)
		w.Write([]byte("KO"))
	}
}

// DELETE /api/v1/jobs/{uuid}
// Best-effort cancellation. The backend is asked first; local state moves
// only after the backend acknowledged or never held the job.
func (s *BrokerServer) cancelJob(w http.ResponseWriter, r *http.Request) {
	s.setHeaders(w)

	job, ok := s.fetchOwnedJob(w, r)
	if !ok {
		return
	}

	shadow, err := s.store.SchedulerJob(r.Context(), job.UUID)
	if err != nil {
		errorResponse[any](w, &apiError{errorInternal, err}, s.logger, nil)

		return
	}

	if shadow.State.Terminal() {
		errorResponse[any](w, &apiError{errorBadData, fmt.Errorf("%w: job %s is %s", errJobTerminal, job.UUID, shadow.State)}, s.logger, nil)

		return
	}

	if shadow.SchedulerJobID != "" {
		err := s.canceller.CancelJob(r.Context(), shadow.ClusterID, shadow.SchedulerJobID)

		switch {
		case err == nil:
		case errors.Is(err, scheduler.ErrUnknownJob):
			// Backend already forgot the job, finish locally.
		case errors.Is(err, scheduler.ErrBackendUnavailable):
			errorResponse[any](w, &apiError{errorUnavailable, err}, s.logger, nil)

			return
		default:
			errorResponse[any](w, &apiError{errorInternal, err}, s.logger, nil)

			return
		}
	}

	var warnings []string

	if _, err := s.tracker.Transition(r.Context(), job.UUID, models.JobStateCancelled, models.UnknownExitCode); err != nil {
		if !errors.Is(err, lifecycle.ErrInvalidTransition) {
			errorResponse[any](w, &apiError{errorInternal, err}, s.logger, nil)

			return
		}

		// The job raced to a terminal state while the cancel was in flight.
		warnings = append(warnings, "job reached a terminal state before the cancellation applied")
	}

	shadow, err = s.store.SchedulerJob(r.Context(), job.UUID)
	if err != nil {
		errorResponse[any](w, &apiError{errorInternal, err}, s.logger, nil)

		return
	}

	s.logger.Info("Job cancellation requested", "job", job.UUID, "state", shadow.State)

	w.WriteHeader(http.StatusOK)

	response := Response[models.SchedulerJob]{
		Status:   "success",
		Data:     []models.SchedulerJob{shadow},
		Warnings: warnings,
	}
	if err := json.NewEncoder(w).Encode(&response); err != nil {
		s.logger.Error("Failed to encode response", "err", err)
		w.Write([]byte("KO"))
	}
}

// GET /api/v1/jobs/{uuid}/usage
// Usage records of one job in period order.
func (s *BrokerServer) jobUsage(w http.ResponseWriter, r *http.Request) {
	s.setHeaders(w)

	job, ok := s.fetchOwnedJob(w, r)
	if !ok {
		return
	}

	records, err := s.store.UsageRecords(r.Context(), job.UUID)
	if err != nil {
		errorResponse[any](w, &apiError{errorInternal, err}, s.logger, nil)

		return
	}

	w.WriteHeader(http.StatusOK)

	response := Response[models.UsageRecord]{
		Status: "success",
		Data:   records,
	}
	if err := json.NewEncoder(w).Encode(&response); err != nil {
		s.logger.Error("Failed to encode response", "err", err)
		w.Write([]byte("KO"))
	}
}

// GET /api/v1/jobs/{uuid}/decision
// The recorded routing decision of one job.
func (s *BrokerServer) jobDecision(w http.ResponseWriter, r *http.Request) {
	s.setHeaders(w)

	job, ok := s.fetchOwnedJob(w, r)
	if !ok {
		return
	}

	decision, found, err := s.store.RoutingDecision(r.Context(), job.UUID)
	if err != nil {
		errorResponse[any](w, &apiError{errorInternal, err}, s.logger, nil)

		return
	}

	if !found {
		errorResponse[any](w, &apiError{errorNotFound, errNoDecision}, s.logger, nil)

		return
	}

	w.WriteHeader(http.StatusOK)

	response := Response[models.RoutingDecision]{
		Status: "success",
		Data:   []models.RoutingDecision{decision},
	}
	if err := json.NewEncoder(w).Encode(&response); err != nil {
		s.logger.Error("Failed to encode response", "err", err)
		w.Write([]byte("KO"))
	}
}

// GET /api/v1/clusters
// Read-only catalog snapshot of clusters. Backend credentials never leave
// the server, the model hides them from JSON.
func (s *BrokerServer) clusters(w http.ResponseWriter, r *http.Request) {
	s.setHeaders(w)
	w.WriteHeader(http.StatusOK)

	response := Response[models.Cluster]{
		Status: "success",
		Data:   s.catalog.Clusters(),
	}
	if err := json.NewEncoder(w).Encode(&response); err != nil {
		s.logger.Error("Failed to encode response", "err", err)
		w.Write([]byte("KO"))
	}
}

// GET /api/v1/offerings
// Read-only catalog snapshot of offerings, inactive ones included.
func (s *BrokerServer) offerings(w http.ResponseWriter, r *http.Request) {
	s.setHeaders(w)
	w.WriteHeader(http.StatusOK)

	response := Response[models.Offering]{
		Status: "success",
		Data:   s.catalog.Offerings(),
	}
	if err := json.NewEncoder(w).Encode(&response); err != nil {
		s.logger.Error("Failed to encode response", "err", err)
		w.Write([]byte("KO"))
	}
}
