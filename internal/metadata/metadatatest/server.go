// Package metadatatest provides an in-memory metadata catalog for tests.
package metadatatest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/leapstack-labs/leaplineage/internal/metadata"
)

// Request is a request received by the fake catalog.
type Request struct {
	Method string
	Path   string
	Auth   string
}

// StoredEdge is a lineage edge held by the fake catalog.
type StoredEdge struct {
	From    metadata.EntityReference
	To      metadata.EntityReference
	Details *metadata.LineageDetails
}

type failure struct {
	method string
	prefix string
	status int
	times  int
}

// Server is an httptest server speaking the subset of the catalog API used
// by the lineage runner.
type Server struct {
	srv *httptest.Server

	mu        sync.Mutex
	services  map[string]metadata.PipelineService
	entities  map[string]map[string]metadata.Entity // collection -> fqn -> entity
	byID      map[string]metadata.EntityReference
	pipelines map[string]metadata.Pipeline // fqn -> pipeline
	statuses  map[string][]metadata.PipelineStatus
	edges     map[string]StoredEdge // fromID|toID -> edge
	requests  []Request
	failures  []*failure
}

var collections = map[string]string{
	"tables":     "table",
	"containers": "container",
	"topics":     "topic",
	"dashboards": "dashboard",
}

// NewServer starts a fake catalog. Call Close when done.
func NewServer() *Server {
	s := &Server{
		services:  make(map[string]metadata.PipelineService),
		entities:  make(map[string]map[string]metadata.Entity),
		byID:      make(map[string]metadata.EntityReference),
		pipelines: make(map[string]metadata.Pipeline),
		statuses:  make(map[string][]metadata.PipelineStatus),
		edges:     make(map[string]StoredEdge),
	}

	r := chi.NewRouter()
	r.Use(s.record)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/system/version", s.handleVersion)
		r.Get("/services/pipelineServices/name/{name}", s.handleGetService)
		for collection := range collections {
			r.Get("/"+collection+"/name/{fqn}", s.handleGetEntity(collection))
		}
		r.Get("/pipelines/name/{fqn}", s.handleGetPipeline)
		r.Put("/pipelines", s.handlePutPipeline)
		r.Put("/pipelines/{fqn}/status", s.handlePutStatus)
		r.Put("/lineage", s.handlePutLineage)
		r.Get("/lineage/{entityType}/name/{fqn}", s.handleGetLineage)
		r.Delete("/lineage/{entityType}/{fromID}/{toType}/{toID}", s.handleDeleteLineage)
	})

	s.srv = httptest.NewServer(r)
	return s
}

// URL is the value to configure as metadata host_port.
func (s *Server) URL() string {
	return s.srv.URL + "/api"
}

// Close shuts the server down.
func (s *Server) Close() {
	s.srv.Close()
}

// =============================================================================
// Seeding and inspection
// =============================================================================

// AddPipelineService registers a pipeline service.
func (s *Server) AddPipelineService(name string) metadata.PipelineService {
	s.mu.Lock()
	defer s.mu.Unlock()

	svc := metadata.PipelineService{
		Entity:      metadata.Entity{ID: uuid.NewString(), Name: name, FullyQualifiedName: name},
		ServiceType: "Airflow",
	}
	s.services[name] = svc
	s.byID[svc.ID] = svc.Ref("pipelineService")
	return svc
}

// AddEntity registers a dataset entity; entityType is "table", "container", ...
func (s *Server) AddEntity(entityType, fqn string) metadata.EntityReference {
	s.mu.Lock()
	defer s.mu.Unlock()

	collection := entityType + "s"
	if s.entities[collection] == nil {
		s.entities[collection] = make(map[string]metadata.Entity)
	}
	name := fqn
	if i := strings.LastIndex(fqn, "."); i >= 0 {
		name = fqn[i+1:]
	}
	e := metadata.Entity{ID: uuid.NewString(), Name: name, FullyQualifiedName: fqn}
	s.entities[collection][fqn] = e
	ref := e.Ref(entityType)
	s.byID[e.ID] = ref
	return ref
}

// AddTable registers a table.
func (s *Server) AddTable(fqn string) metadata.EntityReference {
	return s.AddEntity("table", fqn)
}

// SeedEdge stores a lineage edge directly, bypassing the API.
func (s *Server) SeedEdge(from, to metadata.EntityReference, details *metadata.LineageDetails) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges[from.ID+"|"+to.ID] = StoredEdge{From: from, To: to, Details: details}
}

// FailNext makes the next `times` requests matching method and path prefix
// (relative to /api) fail with status.
func (s *Server) FailNext(method, pathPrefix string, status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, &failure{method: method, prefix: "/api" + pathPrefix, status: status, times: times})
}

// Pipeline returns a registered pipeline by FQN.
func (s *Server) Pipeline(fqn string) (metadata.Pipeline, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[fqn]
	return p, ok
}

// Statuses returns the statuses recorded for a pipeline.
func (s *Server) Statuses(fqn string) []metadata.PipelineStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]metadata.PipelineStatus(nil), s.statuses[fqn]...)
}

// Edges returns all stored lineage edges sorted by from/to FQN.
func (s *Server) Edges() []StoredEdge {
	s.mu.Lock()
	defer s.mu.Unlock()

	edges := make([]StoredEdge, 0, len(s.edges))
	for _, e := range s.edges {
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From.FullyQualifiedName != edges[j].From.FullyQualifiedName {
			return edges[i].From.FullyQualifiedName < edges[j].From.FullyQualifiedName
		}
		return edges[i].To.FullyQualifiedName < edges[j].To.FullyQualifiedName
	})
	return edges
}

// Requests returns every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// CountRequests counts requests with the given method whose path starts with
// the prefix (relative to /api).
func (s *Server) CountRequests(method, pathPrefix string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method && strings.HasPrefix(r.Path, "/api"+pathPrefix) {
			n++
		}
	}
	return n
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path, Auth: r.Header.Get("Authorization")})
		var fail *failure
		for _, f := range s.failures {
			if f.times > 0 && f.method == r.Method && strings.HasPrefix(r.URL.Path, f.prefix) {
				f.times--
				fail = f
				break
			}
		}
		s.mu.Unlock()

		if fail != nil {
			writeError(w, fail.status, "injected failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, metadata.VersionInfo{Version: "1.3.0-fake"})
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	name := param(r, "name")

	s.mu.Lock()
	svc, ok := s.services[name]
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("pipelineService instance for %s not found", name))
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) handleGetEntity(collection string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fqn := param(r, "fqn")

		s.mu.Lock()
		e, ok := s.entities[collection][fqn]
		s.mu.Unlock()

		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("%s instance for %s not found", collections[collection], fqn))
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	fqn := param(r, "fqn")

	s.mu.Lock()
	p, ok := s.pipelines[fqn]
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("pipeline instance for %s not found", fqn))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutPipeline(w http.ResponseWriter, r *http.Request) {
	var req metadata.CreatePipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name must not be empty")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	svc, ok := s.services[req.Service]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("pipelineService instance for %s not found", req.Service))
		return
	}

	fqn := svc.Name + "." + req.Name
	id := uuid.NewString()
	if existing, ok := s.pipelines[fqn]; ok {
		id = existing.ID
	}
	p := metadata.Pipeline{
		Entity: metadata.Entity{
			ID:                 id,
			Name:               req.Name,
			FullyQualifiedName: fqn,
			Description:        req.Description,
		},
		Service:          svc.Ref("pipelineService"),
		Tasks:            req.Tasks,
		ScheduleInterval: req.ScheduleInterval,
		SourceURL:        req.SourceURL,
	}
	s.pipelines[fqn] = p
	s.byID[p.ID] = p.Ref(metadata.EntityTypePipeline)
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutStatus(w http.ResponseWriter, r *http.Request) {
	fqn := param(r, "fqn")

	var status metadata.PipelineStatus
	if err := json.NewDecoder(r.Body).Decode(&status); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pipelines[fqn]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("pipeline instance for %s not found", fqn))
		return
	}

	// Statuses are keyed by timestamp; re-sending a run replaces it.
	list := s.statuses[fqn]
	replaced := false
	for i := range list {
		if list[i].Timestamp == status.Timestamp {
			list[i] = status
			replaced = true
		}
	}
	if !replaced {
		list = append(list, status)
	}
	s.statuses[fqn] = list
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutLineage(w http.ResponseWriter, r *http.Request) {
	var req metadata.AddLineageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	from, ok := s.byID[req.Edge.FromEntity.ID]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("entity %s not found", req.Edge.FromEntity.ID))
		return
	}
	to, ok := s.byID[req.Edge.ToEntity.ID]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("entity %s not found", req.Edge.ToEntity.ID))
		return
	}

	s.edges[from.ID+"|"+to.ID] = StoredEdge{From: from, To: to, Details: req.Edge.LineageDetails}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetLineage(w http.ResponseWriter, r *http.Request) {
	entityType := param(r, "entityType")
	fqn := param(r, "fqn")

	s.mu.Lock()
	defer s.mu.Unlock()

	var root metadata.EntityReference
	found := false
	if entityType == metadata.EntityTypePipeline {
		if p, ok := s.pipelines[fqn]; ok {
			root, found = p.Ref(metadata.EntityTypePipeline), true
		}
	} else if e, ok := s.entities[entityType+"s"][fqn]; ok {
		root, found = e.Ref(entityType), true
	}
	if !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s instance for %s not found", entityType, fqn))
		return
	}

	lineage := metadata.EntityLineage{Entity: root}
	nodes := make(map[string]metadata.EntityReference)
	for _, e := range s.edges {
		edge := metadata.Edge{FromEntity: e.From.ID, ToEntity: e.To.ID, LineageDetails: e.Details}
		switch {
		case entityType == metadata.EntityTypePipeline:
			if e.Details != nil && e.Details.Pipeline != nil && e.Details.Pipeline.ID == root.ID {
				lineage.DownstreamEdges = append(lineage.DownstreamEdges, edge)
				nodes[e.From.ID] = e.From
				nodes[e.To.ID] = e.To
			}
		case e.To.ID == root.ID:
			lineage.UpstreamEdges = append(lineage.UpstreamEdges, edge)
			nodes[e.From.ID] = e.From
		case e.From.ID == root.ID:
			lineage.DownstreamEdges = append(lineage.DownstreamEdges, edge)
			nodes[e.To.ID] = e.To
		}
	}
	for _, n := range nodes {
		lineage.Nodes = append(lineage.Nodes, n)
	}
	writeJSON(w, http.StatusOK, lineage)
}

func (s *Server) handleDeleteLineage(w http.ResponseWriter, r *http.Request) {
	key := param(r, "fromID") + "|" + param(r, "toID")

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.edges[key]; !ok {
		writeError(w, http.StatusNotFound, "lineage edge not found")
		return
	}
	delete(s.edges, key)
	w.WriteHeader(http.StatusOK)
}

func param(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if unescaped, err := url.PathUnescape(v); err == nil {
		return unescaped
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"code": status, "message": message})
}
