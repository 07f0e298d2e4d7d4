package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dreamware/secchiware/internal/database"
	"github.com/dreamware/secchiware/internal/memstore"
	"github.com/dreamware/secchiware/internal/nodeclient"
	"github.com/dreamware/secchiware/internal/repository"
)

// Polling parameters while another request primes an installed cache.
const (
	installedCacheWait = 30 * time.Second
	installedCachePoll = 1 * time.Second
)

// activeEnvironment is one entry of the active environment listing.
type activeEnvironment struct {
	SessionID    int64  `json:"session_id"`
	IP           string `json:"ip"`
	Port         int    `json:"port"`
	SessionStart string `json:"session_start"`
}

// registration is the body of a node's register request.
type registration struct {
	IP           string                 `json:"ip"`
	Port         *int                   `json:"port"`
	PlatformInfo *database.PlatformInfo `json:"platform_info"`
}

// endpointParams extracts the (ip, port) pair from the URL. A port that is
// not a number cannot name an environment.
func endpointParams(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	ip := chi.URLParam(r, "ip")
	port, err := strconv.Atoi(chi.URLParam(r, "port"))
	if err != nil || port < 0 {
		notRegisteredError(w, ip, 0)
		return "", 0, false
	}
	return ip, port, true
}

// checkRegistered resolves the active session at (ip, port), writing a 404
// when there is none.
func (s *Server) checkRegistered(w http.ResponseWriter, r *http.Request, ip string, port int) (int64, bool) {
	id, err := s.db.ActiveSessionID(r.Context(), ip, port)
	if errors.Is(err, database.ErrNoActiveSession) {
		notRegisteredError(w, ip, port)
		return 0, false
	}
	if err != nil {
		s.log.Error("resolving active session", zap.Error(err))
		coordinatorError(w)
		return 0, false
	}
	return id, true
}

func (s *Server) listEnvironments(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.db.ListActiveSessions(r.Context())
	if err != nil {
		s.log.Error("listing active sessions", zap.Error(err))
		coordinatorError(w)
		return
	}
	environments := make([]activeEnvironment, 0, len(sessions))
	for _, session := range sessions {
		environments = append(environments, activeEnvironment{
			SessionID:    session.ID,
			IP:           session.IP,
			Port:         session.Port,
			SessionStart: session.Start,
		})
	}
	writeJSON(w, http.StatusOK, environments)
}

func (s *Server) registerEnvironment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, ok := readBody(w, r, maxJSONBody)
	if !ok {
		return
	}
	if !checkDigest(w, r, body) {
		return
	}
	if !s.checkAuthorization(w, r, s.nodeKey, "Digest") {
		return
	}
	if !checkJSON(w, r) {
		return
	}

	var req registration
	if err := json.Unmarshal(body, &req); err != nil || req.IP == "" ||
		req.Port == nil || req.PlatformInfo == nil {
		writeError(w, http.StatusBadRequest,
			"One or more keys missing in request's body")
		return
	}
	ip, port := req.IP, *req.Port

	// An active session still on record means the node died without
	// deregistering; the replacement row ends it in the same transaction.
	id, ended, err := s.db.StartSession(ctx, ip, port, *req.PlatformInfo)
	if err != nil {
		s.log.Error("starting session", zap.Error(err))
		coordinatorError(w)
		return
	}
	if ended {
		if err := s.cache.ClearEnvironmentCache(ctx, ip, port); err != nil {
			s.log.Error("clearing environment cache", zap.Error(err))
			coordinatorError(w)
			return
		}
	}

	if err := s.cache.MarkInstalledUncached(ctx, ip, port); err != nil {
		s.log.Error("marking installed cache", zap.Error(err))
		coordinatorError(w)
		return
	}

	session, err := s.db.SessionByID(ctx, id)
	if err != nil {
		s.log.Error("reading back session", zap.Error(err))
		coordinatorError(w)
		return
	}
	event := memstore.SessionEvent{
		Type:         "start",
		SessionID:    id,
		SessionStart: session.Start,
		IP:           ip,
		Port:         port,
	}
	if err := s.cache.PublishSessionEvent(ctx, event); err != nil {
		s.log.Error("publishing start event", zap.Error(err))
	}

	s.log.Info("environment registered",
		zap.String("ip", ip), zap.Int("port", port), zap.Int64("session", id))
	writeNoContent(w)
}

func (s *Server) deregisterEnvironment(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuthorization(w, r, s.nodeKey) {
		return
	}
	ip, port, ok := endpointParams(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	id, err := s.db.ActiveSessionID(ctx, ip, port)
	if errors.Is(err, database.ErrNoActiveSession) {
		notRegisteredError(w, ip, port)
		return
	}
	if err != nil {
		s.log.Error("resolving active session", zap.Error(err))
		coordinatorError(w)
		return
	}

	if _, err := s.db.EndActiveSession(ctx, ip, port); err != nil {
		s.log.Error("ending session", zap.Error(err))
		coordinatorError(w)
		return
	}
	if err := s.cache.ClearEnvironmentCache(ctx, ip, port); err != nil {
		s.log.Error("clearing environment cache", zap.Error(err))
		coordinatorError(w)
		return
	}

	event := memstore.SessionEvent{Type: "stop", SessionID: id, IP: ip, Port: port}
	if err := s.cache.PublishSessionEvent(ctx, event); err != nil {
		s.log.Error("publishing stop event", zap.Error(err))
	}

	s.log.Info("environment deregistered",
		zap.String("ip", ip), zap.Int("port", port), zap.Int64("session", id))
	writeNoContent(w)
}

func (s *Server) environmentInfo(w http.ResponseWriter, r *http.Request) {
	ip, port, ok := endpointParams(w, r)
	if !ok {
		return
	}
	session, err := s.db.ActiveSession(r.Context(), ip, port)
	if errors.Is(err, database.ErrNoActiveSession) {
		notRegisteredError(w, ip, port)
		return
	}
	if err != nil {
		s.log.Error("reading active session", zap.Error(err))
		coordinatorError(w)
		return
	}
	writeJSON(w, http.StatusOK, session.PlatformInfo())
}

func (s *Server) listInstalled(w http.ResponseWriter, r *http.Request) {
	ip, port, ok := endpointParams(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if _, ok := s.checkRegistered(w, r, ip, port); !ok {
		return
	}

	cached, err := s.cache.InstalledCached(ctx, ip, port)
	if err != nil {
		s.log.Error("reading installed flag", zap.Error(err))
		coordinatorError(w)
		return
	}

	// When the cache is cold, either this request primes it under the
	// environment mutex or it waits for the request that is already doing
	// so and serves from the cache afterwards. The mutex TTL bounds how
	// long a crashed primer can block the wait.
	waitCtx, cancel := context.WithTimeout(ctx, installedCacheWait)
	defer cancel()
	mutex := s.cache.InstalledMutex(ip, port)
	holding := false
	for !cached && !holding {
		holding, err = mutex.TryAcquire(ctx)
		if err != nil {
			s.log.Error("acquiring installed mutex", zap.Error(err))
			coordinatorError(w)
			return
		}
		if holding {
			break
		}
		select {
		case <-waitCtx.Done():
			coordinatorError(w)
			return
		case <-time.After(installedCachePoll):
		}
		cached, err = s.cache.InstalledCached(ctx, ip, port)
		if err != nil {
			s.log.Error("reading installed flag", zap.Error(err))
			coordinatorError(w)
			return
		}
	}

	if cached {
		if holding {
			if err := mutex.Release(ctx); err != nil {
				s.log.Warn("releasing installed mutex", zap.Error(err))
			}
		}
		manifests, err := s.cache.ListInstalled(ctx, ip, port)
		if err != nil {
			s.log.Error("projecting installed cache", zap.Error(err))
			coordinatorError(w)
			return
		}
		writeJSON(w, http.StatusOK, manifests)
		return
	}

	defer func() {
		if err := mutex.Release(ctx); err != nil {
			s.log.Warn("releasing installed mutex", zap.Error(err))
		}
	}()

	resp, err := s.nodes.TestSets(ctx, ip, port)
	if errors.Is(err, nodeclient.ErrUnreachable) {
		unreachableError(w)
		return
	}
	if err != nil {
		s.log.Error("fetching installed from node", zap.Error(err))
		coordinatorError(w)
		return
	}
	if resp.Status != http.StatusOK {
		unexpectedNodeError(w, ip, port)
		return
	}

	var manifests []repository.Package
	if err := json.Unmarshal(resp.Body, &manifests); err != nil {
		unexpectedNodeError(w, ip, port)
		return
	}
	entries := make([]memstore.Entry, 0, len(manifests))
	for _, manifest := range manifests {
		encoded, err := json.Marshal(manifest)
		if err != nil {
			coordinatorError(w)
			return
		}
		entries = append(entries, memstore.Entry{Name: manifest.Name, Manifest: encoded})
	}
	if err := s.cache.PrimeInstalled(ctx, ip, port, entries); err != nil {
		s.log.Error("priming installed cache", zap.Error(err))
		coordinatorError(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Body)
}

func (s *Server) installPackages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, ok := readBody(w, r, maxJSONBody)
	if !ok {
		return
	}
	if !checkDigest(w, r, body) {
		return
	}
	if !s.checkAuthorization(w, r, s.clientKey, "Digest") {
		return
	}
	ip, port, ok := endpointParams(w, r)
	if !ok {
		return
	}
	if _, ok := s.checkRegistered(w, r, ip, port); !ok {
		return
	}
	if !checkJSON(w, r) {
		return
	}

	var packages []string
	if err := json.Unmarshal(body, &packages); err != nil {
		writeError(w, http.StatusBadRequest,
			"Request's body is not a JSON array of package names")
		return
	}

	// The repository stays readable by others while the archive is built,
	// but no writer may mutate it until the install settles.
	reader := s.cache.RepositoryReaderLock()
	if err := reader.Acquire(ctx); err != nil {
		s.log.Error("acquiring repository reader lock", zap.Error(err))
		coordinatorError(w)
		return
	}
	defer func() {
		if err := reader.Release(ctx); err != nil {
			s.log.Warn("releasing repository reader lock", zap.Error(err))
		}
	}()

	var archive bytes.Buffer
	if err := s.repo.Pack(&archive, packages); err != nil {
		if errors.Is(err, repository.ErrNotTopLevel) ||
			errors.Is(err, repository.ErrPackageNotFound) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("packing archive", zap.Error(err))
		coordinatorError(w)
		return
	}

	mutex := s.cache.InstalledMutex(ip, port)
	if err := mutex.Acquire(ctx); err != nil {
		s.log.Error("acquiring installed mutex", zap.Error(err))
		coordinatorError(w)
		return
	}
	defer func() {
		if err := mutex.Release(ctx); err != nil {
			s.log.Warn("releasing installed mutex", zap.Error(err))
		}
	}()

	resp, err := s.nodes.InstallPackages(ctx, ip, port, archive.Bytes())
	if errors.Is(err, nodeclient.ErrUnreachable) {
		unreachableError(w)
		return
	}
	if err != nil {
		s.log.Error("sending install to node", zap.Error(err))
		coordinatorError(w)
		return
	}

	switch resp.Status {
	case http.StatusNoContent:
		cached, err := s.cache.InstalledCached(ctx, ip, port)
		if err != nil {
			s.log.Error("reading installed flag", zap.Error(err))
			coordinatorError(w)
			return
		}
		if cached {
			if err := s.cache.CopyRepositoryToInstalled(ctx, ip, port, packages); err != nil {
				s.log.Error("updating installed cache", zap.Error(err))
				coordinatorError(w)
				return
			}
		}
		writeNoContent(w)
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusUnsupportedMediaType:
		// The node refused a request the coordinator built.
		coordinatorError(w)
	default:
		unexpectedNodeError(w, ip, port)
	}
}

func (s *Server) uninstallPackage(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuthorization(w, r, s.clientKey) {
		return
	}
	ip, port, ok := endpointParams(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if _, ok := s.checkRegistered(w, r, ip, port); !ok {
		return
	}
	name := chi.URLParam(r, "package")

	mutex := s.cache.InstalledMutex(ip, port)
	if err := mutex.Acquire(ctx); err != nil {
		s.log.Error("acquiring installed mutex", zap.Error(err))
		coordinatorError(w)
		return
	}
	defer func() {
		if err := mutex.Release(ctx); err != nil {
			s.log.Warn("releasing installed mutex", zap.Error(err))
		}
	}()

	resp, err := s.nodes.UninstallPackage(ctx, ip, port, name)
	if errors.Is(err, nodeclient.ErrUnreachable) {
		unreachableError(w)
		return
	}
	if err != nil {
		s.log.Error("sending uninstall to node", zap.Error(err))
		coordinatorError(w)
		return
	}

	switch resp.Status {
	case http.StatusNoContent:
		cached, err := s.cache.InstalledCached(ctx, ip, port)
		if err != nil {
			s.log.Error("reading installed flag", zap.Error(err))
			coordinatorError(w)
			return
		}
		if cached {
			if err := s.cache.RemoveInstalled(ctx, ip, port, name); err != nil {
				s.log.Error("updating installed cache", zap.Error(err))
				coordinatorError(w)
				return
			}
		}
		writeNoContent(w)
	case http.StatusUnauthorized, http.StatusNotFound:
		writeError(w, http.StatusNotFound,
			fmt.Sprintf("'%s' not found at %s:%d", name, ip, port))
	default:
		unexpectedNodeError(w, ip, port)
	}
}

// executeTests proxies a report request to the node and persists the
// returned reports as one execution of the active session.
func (s *Server) executeTests(w http.ResponseWriter, r *http.Request) {
	ip, port, ok := endpointParams(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	sessionID, ok := s.checkRegistered(w, r, ip, port)
	if !ok {
		return
	}

	query := r.URL.Query()
	for key := range query {
		switch key {
		case "packages", "modules", "test_sets", "tests":
		default:
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("Invalid key '%s' found in query parameters", key))
			return
		}
	}

	resp, err := s.nodes.Reports(ctx, ip, port, query)
	if errors.Is(err, nodeclient.ErrUnreachable) {
		unreachableError(w)
		return
	}
	if err != nil {
		s.log.Error("fetching reports from node", zap.Error(err))
		coordinatorError(w)
		return
	}

	switch resp.Status {
	case http.StatusOK:
	case http.StatusBadRequest:
		coordinatorError(w)
		return
	case http.StatusNotFound:
		writeError(w, http.StatusNotFound,
			"A specified entity does not exist in the node.")
		return
	default:
		unexpectedNodeError(w, ip, port)
		return
	}

	var reports []database.Report
	if err := json.Unmarshal(resp.Body, &reports); err != nil {
		unexpectedNodeError(w, ip, port)
		return
	}
	if _, err := s.db.RecordExecution(ctx, sessionID, reports); err != nil {
		s.log.Error("recording execution", zap.Error(err))
		coordinatorError(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Body)
}
