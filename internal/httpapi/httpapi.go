// Package httpapi is Bay's REST + WebSocket façade (C9): bearer-token
// auth, the X-SESSION-ID convention, request parsing, and domain-error to
// HTTP-status mapping in front of C6/C1/C3.
//
// Grounded on the teacher's startSseServer/startStreamingServer handlers
// (cmd/docker-mcp/internal/gateway/sse.go, streaming.go) for the
// http.Handler + gorilla/mux wiring shape and middleware-as-function-chain
// idiom; Bay's façade is REST+JSON instead of the teacher's MCP transport,
// so the route table itself is new.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/shipyard/bay/internal/config"
	"github.com/shipyard/bay/internal/errs"
	"github.com/shipyard/bay/internal/reaper"
	"github.com/shipyard/bay/internal/shipclient"
	"github.com/shipyard/bay/internal/shipservice"
	"github.com/shipyard/bay/internal/store"
	"github.com/shipyard/bay/internal/warmpool"
)

// Server wires C1/C3/C6 behind an authenticated HTTP router.
type Server struct {
	store  *store.Store
	ships  *shipservice.Service
	cfg    config.Config
	log    *logrus.Entry
	router *mux.Router
}

// New builds the façade's route table. The warm pool and reaper own no
// routes of their own; New accepts them only to keep cmd/bay's
// construction order explicit (façade built last, after every background
// loop it fronts).
func New(st *store.Store, ships *shipservice.Service, _ *warmpool.Replenisher, _ *reaper.Reaper, cfg config.Config, log *logrus.Entry) *Server {
	s := &Server{store: st, ships: ships, cfg: cfg, log: log, router: mux.NewRouter()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// The terminal WebSocket reports auth/session/ship failures as close
	// codes (4001/4003/4004), not HTTP statuses, so it checks the bearer
	// token itself instead of going through authMiddleware, which would
	// otherwise answer a failed upgrade with a plain 401.
	r.HandleFunc("/ship/{id}/term", s.handleTerminal).Methods(http.MethodGet)

	protected := r.NewRoute().Subrouter()
	protected.Use(s.authMiddleware)

	protected.HandleFunc("/stat", s.handleStat).Methods(http.MethodGet)
	protected.HandleFunc("/stat/overview", s.handleStat).Methods(http.MethodGet)

	protected.HandleFunc("/ship", s.handleCreateShip).Methods(http.MethodPost)
	protected.HandleFunc("/ship/{id}", s.handleGetShip).Methods(http.MethodGet)
	protected.HandleFunc("/ship/{id}", s.handleStopShip).Methods(http.MethodDelete)
	protected.HandleFunc("/ship/{id}/permanent", s.handleDeleteShip).Methods(http.MethodDelete)
	protected.HandleFunc("/ship/{id}/exec", s.handleExec).Methods(http.MethodPost)
	protected.HandleFunc("/ship/{id}/extend-ttl", s.handleExtendTTL).Methods(http.MethodPost)
	protected.HandleFunc("/ship/{id}/start", s.handleStartShip).Methods(http.MethodPost)
	protected.HandleFunc("/ship/logs/{id}", s.handleShipLogs).Methods(http.MethodGet)
	protected.HandleFunc("/ship/{id}/upload", s.handleUpload).Methods(http.MethodPost)
	protected.HandleFunc("/ship/{id}/download", s.handleDownload).Methods(http.MethodGet)

	protected.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	protected.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	protected.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods(http.MethodDelete)
	protected.HandleFunc("/sessions/{id}/history", s.handleListHistory).Methods(http.MethodGet)
	protected.HandleFunc("/sessions/{id}/history/last", s.handleLastHistory).Methods(http.MethodGet)
	protected.HandleFunc("/sessions/{id}/history/{execId}", s.handleGetHistory).Methods(http.MethodGet)
	protected.HandleFunc("/sessions/{id}/history/{execId}", s.handleAnnotateHistory).Methods(http.MethodPatch)
}

// authMiddleware enforces the bearer token (constant-time comparison) on
// the protected subrouter: every route except /health and the terminal
// route, which checks the token itself.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AccessToken)) != 1 {
			writeError(w, errs.New(errs.KindUnauthorized, "missing or invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// sessionID reads the required X-SESSION-ID header. The façade treats this
// header as the session identity and never infers it from other state.
func sessionID(r *http.Request) (string, error) {
	id := r.Header.Get("X-SESSION-ID")
	if id == "" {
		return "", errs.New(errs.KindInvalidRequest, "X-SESSION-ID header is required")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a domain error to its HTTP status. Errors that aren't a
// *errs.Error are treated as internal.
func writeError(w http.ResponseWriter, err error) {
	if e, ok := errs.As(err); ok {
		writeJSON(w, e.HTTPStatus(), map[string]string{"error": e.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStat(w http.ResponseWriter, r *http.Request) {
	ships, err := s.store.Q().ListAllShips(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	counts := map[string]int{}
	for _, sh := range ships {
		counts[string(sh.Status)]++
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":  len(ships),
		"counts": counts,
	})
}

type createShipRequest struct {
	TTLSeconds  int                `json:"ttl"`
	Spec        store.ResourceSpec `json:"spec"`
	ForceCreate bool               `json:"force_create"`
}

func (s *Server) handleCreateShip(w http.ResponseWriter, r *http.Request) {
	sid, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req createShipRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	ship, err := s.ships.Acquire(r.Context(), sid, req.TTLSeconds, req.Spec, req.ForceCreate)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ship)
}

func (s *Server) handleGetShip(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ship, err := s.store.Q().GetShip(r.Context(), id)
	if err != nil {
		writeError(w, notFoundIfMissing(err, "ship", id))
		return
	}
	writeJSON(w, http.StatusOK, ship)
}

func (s *Server) handleStopShip(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.ships.Stop(r.Context(), id); err != nil {
		writeError(w, notFoundIfMissing(err, "ship", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteShip(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.ships.DeletePermanent(r.Context(), id); err != nil {
		writeError(w, notFoundIfMissing(err, "ship", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartShip(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sid, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ship, err := s.store.Q().GetShip(r.Context(), id)
	if err != nil {
		writeError(w, notFoundIfMissing(err, "ship", id))
		return
	}
	spec, _ := ship.UnmarshalSpec()
	recovered, err := s.ships.Acquire(r.Context(), sid, ship.TTLSeconds, spec, false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recovered)
}

type extendTTLRequest struct {
	TTLSeconds int `json:"ttl"`
}

func (s *Server) handleExtendTTL(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req extendTTLRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	ship, err := s.ships.ExtendTTL(r.Context(), id, req.TTLSeconds)
	if err != nil {
		writeError(w, notFoundIfMissing(err, "ship", id))
		return
	}
	writeJSON(w, http.StatusOK, ship)
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sid, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req shipclient.ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindInvalidRequest, "decode exec request", err))
		return
	}
	resp, err := s.ships.Execute(r.Context(), id, sid, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleShipLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tail := 200
	if v := r.URL.Query().Get("tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			tail = n
		}
	}
	ship, err := s.store.Q().GetShip(r.Context(), id)
	if err != nil {
		writeError(w, notFoundIfMissing(err, "ship", id))
		return
	}
	client := shipclient.New(ship.Endpoint, s.cfg.ShipHealthCheckTimeout)
	logs, err := client.Logs(r.Context(), tail)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
}

// handleUpload mirrors the Ship's own /upload contract: the caller's
// multipart body (dest_path field + file) is forwarded to the Ship
// verbatim rather than re-encoded, so Bay's route is a thin proxy.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ship, err := s.store.Q().GetShip(r.Context(), id)
	if err != nil {
		writeError(w, notFoundIfMissing(err, "ship", id))
		return
	}
	client := shipclient.New(ship.Endpoint, s.cfg.ShipHealthCheckTimeout)
	if err := client.UploadRaw(r.Context(), r.Header.Get("Content-Type"), r.Body); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleDownload mirrors the Ship's own /download?file_path=… contract.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	path := r.URL.Query().Get("file_path")
	ship, err := s.store.Q().GetShip(r.Context(), id)
	if err != nil {
		writeError(w, notFoundIfMissing(err, "ship", id))
		return
	}
	client := shipclient.New(ship.Endpoint, s.cfg.ShipHealthCheckTimeout)
	body, err := client.Download(r.Context(), path)
	if err != nil {
		writeError(w, err)
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = io.Copy(w, body)
}

// handleTerminal upgrades the client to a WebSocket and proxies it to the
// Ship's own terminal endpoint. Browsers cannot attach an Authorization
// header or X-SESSION-ID to a WebSocket handshake, so this route accepts the
// bearer token and session id as either headers or `token`/`session_id`
// query parameters; the header takes precedence when both are present.
// `cols`/`rows` (initial terminal size) are forwarded
// to the Ship's terminal URL as-is so the Ship can size the PTY before the
// first resize control frame arrives.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	q := r.URL.Query()

	token := bearerToken(r)
	if token == "" {
		token = q.Get("token")
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AccessToken)) != 1 {
		closeWithCode(w, r, 4001, "invalid bearer token")
		return
	}

	sid := r.Header.Get("X-SESSION-ID")
	if sid == "" {
		sid = q.Get("session_id")
	}
	if sid == "" {
		closeWithCode(w, r, 4003, "session id is required")
		return
	}

	sess, err := s.store.Q().GetSession(r.Context(), sid)
	if err != nil || sess.ShipID != id {
		closeWithCode(w, r, 4003, "session not bound to this ship")
		return
	}

	ship, err := s.store.Q().GetShip(r.Context(), id)
	if err != nil {
		closeWithCode(w, r, 4004, "unknown ship")
		return
	}

	clientConn, err := shipclient.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer clientConn.Close()

	shipWSURL := "ws://" + ship.Endpoint + "/terminal"
	if cols := q.Get("cols"); cols != "" {
		shipWSURL += "?cols=" + cols + "&rows=" + q.Get("rows")
	}
	if err := shipclient.ProxyTerminal(r.Context(), clientConn, shipWSURL, s.log); err != nil {
		s.log.WithError(err).WithField("ship_id", id).Debug("terminal proxy closed")
	}
}

// closeWithCode upgrades just far enough to send a WebSocket close frame
// with the given code (4001 auth, 4003 no session, 4004 unknown ship),
// since a plain HTTP error response isn't visible to a WS client that
// already expects the Upgrade handshake.
func closeWithCode(w http.ResponseWriter, r *http.Request, code int, reason string) {
	conn, err := shipclient.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeError(w, errs.New(errs.KindInvalidRequest, "listing all sessions is not supported; query /sessions/{id}"))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.store.Q().GetSession(r.Context(), id)
	if err != nil {
		writeError(w, notFoundIfMissing(err, "session", id))
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.store.Q().DeleteSession(r.Context(), id); err != nil {
		writeError(w, notFoundIfMissing(err, "session", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	filter := store.HistoryFilter{SessionID: id}
	q := r.URL.Query()
	if v := q.Get("exec_type"); v != "" {
		et := store.ExecType(v)
		filter.ExecType = &et
	}
	if v := q.Get("success_only"); v != "" {
		b := v == "true"
		filter.Success = &b
	}
	if v := q.Get("tags"); v != "" {
		filter.Tags = strings.Split(v, ",")
	}
	if v := q.Get("has_notes"); v != "" {
		b := v == "true"
		filter.HasNotes = &b
	}
	if v := q.Get("has_description"); v != "" {
		b := v == "true"
		filter.HasDescription = &b
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}

	recs, err := s.store.Q().ListExecutions(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	// The body stays the plain rows array callers index into directly, and
	// the total count across all pages (ignoring limit/offset) rides along
	// on a response header instead of wrapping the body in an envelope.
	total, err := s.store.Q().CountExecutions(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("X-Total-Count", strconv.Itoa(total))
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	execID := mux.Vars(r)["execId"]
	rec, err := s.store.Q().GetExecution(r.Context(), execID)
	if err != nil {
		writeError(w, notFoundIfMissing(err, "execution", execID))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleLastHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var execType *store.ExecType
	if v := r.URL.Query().Get("exec_type"); v != "" {
		et := store.ExecType(v)
		execType = &et
	}
	rec, err := s.store.Q().GetLastExecution(r.Context(), id, execType)
	if err != nil {
		writeError(w, notFoundIfMissing(err, "execution", "last"))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type annotateRequest struct {
	Description *string `json:"description"`
	Tags        *string `json:"tags"`
	Notes       *string `json:"notes"`
}

func (s *Server) handleAnnotateHistory(w http.ResponseWriter, r *http.Request) {
	execID := mux.Vars(r)["execId"]
	var req annotateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindInvalidRequest, "decode annotate request", err))
		return
	}
	rec, err := s.store.Q().AnnotateExecution(r.Context(), execID, req.Description, req.Tags, req.Notes)
	if err != nil {
		writeError(w, notFoundIfMissing(err, "execution", execID))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func notFoundIfMissing(err error, what, id string) error {
	if err == store.ErrNotFound {
		return errs.NotFound(what, id)
	}
	return err
}
