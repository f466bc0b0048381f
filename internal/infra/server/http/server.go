package httpserver

import (
	"bytes"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/pricewatch/errs"
	"github.com/coachpo/pricewatch/internal/domain/schema"
	"github.com/coachpo/pricewatch/internal/engine"
	"github.com/coachpo/pricewatch/internal/infra/config"
)

const (
	maxJSONBodyBytes = 1 << 20

	watchlistPath         = "/watchlist"
	watchlistDetailPrefix = "/watchlist/"
	statusPath            = "/status"
	settingsPath          = "/settings"
	livePath              = "/live"
	circuitResetPath      = "/circuit/reset"
	notificationsPath     = "/notifications/reset"
	pollPath              = "/poll"
	storageReloadPath     = "/storage/reload"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment config.Environment
	engine      *engine.Engine
	logger      *log.Logger
}

type addItemPayload struct {
	Symbol         string  `json:"symbol"`
	DisplayName    string  `json:"displayName"`
	AlertThreshold float64 `json:"alertThreshold"`
}

type thresholdPayload struct {
	Threshold *float64 `json:"threshold"`
}

type renamePayload struct {
	DisplayName string `json:"displayName"`
}

type livePayload struct {
	Enabled *bool `json:"enabled"`
}

type settingsPayload struct {
	LiveMode     *bool   `json:"liveMode"`
	NotifyOnDrop *bool   `json:"notifyOnDrop"`
	PollInterval *string `json:"pollInterval"`
}

type settingsResponse struct {
	LiveMode     bool   `json:"liveMode"`
	NotifyOnDrop bool   `json:"notifyOnDrop"`
	PollInterval string `json:"pollInterval,omitempty"`
}

type statusResponse struct {
	engine.Status
	Environment config.Environment `json:"environment"`
}

// NewHandler exposes the engine control surface over HTTP.
func NewHandler(environment config.Environment, eng *engine.Engine, logger *log.Logger) http.Handler {
	if logger == nil {
		logger = log.New(os.Stdout, "http ", log.LstdFlags|log.Lmicroseconds)
	}
	server := &httpServer{
		environment: environment,
		engine:      eng,
		logger:      logger,
	}

	mux := http.NewServeMux()
	mux.Handle(watchlistPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listItems,
		http.MethodPost: server.addItem,
	}))
	mux.HandleFunc(watchlistDetailPrefix, server.handleItem)
	mux.Handle(statusPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getStatus,
	}))
	mux.Handle(settingsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getSettings,
		http.MethodPut: server.updateSettings,
	}))
	mux.Handle(livePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPut: server.setLive,
	}))
	mux.Handle(circuitResetPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.resetCircuit,
	}))
	mux.Handle(notificationsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.resetNotifications,
	}))
	mux.Handle(pollPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.pollNow,
	}))
	mux.Handle(storageReloadPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.reloadStorage,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler, ok := handlers[r.Method]
		if !ok {
			methodNotAllowed(w, allowed...)
			return
		}
		handler(w, r)
	})
}

func (s *httpServer) listItems(w http.ResponseWriter, _ *http.Request) {
	items := s.engine.Items()
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *httpServer) addItem(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload addItemPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	item, err := s.engine.Add(r.Context(), payload.Symbol, payload.DisplayName, payload.AlertThreshold)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *httpServer) handleItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, watchlistDetailPrefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "symbol required")
		return
	}

	symbol, action, hasAction := strings.Cut(rest, "/")
	symbol = schema.NormalizeSymbol(symbol)
	if symbol == "" {
		writeError(w, http.StatusNotFound, "symbol required")
		return
	}

	if !hasAction {
		s.handleItemResource(w, r, symbol)
		return
	}
	s.handleItemAction(w, r, symbol, strings.TrimSpace(action))
}

func (s *httpServer) handleItemResource(w http.ResponseWriter, r *http.Request, symbol string) {
	switch r.Method {
	case http.MethodGet:
		item, ok := s.engine.Item(symbol)
		if !ok {
			writeError(w, http.StatusNotFound, "symbol not watched")
			return
		}
		writeJSON(w, http.StatusOK, item)
	case http.MethodDelete:
		if err := s.engine.Remove(symbol); err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "symbol": symbol})
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
}

func (s *httpServer) handleItemAction(w http.ResponseWriter, r *http.Request, symbol, action string) {
	switch action {
	case "threshold":
		s.handleThreshold(w, r, symbol)
	case "name":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, http.MethodPut)
			return
		}
		limitRequestBody(w, r)
		var payload renamePayload
		if err := decodeJSON(r, &payload); err != nil {
			writeDecodeError(w, err)
			return
		}
		item, err := s.engine.Rename(symbol, payload.DisplayName)
		s.writeItem(w, item, err)
	case "alert/reset":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		item, err := s.engine.ResetAlert(symbol)
		s.writeItem(w, item, err)
	default:
		writeError(w, http.StatusNotFound, "unsupported action")
	}
}

func (s *httpServer) handleThreshold(w http.ResponseWriter, r *http.Request, symbol string) {
	switch r.Method {
	case http.MethodPut:
		limitRequestBody(w, r)
		var payload thresholdPayload
		if err := decodeJSON(r, &payload); err != nil {
			writeDecodeError(w, err)
			return
		}
		if payload.Threshold == nil {
			writeError(w, http.StatusBadRequest, "threshold required")
			return
		}
		item, err := s.engine.SetThreshold(symbol, *payload.Threshold)
		s.writeItem(w, item, err)
	case http.MethodDelete:
		item, err := s.engine.ClearThreshold(symbol)
		s.writeItem(w, item, err)
	default:
		methodNotAllowed(w, http.MethodPut, http.MethodDelete)
	}
}

func (s *httpServer) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:      s.engine.Status(),
		Environment: s.environment,
	})
}

func (s *httpServer) getSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, settingsView(s.engine.Settings()))
}

func (s *httpServer) updateSettings(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload settingsPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	var interval time.Duration
	if payload.PollInterval != nil {
		parsed, err := time.ParseDuration(strings.TrimSpace(*payload.PollInterval))
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "pollInterval must be a positive duration")
			return
		}
		interval = parsed
	}
	if payload.NotifyOnDrop != nil {
		s.engine.SetNotifyOnDrop(*payload.NotifyOnDrop)
	}
	if interval > 0 {
		s.engine.SetPollInterval(interval)
	}
	if payload.LiveMode != nil {
		s.engine.SetLiveMode(*payload.LiveMode)
	}
	writeJSON(w, http.StatusOK, settingsView(s.engine.Settings()))
}

func (s *httpServer) setLive(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload livePayload
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	if payload.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled required")
		return
	}
	s.engine.SetLiveMode(*payload.Enabled)
	s.logger.Printf("live mode set to %t", *payload.Enabled)
	s.getStatus(w, r)
}

func (s *httpServer) resetCircuit(w http.ResponseWriter, r *http.Request) {
	s.engine.ResetCircuit()
	s.getStatus(w, r)
}

func (s *httpServer) resetNotifications(w http.ResponseWriter, r *http.Request) {
	s.engine.ResetPermission()
	s.getStatus(w, r)
}

func (s *httpServer) reloadStorage(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Reload(r.Context()); err != nil {
		s.logger.Printf("storage reload failed: %v", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.getStatus(w, r)
}

func (s *httpServer) pollNow(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.PollNow(r.Context()))
}

func (s *httpServer) writeItem(w http.ResponseWriter, item schema.WatchedItem, err error) {
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *httpServer) writeEngineError(w http.ResponseWriter, err error) {
	code, _ := errs.CodeOf(err)
	switch code {
	case errs.CodeInvalid:
		writeError(w, http.StatusBadRequest, err.Error())
	case errs.CodeNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case errs.CodeConflict:
		writeError(w, http.StatusConflict, err.Error())
	case errs.CodeRateLimited:
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		s.logger.Printf("request failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func settingsView(settings schema.Settings) settingsResponse {
	view := settingsResponse{
		LiveMode:     settings.LiveMode,
		NotifyOnDrop: settings.NotifyOnDrop,
	}
	if settings.PollInterval > 0 {
		view.PollInterval = settings.PollInterval.String()
	}
	return view
}

func decodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return errors.New("request body required")
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "invalid JSON payload: "+err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	methods := make([]string, 0, len(handlers))
	for method := range handlers {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	return methods
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
