// Package httpserver exposes the gateway notification endpoint, the health
// probe and read-only operator endpoints.
package httpserver

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/paybridge/errs"
	"github.com/coachpo/paybridge/internal/app/callbacks"
	"github.com/coachpo/paybridge/internal/domain/auditstore"
	"github.com/coachpo/paybridge/internal/domain/ledgerstore"
	"github.com/coachpo/paybridge/internal/domain/orderstore"
	"github.com/coachpo/paybridge/internal/observability"
)

const (
	maxBodyBytes int64 = 1 << 20 // 1 MiB

	notifyPath       = "/notify"
	healthPath       = "/health"
	adminOrdersPath  = "/admin/orders"
	adminPayoutsPath = "/admin/payouts"
	adminUsersPrefix = "/admin/users/"
	adminAuditPath   = "/admin/audit"
)

// Notifier processes one verified-or-rejected notification payload.
type Notifier interface {
	Process(ctx context.Context, payload map[string]any) (callbacks.Result, error)
}

// AdminReader serves the read-only operator views.
type AdminReader interface {
	SearchOrders(ctx context.Context, ref string) (orderstore.Order, error)
	RecentOrders(ctx context.Context, userID int64, limit int) ([]orderstore.Order, error)
	ListPayouts(ctx context.Context, status string, limit int) ([]ledgerstore.Payout, error)
	Balance(ctx context.Context, userID int64) (ledgerstore.User, error)
	AuditTrail(ctx context.Context, limit int) ([]auditstore.Entry, error)
}

// HealthChecker reports whether the backing store is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Options wires the handler's collaborators. Admin and Health are optional;
// the admin routes are mounted only when AdminToken is set.
type Options struct {
	Notifier   Notifier
	Admin      AdminReader
	AdminToken string
	Health     HealthChecker
	Logger     observability.Logger
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	notifier   Notifier
	admin      AdminReader
	adminToken []byte
	health     HealthChecker
	logger     observability.Logger
}

// NewHandler builds the HTTP routes.
func NewHandler(opts Options) http.Handler {
	server := &httpServer{
		notifier:   opts.Notifier,
		admin:      opts.Admin,
		adminToken: []byte(strings.TrimSpace(opts.AdminToken)),
		health:     opts.Health,
		logger:     observability.OrNop(opts.Logger),
	}
	mux := http.NewServeMux()

	mux.Handle(notifyPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.notifyProbe,
		http.MethodPost: server.notify,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.healthCheck,
	}))

	if server.admin != nil && len(server.adminToken) > 0 {
		mux.Handle(adminOrdersPath, server.requireAdmin(server.methodHandlers(map[string]handlerFunc{
			http.MethodGet: server.getOrders,
		})))
		mux.Handle(adminPayoutsPath, server.requireAdmin(server.methodHandlers(map[string]handlerFunc{
			http.MethodGet: server.listPayouts,
		})))
		mux.Handle(adminUsersPrefix, server.requireAdmin(server.methodHandlers(map[string]handlerFunc{
			http.MethodGet: server.getBalance,
		})))
		mux.Handle(adminAuditPath, server.requireAdmin(server.methodHandlers(map[string]handlerFunc{
			http.MethodGet: server.listAudit,
		})))
	}
	return mux
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

// requireAdmin checks the bearer token: 401 when absent, 403 when wrong.
func (s *httpServer) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="paybridge-admin"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), s.adminToken) != 1 {
			s.logger.Info("admin request rejected",
				observability.F("path", r.URL.Path),
				observability.F("remote", r.RemoteAddr))
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) healthCheck(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			s.logger.Error("health check failed", observability.Err(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps an error envelope to an HTTP status.
func statusFor(err error) int {
	var e *errs.E
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Code {
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeInvalid, errs.CodeInvalidSignature:
		return http.StatusBadRequest
	case errs.CodeConflict, errs.CodeInsufficientBalance:
		return http.StatusConflict
	case errs.CodeTransport, errs.CodeProtocolAnomaly:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *httpServer) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", observability.Err(err))
		writeError(w, status, "internal error")
		return
	}
	var e *errs.E
	message := err.Error()
	if errors.As(err, &e) && e.Message != "" {
		message = e.Message
	}
	writeError(w, status, message)
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
	_ = encodeJSON(w, payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func encodeJSON(w io.Writer, v any) error {
	buf := &bytes.Buffer{}
	encoder := json.NewEncoder(buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("json encode: %w", err)
	}
	if _, err := w.Write(bytes.TrimRight(buf.Bytes(), "\n")); err != nil {
		return fmt.Errorf("write encoded json: %w", err)
	}
	return nil
}
