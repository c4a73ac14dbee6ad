package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"tezit/pkg/store"
	"tezit/pkg/types"
)

type operatorClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleLogin mints an operator token from the configured credentials.
// Invalid credentials get a uniform unauthorized response.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	admin := s.cfg.Admin
	if admin.PasswordHash == "" || admin.JWTSecret == "" {
		WriteError(w, http.StatusForbidden, "admin_disabled", "Operator access is not configured")
		return
	}
	if req.Username != admin.Username ||
		bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(req.Password)) != nil {
		WriteError(w, http.StatusUnauthorized, "invalid_credentials", "Invalid username or password")
		return
	}

	expires := time.Now().Add(admin.TokenTTL)
	claims := &operatorClaims{
		Username: req.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(admin.JWTSecret))
	if err != nil {
		s.logger.Error("token signing failed", zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "internal_error", "Could not issue token")
		return
	}
	WriteJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expires})
}

// requireOperator gates the privileged routes. Unauthenticated callers
// get a uniform response that leaks nothing about the registry.
func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := s.cfg.Admin.JWTSecret
		if secret == "" {
			WriteError(w, http.StatusForbidden, "admin_disabled", "Operator access is not configured")
			return
		}
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			WriteError(w, http.StatusUnauthorized, "unauthorized", "Operator token required")
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")

		var claims operatorClaims
		token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			WriteError(w, http.StatusUnauthorized, "unauthorized", "Operator token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type serverSummary struct {
	Host            string    `json:"host"`
	ServerID        string    `json:"server_id"`
	TrustLevel      string    `json:"trust_level"`
	ProtocolVersion string    `json:"protocol_version"`
	DisplayName     string    `json:"display_name,omitempty"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
}

// handleListServers lists every server in the trust registry.
func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.store.ListServers(r.Context())
	if err != nil {
		s.logger.Error("list servers failed", zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "internal_error", "Could not list servers")
		return
	}
	out := make([]serverSummary, 0, len(servers))
	for _, fs := range servers {
		out = append(out, serverSummary{
			Host:            fs.Host,
			ServerID:        fs.ServerID,
			TrustLevel:      string(fs.TrustLevel),
			ProtocolVersion: fs.ProtocolVersion,
			DisplayName:     fs.DisplayName,
			FirstSeenAt:     fs.FirstSeenAt,
			LastSeenAt:      fs.LastSeenAt,
		})
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"servers": out})
}

type updateTrustRequest struct {
	TrustLevel string `json:"trust_level"`
}

// handleUpdateTrust sets a server's trust level to one of the three valid
// values; anything else is rejected.
func (s *Server) handleUpdateTrust(w http.ResponseWriter, r *http.Request) {
	host := mux.Vars(r)["host"]

	var req updateTrustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	level := types.TrustLevel(req.TrustLevel)
	if !level.Valid() {
		WriteError(w, http.StatusUnprocessableEntity, "invalid_trust_level",
			"trust_level must be pending, trusted or blocked")
		return
	}

	err := s.store.UpdateTrustLevel(r.Context(), host, level)
	if err == store.ErrNotFound {
		WriteError(w, http.StatusNotFound, "unknown_server", "No such server")
		return
	}
	if err != nil {
		s.logger.Error("trust update failed", zap.String("host", host), zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "internal_error", "Could not update trust level")
		return
	}
	s.discoverer.InvalidateHost(host)
	s.logger.Info("trust level updated",
		zap.String("host", host), zap.String("trust_level", string(level)))
	WriteJSON(w, http.StatusOK, map[string]string{"host": host, "trust_level": string(level)})
}

// handleDeleteServer removes a server record entirely; later traffic from
// that host is treated as fully unknown.
func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	host := mux.Vars(r)["host"]

	err := s.store.DeleteServer(r.Context(), host)
	if err == store.ErrNotFound {
		WriteError(w, http.StatusNotFound, "unknown_server", "No such server")
		return
	}
	if err != nil {
		s.logger.Error("server delete failed", zap.String("host", host), zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "internal_error", "Could not delete server")
		return
	}
	s.discoverer.InvalidateHost(host)
	s.logger.Info("server deleted from registry", zap.String("host", host))
	w.WriteHeader(http.StatusNoContent)
}
