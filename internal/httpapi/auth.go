package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	contextKeyClaims = "auth_claims"
	bearerPrefix     = "Bearer "
	roleAdmin        = "admin"
)

// PlayerRegistry upserts the player row for an authenticated session so the
// reconciliation worker can later resolve the payout address.
type PlayerRegistry interface {
	EnsurePlayer(ctx context.Context, playerID string, phone string) error
}

// SessionClaims is the JWT payload the API trusts: the player identity and
// the mobile-money address payouts go to.
type SessionClaims struct {
	Phone string   `json:"phone"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// PlayerID returns the token subject.
func (claims *SessionClaims) PlayerID() string {
	return claims.Subject
}

// HasRole reports whether the token carries the given role.
func (claims *SessionClaims) HasRole(role string) bool {
	for _, candidate := range claims.Roles {
		if candidate == role {
			return true
		}
	}
	return false
}

func (handler *httpHandler) authMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		rawToken := strings.TrimPrefix(header, bearerPrefix)

		claims := &SessionClaims{}
		token, err := jwt.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(handler.cfg.SessionSigningKey), nil
		}, jwt.WithIssuer(handler.cfg.SessionIssuer), jwt.WithExpirationRequired())
		if err != nil || !token.Valid || claims.Subject == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session token"))
			return
		}

		if handler.players != nil {
			if err := handler.players.EnsurePlayer(ctx.Request.Context(), claims.PlayerID(), claims.Phone); err != nil {
				handler.logger.Warn("player upsert failed",
					zap.String("player_id", claims.PlayerID()),
					zap.Error(err),
				)
			}
		}

		ctx.Set(contextKeyClaims, claims)
		ctx.Next()
	}
}

func (handler *httpHandler) requireAdmin() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil || !claims.HasRole(roleAdmin) {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "admin role required"))
			return
		}
		ctx.Next()
	}
}

func getClaims(ctx *gin.Context) *SessionClaims {
	claimsValue, ok := ctx.Get(contextKeyClaims)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*SessionClaims)
	return claims
}
