package echoapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/DavieBik/questify-glow-sub000/core"
)

const (
	previewRoleHeader   = "X-Preview-Role"
	contextPrincipalKey = "principal"
	tokenTTL            = 12 * time.Hour
)

// Claims represents the authorization claims transmitted via a JWT.
type Claims struct {
	jwt.RegisteredClaims
	Name  string   `json:"name,omitempty"`
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// NewClaims returns the claims of a token issued now for the given user.
func NewClaims(issuer, userID, name, email string, roles ...string) *Claims {
	now := time.Now()
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
		Name:  name,
		Email: email,
		Roles: roles,
	}
}

// GenerateToken generates a signed JWT token string representing the Claims.
func GenerateToken(secret []byte, claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	ss, err := token.SignedString(secret)
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return ss, nil
}

func parseToken(secret []byte, header string) (*Claims, error) {
	raw := strings.TrimPrefix(header, "Bearer ")
	if raw == "" || raw == header {
		return nil, errMissingToken
	}

	claims := new(Claims)
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, errInvalidToken
	}
	if claims.Subject == "" {
		return nil, errInvalidToken
	}
	return claims, nil
}

// authMiddleware authenticates the request and resolves its Principal once, honouring X-Preview-Role.
func authMiddleware(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			req := ctx.Request()
			claims, err := parseToken(secret, req.Header.Get(echo.HeaderAuthorization))
			if err != nil {
				return err
			}

			p, err := core.NewPrincipal(claims.Subject, claims.Name, claims.Email, claims.Roles, req.Header.Get(previewRoleHeader))
			switch errors.Cause(err) {
			case nil:
			case core.ErrUnknownRole:
				return core.NewValidationError(nil, core.FieldError{Field: previewRoleHeader, Error: err.Error()})
			case core.ErrPreviewNotAllowed:
				return echo.NewHTTPError(http.StatusForbidden, err.Error())
			default:
				return errors.Wrap(err, "resolving principal")
			}

			ctx.Set(contextPrincipalKey, p)
			ctx.SetRequest(req.WithContext(core.ContextWithPrincipal(req.Context(), p)))
			return next(ctx)
		}
	}
}

func getContextPrincipal(ctx echo.Context) (core.Principal, error) {
	if p, ok := ctx.Get(contextPrincipalKey).(core.Principal); ok {
		return p, nil
	}
	return core.Principal{}, errUnauthorized
}

func me(ctx echo.Context) error {
	p, err := getContextPrincipal(ctx)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, p)
}
