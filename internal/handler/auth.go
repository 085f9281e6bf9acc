package handler

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/pesio-ai/be-pm-approvals/internal/audit"
	"github.com/pesio-ai/be-pm-approvals/internal/domain"
	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
	"github.com/pesio-ai/be-pm-approvals/pkg/middleware"
)

const actorKey = "actor"

// Claims is the access token issued by the platform's identity service.
// The subject is the user id.
type Claims struct {
	UserType string   `json:"user_type"`
	Email    string   `json:"email,omitempty"`
	Name     string   `json:"name,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	PMCID    string   `json:"pmc_id,omitempty"`
	jwt.RegisteredClaims
}

// ActorResolver merges persisted roles and grants into a token's actor.
type ActorResolver interface {
	ResolveActor(ctx context.Context, actor domain.Actor) (domain.Actor, error)
}

// Authenticator verifies bearer tokens and attaches the resolved actor.
type Authenticator struct {
	secret   []byte
	issuer   string
	resolver ActorResolver
}

func NewAuthenticator(secret, issuer string, resolver ActorResolver) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer, resolver: resolver}
}

// Issue signs claims for subject. Used by local tooling and tests.
func (a *Authenticator) Issue(subject string, claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.Subject = subject
	claims.Issuer = a.issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) parse(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnauthorized, "invalid token")
	}
	return claims, nil
}

func actorFromClaims(c *Claims) (domain.Actor, error) {
	t := domain.UserType(c.UserType)
	switch t {
	case domain.UserTypeLandlord, domain.UserTypeTenant, domain.UserTypePMC, domain.UserTypeAdmin:
	default:
		return domain.Actor{}, errors.Newf(errors.ErrCodeUnauthorized, "unsupported user type %q", c.UserType)
	}
	if c.Subject == "" || c.Subject == domain.SystemActor.ID {
		return domain.Actor{}, errors.New(errors.ErrCodeUnauthorized, "token has no usable subject")
	}
	return domain.Actor{
		ID:    c.Subject,
		Type:  t,
		Email: c.Email,
		Name:  c.Name,
		Roles: c.Roles,
		PMCID: c.PMCID,
	}, nil
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			abortWithError(c, errors.New(errors.ErrCodeUnauthorized, "authorization required"))
			return
		}
		claims, err := a.parse(raw)
		if err != nil {
			abortWithError(c, err)
			return
		}
		actor, err := actorFromClaims(claims)
		if err != nil {
			abortWithError(c, err)
			return
		}
		if a.resolver != nil {
			if actor, err = a.resolver.ResolveActor(c.Request.Context(), actor); err != nil {
				abortWithError(c, err)
				return
			}
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

// auditOrigin stamps the caller's address into the request context so audit
// entries carry it.
func auditOrigin() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := audit.WithOrigin(c.Request.Context(), audit.Origin{
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
			RequestID: middleware.RequestIDFrom(c.Request.Context()),
		})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func actorFrom(c *gin.Context) domain.Actor {
	if v, ok := c.Get(actorKey); ok {
		if a, ok := v.(domain.Actor); ok {
			return a
		}
	}
	return domain.Actor{}
}
