package tenant

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/behavex/realtime/internal/protocol"
)

// Request is the transport-agnostic view a strategy inspects. The
// gateway builds one per HTTP upgrade request; other transports can
// fill it by hand.
type Request struct {
	Host   string
	Path   string
	Header http.Header
	Query  url.Values
}

// RequestFromHTTP projects an *http.Request into a Request.
func RequestFromHTTP(r *http.Request) Request {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return Request{
		Host:   host,
		Path:   r.URL.Path,
		Header: r.Header,
		Query:  r.URL.Query(),
	}
}

// Strategy extracts a tenant identifier (slug or id) from a request.
type Strategy interface {
	Name() string
	Extract(req Request) (string, bool)
}

// SubdomainStrategy takes the first hostname label, skipping the
// infrastructure labels that never name a tenant.
type SubdomainStrategy struct {
	// Exclusions defaults to www, api, app, admin.
	Exclusions map[string]struct{}
}

func (s SubdomainStrategy) Name() string { return "subdomain" }

func (s SubdomainStrategy) Extract(req Request) (string, bool) {
	labels := strings.Split(req.Host, ".")
	if len(labels) < 3 { // need at least sub.domain.tld
		return "", false
	}
	label := strings.ToLower(labels[0])
	excl := s.Exclusions
	if excl == nil {
		excl = map[string]struct{}{"www": {}, "api": {}, "app": {}, "admin": {}}
	}
	if _, skip := excl[label]; skip || label == "" {
		return "", false
	}
	return label, true
}

// HeaderStrategy reads a named header, X-Tenant-ID by default.
type HeaderStrategy struct {
	Header string
}

func (s HeaderStrategy) Name() string { return "header" }

func (s HeaderStrategy) Extract(req Request) (string, bool) {
	name := s.Header
	if name == "" {
		name = "X-Tenant-ID"
	}
	v := strings.TrimSpace(req.Header.Get(name))
	return v, v != ""
}

// PathStrategy captures the :tenant segment of a path pattern,
// "/t/:tenant" by default.
type PathStrategy struct {
	Pattern string
}

func (s PathStrategy) Name() string { return "path" }

func (s PathStrategy) Extract(req Request) (string, bool) {
	pattern := s.Pattern
	if pattern == "" {
		pattern = "/t/:tenant"
	}
	want := strings.Split(strings.Trim(pattern, "/"), "/")
	got := strings.Split(strings.Trim(req.Path, "/"), "/")
	if len(got) < len(want) {
		return "", false
	}
	var captured string
	for i, seg := range want {
		if strings.HasPrefix(seg, ":") {
			captured = got[i]
			continue
		}
		if seg != got[i] {
			return "", false
		}
	}
	return captured, captured != ""
}

// QueryStrategy reads a named query parameter, "tenant" by default.
type QueryStrategy struct {
	Param string
}

func (s QueryStrategy) Name() string { return "query" }

func (s QueryStrategy) Extract(req Request) (string, bool) {
	param := s.Param
	if param == "" {
		param = "tenant"
	}
	v := strings.TrimSpace(req.Query.Get(param))
	return v, v != ""
}

// JWTStrategy reads a claim from the Authorization bearer token,
// "tenantId" by default. With a Secret configured the signature is
// verified (HS256); without one the claim is read unverified, which is
// only safe behind a gateway that has already checked the token.
type JWTStrategy struct {
	Claim  string
	Secret []byte
}

func (s JWTStrategy) Name() string { return "jwt" }

func (s JWTStrategy) Extract(req Request) (string, bool) {
	auth := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	raw := strings.TrimSpace(auth[len(prefix):])
	claimName := s.Claim
	if claimName == "" {
		claimName = "tenantId"
	}

	claims := jwt.MapClaims{}
	if len(s.Secret) > 0 {
		_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return s.Secret, nil
		})
		if err != nil {
			return "", false
		}
	} else {
		parser := jwt.NewParser()
		if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
			return "", false
		}
	}

	v, _ := claims[claimName].(string)
	return v, v != ""
}

// CustomStrategy wraps a caller-supplied extractor.
type CustomStrategy struct {
	Label string
	Fn    func(req Request) (string, bool)
}

func (s CustomStrategy) Name() string {
	if s.Label != "" {
		return s.Label
	}
	return "custom"
}

func (s CustomStrategy) Extract(req Request) (string, bool) {
	if s.Fn == nil {
		return "", false
	}
	return s.Fn(req)
}

// ResolverConfig tunes the resolver.
type ResolverConfig struct {
	// Strategies are tried in order; the first extracted identifier
	// wins. Nil selects the default chain: subdomain, header, path,
	// query, jwt.
	Strategies []Strategy
	// AllowedStatuses gates admission. Nil means {ACTIVE}.
	AllowedStatuses []Status
	// CacheTTL bounds staleness of the lookup cache. <= 0 means 60s.
	CacheTTL time.Duration
}

// Resolver turns an inbound request into an admitted tenant.
type Resolver struct {
	repo       Repository
	strategies []Strategy
	allowed    map[Status]struct{}
	cache      *Cache
	logger     *slog.Logger
}

// NewResolver builds a resolver over a repository.
func NewResolver(repo Repository, cfg ResolverConfig, logger *slog.Logger) *Resolver {
	strategies := cfg.Strategies
	if strategies == nil {
		strategies = []Strategy{
			SubdomainStrategy{},
			HeaderStrategy{},
			PathStrategy{},
			QueryStrategy{},
			JWTStrategy{},
		}
	}
	allowed := make(map[Status]struct{})
	if len(cfg.AllowedStatuses) == 0 {
		allowed[StatusActive] = struct{}{}
	} else {
		for _, st := range cfg.AllowedStatuses {
			allowed[st] = struct{}{}
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		repo:       repo,
		strategies: strategies,
		allowed:    allowed,
		cache:      NewCache(cfg.CacheTTL),
		logger:     logger.With("component", "tenant-resolver"),
	}
}

// Extract runs the strategy chain and returns the first identifier.
func (r *Resolver) Extract(req Request) (id, strategy string, ok bool) {
	for _, s := range r.strategies {
		if v, found := s.Extract(req); found {
			return v, s.Name(), true
		}
	}
	return "", "", false
}

// Resolve extracts, looks up (slug first, then id), and admits.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Tenant, error) {
	ident, strategy, ok := r.Extract(req)
	if !ok {
		return nil, protocol.E(protocol.CodeTenantNotFound, "no tenant identifier in request")
	}

	t, err := r.lookup(ctx, ident)
	if err != nil {
		return nil, err
	}

	if err := r.admit(t); err != nil {
		r.logger.Debug("tenant refused", "tenant", t.ID, "status", t.Status, "strategy", strategy)
		return nil, err
	}
	return t, nil
}

// Admit resolves the tenant and binds it to the returned context.
func (r *Resolver) Admit(ctx context.Context, req Request) (context.Context, *Tenant, error) {
	t, err := r.Resolve(ctx, req)
	if err != nil {
		return ctx, nil, err
	}
	return WithTenant(ctx, t), t, nil
}

// Invalidate drops the cache entries for a tenant, forcing the next
// lookup through the repository. Called on status-change events.
func (r *Resolver) Invalidate(t *Tenant) {
	r.cache.Invalidate(t.Slug)
	r.cache.Invalidate(t.ID)
}

func (r *Resolver) lookup(ctx context.Context, ident string) (*Tenant, error) {
	if t, hit := r.cache.Get(ident); hit {
		if t == nil {
			return nil, protocol.E(protocol.CodeTenantNotFound, "tenant not found")
		}
		return t, nil
	}

	t, err := r.repo.FindBySlug(ctx, ident)
	if protocol.IsCode(err, protocol.CodeTenantNotFound) {
		t, err = r.repo.FindByID(ctx, ident)
	}
	if err != nil {
		if protocol.IsCode(err, protocol.CodeTenantNotFound) {
			r.cache.Put(ident, nil)
		}
		return nil, err
	}
	r.cache.Put(ident, t)
	return t, nil
}

func (r *Resolver) admit(t *Tenant) error {
	if _, ok := r.allowed[t.Status]; ok {
		return nil
	}
	if t.Status == StatusSuspended {
		return protocol.E(protocol.CodeTenantSuspended, "tenant is suspended")
	}
	return protocol.E(protocol.CodeTenantAccessDenied, "tenant status %s not admitted", t.Status)
}
