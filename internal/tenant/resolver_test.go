package tenant

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behavex/realtime/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func emptyRequest() Request {
	return Request{Header: http.Header{}, Query: url.Values{}}
}

func TestSubdomainStrategy(t *testing.T) {
	s := SubdomainStrategy{}

	req := emptyRequest()
	req.Host = "acme.realtime.example.com"
	id, ok := s.Extract(req)
	require.True(t, ok)
	assert.Equal(t, "acme", id)

	// Infrastructure labels never name a tenant.
	for _, host := range []string{"www.example.com", "api.example.com", "app.example.com", "admin.example.com"} {
		req.Host = host
		_, ok := s.Extract(req)
		assert.False(t, ok, host)
	}

	// A bare domain has no subdomain.
	req.Host = "example.com"
	_, ok = s.Extract(req)
	assert.False(t, ok)
}

func TestHeaderStrategy(t *testing.T) {
	s := HeaderStrategy{}
	req := emptyRequest()
	_, ok := s.Extract(req)
	assert.False(t, ok)

	req.Header.Set("X-Tenant-ID", "  acme  ")
	id, ok := s.Extract(req)
	require.True(t, ok)
	assert.Equal(t, "acme", id)

	custom := HeaderStrategy{Header: "X-Org"}
	req = emptyRequest()
	req.Header.Set("X-Org", "globex")
	id, ok = custom.Extract(req)
	require.True(t, ok)
	assert.Equal(t, "globex", id)
}

func TestPathStrategy(t *testing.T) {
	s := PathStrategy{}
	req := emptyRequest()

	req.Path = "/t/acme/ws"
	id, ok := s.Extract(req)
	require.True(t, ok)
	assert.Equal(t, "acme", id)

	req.Path = "/healthz"
	_, ok = s.Extract(req)
	assert.False(t, ok)

	custom := PathStrategy{Pattern: "/org/:tenant/realtime"}
	req.Path = "/org/globex/realtime"
	id, ok = custom.Extract(req)
	require.True(t, ok)
	assert.Equal(t, "globex", id)
}

func TestQueryStrategy(t *testing.T) {
	s := QueryStrategy{}
	req := emptyRequest()
	req.Query.Set("tenant", "acme")
	id, ok := s.Extract(req)
	require.True(t, ok)
	assert.Equal(t, "acme", id)

	req = emptyRequest()
	_, ok = s.Extract(req)
	assert.False(t, ok)
}

func signedToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestJWTStrategyVerified(t *testing.T) {
	secret := []byte("test-secret")
	s := JWTStrategy{Secret: secret}

	req := emptyRequest()
	req.Header.Set("Authorization", "Bearer "+signedToken(t, secret, jwt.MapClaims{"tenantId": "acme"}))
	id, ok := s.Extract(req)
	require.True(t, ok)
	assert.Equal(t, "acme", id)

	// Wrong signature is rejected.
	req.Header.Set("Authorization", "Bearer "+signedToken(t, []byte("other"), jwt.MapClaims{"tenantId": "acme"}))
	_, ok = s.Extract(req)
	assert.False(t, ok)

	// Missing claim yields nothing.
	req.Header.Set("Authorization", "Bearer "+signedToken(t, secret, jwt.MapClaims{"sub": "user"}))
	_, ok = s.Extract(req)
	assert.False(t, ok)
}

func TestJWTStrategyUnverified(t *testing.T) {
	s := JWTStrategy{Claim: "org"}
	req := emptyRequest()
	req.Header.Set("Authorization", "Bearer "+signedToken(t, []byte("whatever"), jwt.MapClaims{"org": "globex"}))
	id, ok := s.Extract(req)
	require.True(t, ok)
	assert.Equal(t, "globex", id)

	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, ok = s.Extract(req)
	assert.False(t, ok)
}

func TestStrategyOrder(t *testing.T) {
	repo := NewMemoryRepository(nil)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &Tenant{Slug: "from-subdomain", Status: StatusActive}))
	require.NoError(t, repo.Create(ctx, &Tenant{Slug: "from-header", Status: StatusActive}))

	r := NewResolver(repo, ResolverConfig{}, testLogger())

	// Subdomain outranks header.
	req := emptyRequest()
	req.Host = "from-subdomain.example.com"
	req.Header.Set("X-Tenant-ID", "from-header")
	tn, err := r.Resolve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "from-subdomain", tn.Slug)

	// Without a subdomain the header wins.
	req.Host = "example.com"
	tn, err = r.Resolve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "from-header", tn.Slug)
}

func TestResolveBySlugThenID(t *testing.T) {
	repo := NewMemoryRepository(nil)
	ctx := context.Background()
	tn := &Tenant{Slug: "acme", Status: StatusActive}
	require.NoError(t, repo.Create(ctx, tn))

	r := NewResolver(repo, ResolverConfig{}, testLogger())

	req := emptyRequest()
	req.Header.Set("X-Tenant-ID", "acme")
	got, err := r.Resolve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, tn.ID, got.ID)

	// A raw id resolves through the id fallback.
	req.Header.Set("X-Tenant-ID", tn.ID)
	got, err = r.Resolve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Slug)
}

func TestAdmissionRefusals(t *testing.T) {
	repo := NewMemoryRepository(nil)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &Tenant{Slug: "suspended", Status: StatusSuspended}))
	require.NoError(t, repo.Create(ctx, &Tenant{Slug: "pending", Status: StatusPending}))
	require.NoError(t, repo.Create(ctx, &Tenant{Slug: "deleted", Status: StatusDeleted}))

	r := NewResolver(repo, ResolverConfig{}, testLogger())

	cases := map[string]protocol.Code{
		"":          protocol.CodeTenantNotFound, // no identifier at all
		"ghost":     protocol.CodeTenantNotFound,
		"suspended": protocol.CodeTenantSuspended,
		"pending":   protocol.CodeTenantAccessDenied,
		"deleted":   protocol.CodeTenantAccessDenied,
	}
	for ident, want := range cases {
		req := emptyRequest()
		if ident != "" {
			req.Header.Set("X-Tenant-ID", ident)
		}
		_, err := r.Resolve(ctx, req)
		require.Error(t, err, ident)
		assert.Equal(t, want, protocol.CodeOf(err), ident)
	}
}

func TestAllowedStatusesOverride(t *testing.T) {
	repo := NewMemoryRepository(nil)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &Tenant{Slug: "pending", Status: StatusPending}))

	r := NewResolver(repo, ResolverConfig{
		AllowedStatuses: []Status{StatusActive, StatusPending},
	}, testLogger())

	req := emptyRequest()
	req.Header.Set("X-Tenant-ID", "pending")
	_, err := r.Resolve(ctx, req)
	assert.NoError(t, err)
}

func TestAdmitBindsContext(t *testing.T) {
	repo := NewMemoryRepository(nil)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &Tenant{Slug: "acme", Status: StatusActive}))

	r := NewResolver(repo, ResolverConfig{}, testLogger())
	req := emptyRequest()
	req.Header.Set("X-Tenant-ID", "acme")

	bound, tn, err := r.Admit(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, tn)
	got, err := MustFromContext(bound)
	require.NoError(t, err)
	assert.Equal(t, tn.ID, got.ID)
}

// countingRepo counts lookups to observe the resolver cache.
type countingRepo struct {
	Repository
	lookups int
}

func (c *countingRepo) FindBySlug(ctx context.Context, slug string) (*Tenant, error) {
	c.lookups++
	return c.Repository.FindBySlug(ctx, slug)
}

func (c *countingRepo) FindByID(ctx context.Context, id string) (*Tenant, error) {
	c.lookups++
	return c.Repository.FindByID(ctx, id)
}

func TestResolverCachesHits(t *testing.T) {
	inner := NewMemoryRepository(nil)
	ctx := context.Background()
	require.NoError(t, inner.Create(ctx, &Tenant{Slug: "acme", Status: StatusActive}))
	repo := &countingRepo{Repository: inner}

	r := NewResolver(repo, ResolverConfig{}, testLogger())
	req := emptyRequest()
	req.Header.Set("X-Tenant-ID", "acme")

	for i := 0; i < 5; i++ {
		_, err := r.Resolve(ctx, req)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, repo.lookups, "repeated resolutions hit the cache")
}

func TestResolverCachesMisses(t *testing.T) {
	repo := &countingRepo{Repository: NewMemoryRepository(nil)}
	r := NewResolver(repo, ResolverConfig{}, testLogger())
	ctx := context.Background()

	req := emptyRequest()
	req.Header.Set("X-Tenant-ID", "ghost")
	for i := 0; i < 5; i++ {
		_, err := r.Resolve(ctx, req)
		assert.Equal(t, protocol.CodeTenantNotFound, protocol.CodeOf(err))
	}
	assert.Equal(t, 2, repo.lookups, "one slug plus one id lookup, then the miss is cached")
}

func TestInvalidateBypassesCache(t *testing.T) {
	inner := NewMemoryRepository(nil)
	ctx := context.Background()
	tn := &Tenant{Slug: "acme", Status: StatusActive}
	require.NoError(t, inner.Create(ctx, tn))
	repo := &countingRepo{Repository: inner}

	r := NewResolver(repo, ResolverConfig{}, testLogger())
	req := emptyRequest()
	req.Header.Set("X-Tenant-ID", "acme")

	_, err := r.Resolve(ctx, req)
	require.NoError(t, err)

	// Suspend and invalidate: the next resolve must see fresh state
	// instead of the cached admit.
	require.NoError(t, inner.Suspend(ctx, tn.ID))
	r.Invalidate(tn)

	_, err = r.Resolve(ctx, req)
	require.Error(t, err)
	assert.Equal(t, protocol.CodeTenantSuspended, protocol.CodeOf(err))
}

func TestCacheTTL(t *testing.T) {
	c := NewCache(50 * time.Millisecond)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put("acme", &Tenant{ID: "t1", Slug: "acme"})
	got, hit := c.Get("acme")
	require.True(t, hit)
	assert.Equal(t, "t1", got.ID)

	now = now.Add(time.Second)
	_, hit = c.Get("acme")
	assert.False(t, hit, "entries expire after the TTL")
}

func TestCacheMissEntry(t *testing.T) {
	c := NewCache(time.Minute)
	c.Put("ghost", nil)
	got, hit := c.Get("ghost")
	assert.True(t, hit, "misses are cached")
	assert.Nil(t, got)

	_, hit = c.Get("never-seen")
	assert.False(t, hit)
}

func TestCacheReturnsCopies(t *testing.T) {
	c := NewCache(time.Minute)
	c.Put("acme", &Tenant{ID: "t1", Status: StatusActive})

	got, _ := c.Get("acme")
	got.Status = StatusDeleted

	fresh, _ := c.Get("acme")
	assert.Equal(t, StatusActive, fresh.Status)
}

func TestRequestFromHTTP(t *testing.T) {
	httpReq, err := http.NewRequest("GET", "http://acme.example.com:8080/t/acme/ws?tenant=acme", nil)
	require.NoError(t, err)
	httpReq.Host = "acme.example.com:8080"

	req := RequestFromHTTP(httpReq)
	assert.Equal(t, "acme.example.com", req.Host, "port is stripped")
	assert.Equal(t, "/t/acme/ws", req.Path)
	assert.Equal(t, "acme", req.Query.Get("tenant"))
}
