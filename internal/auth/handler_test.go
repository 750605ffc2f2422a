package auth_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/warocol/purchasing/internal/auth"
	"github.com/warocol/purchasing/internal/mail"
	"github.com/warocol/purchasing/internal/shared"
	"github.com/warocol/purchasing/internal/tenants"
)

type stubRepo struct {
	mu      sync.Mutex
	users   map[string]auth.User
	members map[uuid.UUID][]uuid.UUID
}

func (s *stubRepo) FindOrCreateUser(_ context.Context, email string) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[email]; ok {
		return u, nil
	}
	u := auth.User{ID: uuid.New(), Email: email, CreatedAt: time.Now()}
	s.users[email] = u
	return u, nil
}

func (s *stubRepo) AddMember(_ context.Context, tenantID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.members[userID], tenantID) {
		return nil
	}
	if s.members == nil {
		s.members = map[uuid.UUID][]uuid.UUID{}
	}
	s.members[userID] = append(s.members[userID], tenantID)
	return nil
}

func (s *stubRepo) tenantsOf(email string) []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.members[s.users[email].ID]
}

type siteStore map[string]tenants.Tenant

func (s siteStore) FindBySite(_ context.Context, site string) (tenants.Tenant, error) {
	if t, ok := s[site]; ok {
		return t, nil
	}
	return tenants.Tenant{}, tenants.ErrUnknownSite
}

func (s siteStore) PrimarySite(_ context.Context, id uuid.UUID) (string, error) {
	for site, t := range s {
		if t.ID == id {
			return site, nil
		}
	}
	return "", tenants.ErrUnknownSite
}

type outbox struct {
	mu   sync.Mutex
	sent []mail.Message
	err  error
}

func (o *outbox) Send(_ context.Context, msg mail.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.sent = append(o.sent, msg)
	return nil
}

func (o *outbox) last(t *testing.T) mail.Message {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.sent)
	return o.sent[len(o.sent)-1]
}

var codePattern = regexp.MustCompile(`código de verificación: (\d{6})`)
var linkPattern = regexp.MustCompile(`https://\S+/auth/verify\?\S+`)

type harness struct {
	router http.Handler
	repo   *stubRepo
	mr     *miniredis.Miniredis
	outbox *outbox
	north  tenants.Tenant
	south  tenants.Tenant
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	north := tenants.Tenant{ID: uuid.New(), Name: "Norte", BrandName: "Cocina Norte", Site: "norte.test"}
	south := tenants.Tenant{ID: uuid.New(), Name: "Sur", BrandName: "Cocina Sur", Site: "sur.test"}
	store := siteStore{north.Site: north, south.Site: south}

	box := &outbox{}
	sessions := shared.NewSessionManager(client, "test_session", "secret", time.Hour, false)
	repo := &stubRepo{users: map[string]auth.User{}}
	svc := auth.NewService(repo, auth.NewLinkStore(client), box, logger,
		auth.Config{TTL: 15 * time.Minute, FromEmail: "acceso@pedidos.test", HashCost: bcrypt.MinCost})
	handler := auth.NewHandler(logger, svc, sessions, 100)

	r := chi.NewRouter()
	r.Use(tenants.Middleware(store, "", logger), auth.Sessions(sessions, logger))
	handler.MountRoutes(r)
	r.With(auth.RequireIdentity).Get("/me", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &harness{router: r, repo: repo, mr: mr, outbox: box, north: north, south: south}
}

func (h *harness) do(t *testing.T, method, host, target, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Host = host
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	res := httptest.NewRecorder()
	h.router.ServeHTTP(res, req)
	return res
}

func (h *harness) requestLink(t *testing.T, host, email string) (link, code string) {
	t.Helper()
	res := h.do(t, http.MethodPost, host, "/auth/magic-link", `{"email":"`+email+`","redirect":"/compras"}`)
	require.Equal(t, http.StatusAccepted, res.Code, res.Body.String())
	msg := h.outbox.last(t)
	codes := codePattern.FindStringSubmatch(msg.Body)
	require.Len(t, codes, 2, msg.Body)
	link = linkPattern.FindString(msg.Body)
	require.NotEmpty(t, link, msg.Body)
	return link, codes[1]
}

func sessionCookie(t *testing.T, res *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range res.Result().Cookies() {
		if c.Name == "test_session" {
			return c
		}
	}
	t.Fatalf("no session cookie in response")
	return nil
}

func TestLoginWithCode(t *testing.T) {
	h := newHarness(t)
	_, code := h.requestLink(t, h.north.Site, "Chef@Norte.test")

	msg := h.outbox.last(t)
	assert.Equal(t, "chef@norte.test", msg.To)
	assert.Equal(t, "Tu acceso a Cocina Norte", msg.Subject)
	assert.Equal(t, "acceso@pedidos.test", msg.FromEmail)
	assert.Contains(t, msg.Body, "https://norte.test/auth/verify?")

	res := h.do(t, http.MethodPost, h.north.Site, "/auth/verify-code", `{"email":"chef@norte.test","code":"`+code+`"}`)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.Contains(t, res.Body.String(), `"email":"chef@norte.test"`)
	cookie := sessionCookie(t, res)

	res = h.do(t, http.MethodGet, h.north.Site, "/auth/session", "", cookie)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), h.north.ID.String())

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, h.north.Site, "/me", "", cookie).Code)
	assert.Equal(t, []uuid.UUID{h.north.ID}, h.repo.tenantsOf("chef@norte.test"))

	res = h.do(t, http.MethodPost, h.north.Site, "/auth/signout", "", cookie)
	require.Equal(t, http.StatusNoContent, res.Code)
	assert.Equal(t, -1, sessionCookie(t, res).MaxAge)

	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, h.north.Site, "/auth/session", "", cookie).Code)
}

func TestLoginWithLinkRedirectsOnce(t *testing.T) {
	h := newHarness(t)
	link, _ := h.requestLink(t, h.north.Site, "chef@norte.test")
	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, "/compras", u.Query().Get("redirect"))

	res := h.do(t, http.MethodGet, h.north.Site, u.RequestURI(), "")
	require.Equal(t, http.StatusSeeOther, res.Code)
	assert.Equal(t, "/compras", res.Header().Get("Location"))
	cookie := sessionCookie(t, res)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, h.north.Site, "/me", "", cookie).Code)

	res = h.do(t, http.MethodGet, h.north.Site, u.RequestURI(), "")
	assert.Equal(t, http.StatusUnauthorized, res.Code, "links are single use")
}

func TestNewRequestRetiresOlderLink(t *testing.T) {
	h := newHarness(t)
	first, _ := h.requestLink(t, h.north.Site, "chef@norte.test")
	second, _ := h.requestLink(t, h.north.Site, "chef@norte.test")

	u1, _ := url.Parse(first)
	u2, _ := url.Parse(second)
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, h.north.Site, u1.Path+"?"+stripRedirect(u1), "").Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, h.north.Site, u2.Path+"?"+stripRedirect(u2), "").Code)
}

func stripRedirect(u *url.URL) string {
	q := u.Query()
	q.Del("redirect")
	return q.Encode()
}

func TestWrongCodesBurnTheLink(t *testing.T) {
	h := newHarness(t)
	_, code := h.requestLink(t, h.north.Site, "chef@norte.test")
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	for i := 0; i < 5; i++ {
		res := h.do(t, http.MethodPost, h.north.Site, "/auth/verify-code", `{"email":"chef@norte.test","code":"`+wrong+`"}`)
		require.Equal(t, http.StatusUnauthorized, res.Code)
	}
	res := h.do(t, http.MethodPost, h.north.Site, "/auth/verify-code", `{"email":"chef@norte.test","code":"`+code+`"}`)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Empty(t, h.repo.tenantsOf("chef@norte.test"))
}

func TestExpiredLinkIsRejected(t *testing.T) {
	h := newHarness(t)
	_, code := h.requestLink(t, h.north.Site, "chef@norte.test")
	h.mr.FastForward(16 * time.Minute)
	res := h.do(t, http.MethodPost, h.north.Site, "/auth/verify-code", `{"email":"chef@norte.test","code":"`+code+`"}`)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestLinksAreScopedToTheirTenant(t *testing.T) {
	h := newHarness(t)
	_, code := h.requestLink(t, h.north.Site, "chef@norte.test")

	res := h.do(t, http.MethodPost, h.south.Site, "/auth/verify-code", `{"email":"chef@norte.test","code":"`+code+`"}`)
	require.Equal(t, http.StatusUnauthorized, res.Code)

	res = h.do(t, http.MethodPost, h.north.Site, "/auth/verify-code", `{"email":"chef@norte.test","code":"`+code+`"}`)
	require.Equal(t, http.StatusOK, res.Code)
	cookie := sessionCookie(t, res)

	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, h.south.Site, "/me", "", cookie).Code,
		"a session only works on the tenant it was opened on")
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, h.south.Site, "/auth/session", "", cookie).Code)
}

func TestRequestLinkValidation(t *testing.T) {
	h := newHarness(t)
	res := h.do(t, http.MethodPost, h.north.Site, "/auth/magic-link", `{"email":"not-an-email"}`)
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = h.do(t, http.MethodPost, "unknown.test", "/auth/magic-link", `{"email":"chef@norte.test"}`)
	assert.Equal(t, http.StatusNotFound, res.Code)

	res = h.do(t, http.MethodGet, h.north.Site, "/auth/verify", "")
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestEmailFailureStillAccepted(t *testing.T) {
	h := newHarness(t)
	h.outbox.err = errors.New("smtp down")
	res := h.do(t, http.MethodPost, h.north.Site, "/auth/magic-link", `{"email":"chef@norte.test"}`)
	assert.Equal(t, http.StatusAccepted, res.Code)
	assert.NotEmpty(t, h.mr.Keys(), "the link is stored even when delivery fails")
}

func TestAnonymousRequestsAreNotStored(t *testing.T) {
	h := newHarness(t)
	res := h.do(t, http.MethodGet, h.north.Site, "/me", "")
	assert.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Empty(t, res.Result().Cookies())
	assert.Empty(t, h.mr.Keys())
}
