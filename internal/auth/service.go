package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	outbound "github.com/warocol/purchasing/internal/mail"
	"github.com/warocol/purchasing/internal/shared"
	"github.com/warocol/purchasing/internal/tenants"
)

const maxCodeAttempts = 5

// Config tunes link issuance.
type Config struct {
	TTL       time.Duration
	BaseURL   string
	FromEmail string
	HashCost  int
}

// Service issues and redeems magic links.
type Service struct {
	repo   Repository
	links  *LinkStore
	sender outbound.Sender
	logger *slog.Logger
	cfg    Config
	now    func() time.Time
}

// NewService constructs a new Service.
func NewService(repo Repository, links *LinkStore, sender outbound.Sender, logger *slog.Logger, cfg Config) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.HashCost == 0 {
		cfg.HashCost = bcrypt.DefaultCost
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, links: links, sender: sender, logger: logger, cfg: cfg, now: time.Now}
}

// RequestLink creates the user if needed, replaces any pending link for the
// email and sends a fresh link with its verification code. Delivery failures
// are logged; the caller always gets the same answer.
func (s *Service) RequestLink(ctx context.Context, tenant tenants.Tenant, email, redirect string) error {
	email = normalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("auth: email: %w", shared.ErrValidation)
	}
	user, err := s.repo.FindOrCreateUser(ctx, email)
	if err != nil {
		return fmt.Errorf("auth: find user: %w", err)
	}

	token, err := randomToken()
	if err != nil {
		return err
	}
	code, err := randomCode()
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.cfg.HashCost)
	if err != nil {
		return fmt.Errorf("auth: hash code: %w", err)
	}
	link := Link{
		Token:     token,
		CodeHash:  hash,
		UserID:    user.ID,
		TenantID:  tenant.ID,
		Email:     email,
		ExpiresAt: s.now().Add(s.cfg.TTL),
	}
	if err := s.links.Save(ctx, link, s.cfg.TTL); err != nil {
		return fmt.Errorf("auth: save link: %w", err)
	}

	msg := s.linkEmail(tenant, email, s.verifyURL(tenant, token, email, redirect), code)
	if s.sender == nil {
		return nil
	}
	if err := s.sender.Send(ctx, msg); err != nil {
		s.logger.WarnContext(ctx, "magic link email failed",
			slog.Any("error", err),
			slog.String("to", email),
			slog.String("tenant_id", tenant.ID.String()))
	}
	return nil
}

// VerifyToken redeems the link token sent by email.
func (s *Service) VerifyToken(ctx context.Context, tenant tenants.Tenant, email, token string) (shared.Identity, error) {
	link, err := s.pending(ctx, tenant, email)
	if err != nil {
		return shared.Identity{}, err
	}
	if subtle.ConstantTimeCompare([]byte(link.Token), []byte(token)) != 1 {
		return shared.Identity{}, ErrInvalidLink
	}
	return s.redeem(ctx, link)
}

// VerifyCode redeems the six digit code sent alongside the link. Repeated
// wrong codes burn the link.
func (s *Service) VerifyCode(ctx context.Context, tenant tenants.Tenant, email, code string) (shared.Identity, error) {
	link, err := s.pending(ctx, tenant, email)
	if err != nil {
		return shared.Identity{}, err
	}
	if link.Attempts >= maxCodeAttempts {
		_, _ = s.links.Consume(ctx, link.TenantID, link.Email)
		return shared.Identity{}, ErrInvalidLink
	}
	if err := bcrypt.CompareHashAndPassword(link.CodeHash, []byte(strings.TrimSpace(code))); err != nil {
		if _, err := s.links.RecordFailure(ctx, link); err != nil {
			return shared.Identity{}, fmt.Errorf("auth: record attempt: %w", err)
		}
		return shared.Identity{}, ErrInvalidLink
	}
	return s.redeem(ctx, link)
}

func (s *Service) pending(ctx context.Context, tenant tenants.Tenant, email string) (Link, error) {
	link, err := s.links.Get(ctx, tenant.ID, email)
	if err != nil {
		return Link{}, err
	}
	if !s.now().Before(link.ExpiresAt) {
		return Link{}, ErrInvalidLink
	}
	return link, nil
}

func (s *Service) redeem(ctx context.Context, link Link) (shared.Identity, error) {
	ok, err := s.links.Consume(ctx, link.TenantID, link.Email)
	if err != nil {
		return shared.Identity{}, fmt.Errorf("auth: consume link: %w", err)
	}
	if !ok {
		return shared.Identity{}, ErrInvalidLink
	}
	if err := s.repo.AddMember(ctx, link.TenantID, link.UserID); err != nil {
		return shared.Identity{}, fmt.Errorf("auth: add member: %w", err)
	}
	return shared.Identity{TenantID: link.TenantID, UserID: link.UserID, Email: link.Email}, nil
}

func (s *Service) verifyURL(tenant tenants.Tenant, token, email, redirect string) string {
	base := s.cfg.BaseURL
	if base == "" {
		base = "https://" + tenant.Site
	}
	q := url.Values{}
	q.Set("token", token)
	q.Set("email", email)
	if redirect != "" {
		q.Set("redirect", redirect)
	}
	return base + "/auth/verify?" + q.Encode()
}

func (s *Service) linkEmail(tenant tenants.Tenant, to, link, code string) outbound.Message {
	brand := tenant.BrandName
	if brand == "" {
		brand = tenant.Name
	}
	var b strings.Builder
	b.WriteString("¡Hola!\n\n")
	fmt.Fprintf(&b, "Usa este enlace para iniciar sesión en %s:\n%s\n\n", brand, link)
	fmt.Fprintf(&b, "O ingresa este código de verificación: %s\n\n", code)
	fmt.Fprintf(&b, "El enlace expira en %d minutos. Si no solicitaste este acceso, ignora este correo.\n", int(s.cfg.TTL.Minutes()))
	return outbound.Message{
		FromEmail: s.cfg.FromEmail,
		FromName:  brand,
		To:        to,
		Subject:   "Tu acceso a " + brand,
		Body:      b.String(),
	}
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("auth: code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}
