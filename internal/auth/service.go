package auth

import (
	"context"
	"strings"
	"time"

	"github.com/haasonsaas/hub/internal/storage"
	"github.com/haasonsaas/hub/pkg/hub"
)

// PrincipalKind distinguishes the two credential types spec.md §4.1
// requires the Hub to accept at the same endpoints.
type PrincipalKind string

const (
	PrincipalUser   PrincipalKind = "user"
	PrincipalDevice PrincipalKind = "device"
)

// Principal is the resolved identity behind a bearer token.
type Principal struct {
	Kind   PrincipalKind
	User   *hub.User
	Device *hub.Device
}

func (p Principal) UserID() string {
	if p.Kind == PrincipalUser {
		return p.User.ID
	}
	return p.Device.UserID
}

// Service implements C1: login, device provisioning, and bearer-token
// resolution into a Principal.
type Service struct {
	store      *storage.Store
	jwt        *jwtService
	deviceSalt string
}

func NewService(store *storage.Store, jwtSecret string, tokenTTL time.Duration, deviceSalt string) *Service {
	return &Service{
		store:      store,
		jwt:        newJWTService(jwtSecret, tokenTTL),
		deviceSalt: deviceSalt,
	}
}

// NeedsSetup reports whether /auth/setup is still available — true until
// the first user has ever been created.
func (s *Service) NeedsSetup(ctx context.Context) (bool, error) {
	n, err := s.store.Users.Count(ctx)
	if err != nil {
		return false, hub.Wrap(hub.KindInternal, "count users", err)
	}
	return n == 0, nil
}

// Setup creates the first admin user. It refuses if any user already
// exists (spec.md §4.1, §8 property 10: "/auth/setup succeeds exactly once
// across the DB's lifetime").
func (s *Service) Setup(ctx context.Context, username, password string) (*hub.User, error) {
	needsSetup, err := s.NeedsSetup(ctx)
	if err != nil {
		return nil, err
	}
	if !needsSetup {
		return nil, hub.NewError(hub.KindPermissionDenied, "setup has already been completed")
	}
	return s.createUser(ctx, username, password, "", true)
}

// CreateUser is the admin-only user-creation operation (distinct from the
// one-time Setup bootstrap). email is optional (spec.md §3 supplement).
func (s *Service) CreateUser(ctx context.Context, username, password, email string, isAdmin bool) (*hub.User, error) {
	return s.createUser(ctx, username, password, email, isAdmin)
}

func (s *Service) createUser(ctx context.Context, username, password, email string, isAdmin bool) (*hub.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, hub.NewError(hub.KindValidationFailed, "username and password are required")
	}
	hash, err := hashPassword(password)
	if err != nil {
		return nil, hub.Wrap(hub.KindInternal, "hash password", err)
	}
	u, err := s.store.Users.Create(ctx, username, hash, strings.TrimSpace(email), isAdmin)
	if err != nil {
		if err == hub.ErrAlreadyExists {
			return nil, hub.NewError(hub.KindValidationFailed, "username or email already taken")
		}
		return nil, hub.Wrap(hub.KindInternal, "create user", err)
	}
	return u, nil
}

// Login validates a username/password pair and issues a user bearer token.
func (s *Service) Login(ctx context.Context, username, password string) (string, *hub.User, error) {
	u, err := s.store.Users.GetByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if hub.KindOf(err) == hub.KindNotFound {
			return "", nil, hub.NewError(hub.KindInvalidCredentials, "invalid username or password")
		}
		return "", nil, hub.Wrap(hub.KindInternal, "lookup user", err)
	}
	if !comparePassword(u.PasswordHash, password) {
		return "", nil, hub.NewError(hub.KindInvalidCredentials, "invalid username or password")
	}

	token, err := s.jwt.generate(u.ID)
	if err != nil {
		return "", nil, hub.Wrap(hub.KindInternal, "sign token", err)
	}
	_ = s.store.Users.RecordLogin(ctx, u.ID, time.Now().UTC())
	return token, u, nil
}

// CreateDevice provisions a Device owned by userID, disambiguating
// displayName against the user's existing devices, and returns the
// plaintext token shown exactly once. metadata is free-form client
// information (platform build, form factor) for admin UI display and
// future routing hints; it is not load-bearing for any invariant.
func (s *Service) CreateDevice(ctx context.Context, userID, displayName, platform string, metadata map[string]string) (*hub.Device, string, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, "", hub.NewError(hub.KindValidationFailed, "display_name is required")
	}
	resolved, err := s.store.Devices.ResolveDisplayName(ctx, userID, displayName)
	if err != nil {
		return nil, "", hub.Wrap(hub.KindInternal, "resolve display name", err)
	}

	plaintext, err := generateDeviceToken()
	if err != nil {
		return nil, "", hub.Wrap(hub.KindInternal, "generate device token", err)
	}
	hashed := hashDeviceToken(s.deviceSalt, plaintext)

	d, err := s.store.Devices.Create(ctx, userID, resolved, hashed, platform, metadata)
	if err != nil {
		return nil, "", hub.Wrap(hub.KindInternal, "create device", err)
	}
	return d, plaintext, nil
}

// Authenticate resolves a bearer token into a Principal, checking it
// against both user JWTs and device token hashes (spec.md §4.1: "On every
// request the Hub checks the token against both tables").
func (s *Service) Authenticate(ctx context.Context, bearer string) (Principal, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return Principal{}, hub.NewError(hub.KindInvalidCredentials, "missing bearer token")
	}

	if userID, err := s.jwt.validate(bearer); err == nil {
		u, gerr := s.store.Users.Get(ctx, userID)
		if gerr != nil {
			return Principal{}, hub.NewError(hub.KindTokenExpired, "token no longer resolves to a user")
		}
		return Principal{Kind: PrincipalUser, User: u}, nil
	}

	hashed := hashDeviceToken(s.deviceSalt, bearer)
	d, err := s.store.Devices.FindByToken(ctx, func(stored string) bool {
		return tokensEqual(stored, hashed)
	})
	if err != nil {
		return Principal{}, hub.NewError(hub.KindInvalidCredentials, "invalid credentials")
	}
	return Principal{Kind: PrincipalDevice, Device: d}, nil
}

// AuthenticateDeviceToken validates a device bearer token directly
// (used at WebSocket upgrade time, spec.md §4.4, before any HTTP
// middleware framing is available).
func (s *Service) AuthenticateDeviceToken(ctx context.Context, token string) (*hub.Device, error) {
	p, err := s.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	if p.Kind != PrincipalDevice {
		return nil, hub.NewError(hub.KindInvalidCredentials, "token does not belong to a device")
	}
	return p.Device, nil
}
