package httpapi

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidPIN   = errors.New("invalid pin")
	ErrInvalidToken = errors.New("invalid or expired token")
)

// AuthManager unlocks the local API with the device PIN and issues short
// lived bearer tokens bound to the account.
type AuthManager struct {
	secret    []byte
	tokenTTL  time.Duration
	pinHash   string
	accountID string
	now       func() time.Time
}

type unlockClaims struct {
	jwtlib.RegisteredClaims
	Scope string `json:"scope"`
}

type UnlockResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   string `json:"expires_at"`
}

// NewAuthManager hashes pin with bcrypt. An empty pin disables unlocking.
func NewAuthManager(secret string, tokenTTL time.Duration, pin, accountID string) (*AuthManager, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth secret is required")
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	a := &AuthManager{
		secret:    []byte(secret),
		tokenTTL:  tokenTTL,
		accountID: accountID,
		now:       time.Now,
	}
	pin = strings.TrimSpace(pin)
	if pin == "" {
		return a, nil
	}
	if isPasswordHash(pin) {
		a.pinHash = pin
		return a, nil
	}
	hashed, err := hashPassword(pin)
	if err != nil {
		return nil, err
	}
	a.pinHash = hashed
	return a, nil
}

func (a *AuthManager) Unlock(pin string) (UnlockResponse, error) {
	if !a.ValidatePIN(pin) {
		return UnlockResponse{}, ErrInvalidPIN
	}
	expiresAt := a.now().UTC().Add(a.tokenTTL)
	token, err := a.sign(expiresAt)
	if err != nil {
		return UnlockResponse{}, err
	}
	return UnlockResponse{AccessToken: token, ExpiresAt: expiresAt.Format(time.RFC3339)}, nil
}

func (a *AuthManager) ValidatePIN(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" || !isPasswordHash(a.pinHash) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.pinHash), []byte(input)) == nil
}

// ParseToken returns the account a token was issued for.
func (a *AuthManager) ParseToken(tokenStr string) (string, error) {
	claims := &unlockClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithTimeFunc(a.now))
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" || sub != a.accountID {
		return "", ErrInvalidToken
	}
	return sub, nil
}

func (a *AuthManager) sign(expiresAt time.Time) (string, error) {
	claims := unlockClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   a.accountID,
			IssuedAt:  jwtlib.NewNumericDate(a.now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "daftar",
		},
		Scope: "book",
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
