package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Store is what the service needs from persistence.
type Store interface {
	CreateUser(ctx context.Context, u *User) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	SearchUsers(ctx context.Context, query string, limit int) ([]User, error)
}

type Service struct {
	store     Store
	jwtSecret string
	tokenTTL  time.Duration
}

type accessClaims struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func NewService(store Store, secret string) *Service {
	return &Service{
		store:     store,
		jwtSecret: secret,
		tokenTTL:  24 * time.Hour,
	}
}

func (s *Service) Register(ctx context.Context, creds *Credentials) (*User, error) {
	if len(creds.Username) < 3 || len(creds.Username) > 50 {
		return nil, errors.New("username must be 3-50 characters")
	}
	if len(creds.Password) < 8 {
		return nil, errors.New("password must be at least 8 characters")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(creds.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	u, err := s.store.CreateUser(ctx, &User{Username: creds.Username, Password: string(hashed)})
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

func (s *Service) Login(ctx context.Context, creds *Credentials) (*LoginResponse, error) {
	u, err := s.store.GetUserByUsername(ctx, creds.Username)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(creds.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims{
		ID:       u.ID,
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "vibechat",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
		},
	})

	ss, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return nil, err
	}

	return &LoginResponse{AccessToken: ss, ID: u.ID, Username: u.Username}, nil
}

// ValidateToken returns the user id and username embedded in a signed
// access token. Used by both the HTTP middleware and the websocket
// auth handshake.
func (s *Service) ValidateToken(tokenString string) (int64, string, error) {
	claims := &accessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return 0, "", err
	}
	if !token.Valid {
		return 0, "", errors.New("invalid token")
	}
	return claims.ID, claims.Username, nil
}

func (s *Service) SearchUsers(ctx context.Context, query string) ([]User, error) {
	return s.store.SearchUsers(ctx, query, 10)
}
