package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"memechat/internal/models"
)

var (
	ErrUserExists         = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// UserService stores accounts and resolves display profiles.
type UserService struct {
	pool   *pgxpool.Pool
	tokens *Tokens
}

func NewUserService(pool *pgxpool.Pool, tokens *Tokens) *UserService {
	return &UserService{pool: pool, tokens: tokens}
}

func (s *UserService) Register(ctx context.Context, req models.RegisterRequest) (*models.User, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		return nil, fmt.Errorf("%w: username and password are required", models.ErrInvalidInput)
	}
	nickname := strings.TrimSpace(req.Nickname)
	if nickname == "" {
		nickname = username
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	var user models.User
	query := `INSERT INTO users (id, username, password_hash, nickname) VALUES ($1, $2, $3, $4)
		RETURNING id, username, nickname, avatar, created_at`
	err = s.pool.QueryRow(ctx, query, uuid.New().String(), username, string(hash), nickname).
		Scan(&user.ID, &user.Username, &user.Nickname, &user.Avatar, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrUserExists
		}
		return nil, err
	}

	return &user, nil
}

func (s *UserService) Login(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error) {
	var user models.User
	query := `SELECT id, username, password_hash FROM users WHERE username = $1`
	err := s.pool.QueryRow(ctx, query, req.Username).Scan(&user.ID, &user.Username, &user.PasswordHash)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	token, err := s.tokens.GenerateJWT(user.ID, user.Username)
	if err != nil {
		return nil, err
	}
	refresh, err := s.tokens.GenerateRefreshToken(user.ID, user.Username)
	if err != nil {
		return nil, err
	}

	return &models.AuthResponse{
		Token:        token,
		RefreshToken: refresh,
		Username:     user.Username,
		UserID:       user.ID,
	}, nil
}

func (s *UserService) GetProfile(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := s.pool.QueryRow(ctx, `SELECT id, username, nickname, avatar, created_at FROM users WHERE id = $1`, userID).
		Scan(&user.ID, &user.Username, &user.Nickname, &user.Avatar, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", models.ErrNotFound, userID)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// ResolveProfile implements ProfileResolver for the chat core.
func (s *UserService) ResolveProfile(ctx context.Context, userID string) (*models.Profile, error) {
	user, err := s.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &models.Profile{ID: user.ID, Nickname: user.Nickname, Avatar: user.Avatar}, nil
}

// UpdateProfile changes nickname and avatar. Names already denormalized
// into sent messages keep their old value.
func (s *UserService) UpdateProfile(ctx context.Context, userID string, req models.UpdateProfileRequest) (*models.User, error) {
	if req.Nickname != nil && strings.TrimSpace(*req.Nickname) == "" {
		return nil, fmt.Errorf("%w: nickname cannot be empty", models.ErrInvalidInput)
	}
	var user models.User
	err := s.pool.QueryRow(ctx, `UPDATE users
		SET nickname = COALESCE($2, nickname), avatar = COALESCE($3, avatar)
		WHERE id = $1
		RETURNING id, username, nickname, avatar, created_at`, userID, req.Nickname, req.Avatar).
		Scan(&user.ID, &user.Username, &user.Nickname, &user.Avatar, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", models.ErrNotFound, userID)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Tokens issues and validates HS256 access and refresh tokens.
type Tokens struct {
	secret []byte
}

func NewTokens(secret string) *Tokens {
	return &Tokens{secret: []byte(secret)}
}

func (t *Tokens) sign(userID, username, kind string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"user_id":  userID,
		"username": username,
		"type":     kind,
		"exp":      time.Now().Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

func (t *Tokens) GenerateJWT(userID, username string) (string, error) {
	return t.sign(userID, username, "access", 72*time.Hour)
}

func (t *Tokens) GenerateRefreshToken(userID, username string) (string, error) {
	return t.sign(userID, username, "refresh", 30*24*time.Hour)
}

func (t *Tokens) parse(tokenString, kind string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if typ, _ := claims["type"].(string); typ != kind {
		return nil, fmt.Errorf("%w: expected %s token", ErrInvalidToken, kind)
	}
	return claims, nil
}

func (t *Tokens) ValidateToken(tokenString string) (jwt.MapClaims, error) {
	return t.parse(tokenString, "access")
}

func (t *Tokens) ValidateRefreshToken(tokenString string) (jwt.MapClaims, error) {
	return t.parse(tokenString, "refresh")
}
