package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meshmeet/internal/core/domain"
	"meshmeet/internal/core/ports"
	"meshmeet/pkg/cache"
	"meshmeet/pkg/circuitbreaker"
	"meshmeet/pkg/tracing"
	"meshmeet/pkg/utils"
	"meshmeet/pkg/validation"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// HostSubject is the pass subject of whoever created the room.
const HostSubject = "host"

type RoomService interface {
	CreateRoom(ctx context.Context) (*domain.Room, string, error)
	GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	IssuePass(roomID domain.RoomID, subject string) (string, error)
	ValidatePass(roomID domain.RoomID, secret string) (*PassClaims, error)
}

// PassClaims authorize the bearer to join one room.
type PassClaims struct {
	RoomID domain.RoomID `json:"room_id"`
	jwt.RegisteredClaims
}

type RoomServiceConfig struct {
	JWTSecret string
	PassTTL   time.Duration
	CacheTTL  time.Duration
	IDRetries int
}

type roomService struct {
	repo    ports.RoomRepository
	cfg     RoomServiceConfig
	secret  []byte
	breaker *circuitbreaker.CircuitBreaker
	cache   *cache.Cache[domain.RoomID, *domain.Room]
	logger  *zap.SugaredLogger
	now     func() time.Time
	newID   func() (string, error)
	created func()
}

// NewRoomService wraps repo with a circuit breaker and a read cache.
// onCreated, if set, runs after each room is persisted.
func NewRoomService(repo ports.RoomRepository, cfg RoomServiceConfig, onCreated func(), logger *zap.SugaredLogger) RoomService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if onCreated == nil {
		onCreated = func() {}
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}

	breakerCfg := circuitbreaker.DefaultConfig()
	breakerCfg.IsFailure = func(err error) bool {
		return !errors.Is(err, domain.ErrRoomNotFound) && !errors.Is(err, domain.ErrRoomExists)
	}
	breaker := circuitbreaker.New(breakerCfg)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("room store circuit breaker changed state", "from", from.String(), "to", to.String())
	})

	return &roomService{
		repo:    repo,
		cfg:     cfg,
		secret:  []byte(cfg.JWTSecret),
		breaker: breaker,
		cache:   cache.New[domain.RoomID, *domain.Room](cfg.CacheTTL),
		logger:  logger,
		now:     time.Now,
		newID: func() (string, error) {
			return utils.GenerateRoomID(validation.RoomIDLength)
		},
		created: onCreated,
	}
}

// CreateRoom stores a room under a fresh id and returns it with a host pass.
func (s *roomService) CreateRoom(ctx context.Context) (*domain.Room, string, error) {
	ctx, span := tracing.TraceRoomStore(ctx, "create")
	defer span.End()

	for attempt := 0; attempt <= s.cfg.IDRetries; attempt++ {
		id, err := s.newID()
		if err != nil {
			return nil, "", err
		}
		room := &domain.Room{ID: domain.RoomID(id), CreatedAt: s.now().UTC(), Active: true}

		err = s.breaker.Do(func() error { return s.repo.Create(ctx, room) })
		if errors.Is(err, domain.ErrRoomExists) {
			s.logger.Debugw("room id collision", "room_id", id, "attempt", attempt+1)
			continue
		}
		if err != nil {
			tracing.RecordError(ctx, err)
			return nil, "", fmt.Errorf("create room: %w", err)
		}

		pass, err := s.IssuePass(room.ID, HostSubject)
		if err != nil {
			return nil, "", err
		}
		s.cache.Set(room.ID, room)
		s.created()
		s.logger.Infow("room created", "room_id", room.ID)
		return room, pass, nil
	}
	return nil, "", fmt.Errorf("create room: %w after %d attempts", domain.ErrRoomExists, s.cfg.IDRetries+1)
}

func (s *roomService) GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	if err := validation.ValidateRoomID(string(id)); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRoomNotFound, err)
	}
	ctx, span := tracing.TraceRoomStore(ctx, "get")
	defer span.End()

	return s.cache.GetOrLoad(ctx, id, func(ctx context.Context) (*domain.Room, error) {
		return circuitbreaker.Execute(s.breaker, func() (*domain.Room, error) {
			return s.repo.GetByID(ctx, id)
		})
	})
}

func (s *roomService) IssuePass(roomID domain.RoomID, subject string) (string, error) {
	now := s.now()
	claims := &PassClaims{
		RoomID: roomID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.PassTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign room pass: %w", err)
	}
	return signed, nil
}

// ValidatePass fails with domain.ErrUnauthorized on a bad signature, an
// expired pass or a pass for another room.
func (s *roomService) ValidatePass(roomID domain.RoomID, secret string) (*PassClaims, error) {
	if secret == "" {
		return nil, domain.ErrUnauthorized
	}
	token, err := jwt.ParseWithClaims(secret, &PassClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(*PassClaims)
	if !ok || !token.Valid || claims.RoomID != roomID {
		return nil, domain.ErrUnauthorized
	}
	return claims, nil
}
