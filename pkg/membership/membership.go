// Package membership tracks the live pool of conductors and maps each node
// to exactly one of them.
package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const memberKeyPrefix = "quarry:conductor:"

// Member is the ephemeral liveness record one conductor publishes. Records
// expire on their own; a conductor that stops refreshing is presumed dead.
type Member struct {
	ID       string    `json:"id"`
	Drivers  []string  `json:"drivers"`
	LastSeen time.Time `json:"lastSeen"`
}

// Service announces this conductor's liveness and reads the live member set.
type Service struct {
	client   *redis.Client
	id       string
	drivers  []string
	ttl      time.Duration
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

func New(redisURL, conductorID string, drivers []string, ttl time.Duration) (*Service, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Service{
		client:   client,
		id:       conductorID,
		drivers:  drivers,
		ttl:      ttl,
		interval: ttl / 3,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// ID is the conductor identity this service announces.
func (s *Service) ID() string { return s.id }

// Start publishes the liveness record and keeps refreshing it until Stop.
func (s *Service) Start(ctx context.Context, logger Logger) error {
	if err := s.announce(ctx); err != nil {
		return err
	}
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.announce(context.Background()); err != nil {
					logger.Error("membership announce failed", "conductor", s.id, "error", err)
				}
			case <-s.stop:
				return
			}
		}
	}()
	return nil
}

// Stop halts the refresh loop and deletes the liveness record so peers see
// the departure immediately instead of after TTL expiry.
func (s *Service) Stop(ctx context.Context) {
	close(s.stop)
	<-s.done
	_ = s.client.Del(ctx, memberKeyPrefix+s.id).Err()
	_ = s.client.Close()
}

func (s *Service) announce(ctx context.Context) error {
	record := Member{ID: s.id, Drivers: s.drivers, LastSeen: time.Now().UTC()}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, memberKeyPrefix+s.id, payload, s.ttl).Err()
}

// Members returns the currently live conductor set.
func (s *Service) Members(ctx context.Context) ([]Member, error) {
	var (
		cursor  uint64
		members []Member
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, memberKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan members: %w", err)
		}
		for _, key := range keys {
			payload, err := s.client.Get(ctx, key).Bytes()
			if err != nil {
				continue // expired between scan and get
			}
			var m Member
			if err := json.Unmarshal(payload, &m); err != nil {
				continue
			}
			members = append(members, m)
		}
		if next == 0 {
			return members, nil
		}
		cursor = next
	}
}

// IsAlive reports whether a conductor's liveness record still exists.
func (s *Service) IsAlive(ctx context.Context, conductorID string) bool {
	n, err := s.client.Exists(ctx, memberKeyPrefix+conductorID).Result()
	return err == nil && n > 0
}
