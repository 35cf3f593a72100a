// Package otp issues and verifies one-time passwords for mobile-number login.
// Codes live in Redis only: hashed at rest, capped attempts, short TTL.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/go-redis/redis/v8"
)

var (
	ErrRateLimited     = errors.New("otp: too many requests, try again later")
	ErrCodeInvalid     = errors.New("otp: invalid or expired code")
	ErrTooManyAttempts = errors.New("otp: attempt limit reached, request a new code")
)

const (
	codeLength     = 6
	codeTTL        = 3 * time.Minute
	maxAttempts    = 3
	requestWindow  = 15 * time.Minute
	maxPerWindow   = 3
	keyCodePrefix  = "otp:code:"
	keyTriesPrefix = "otp:tries:"
	keyRatePrefix  = "otp:rate:"
)

// Store issues and verifies codes against a Redis backend.
type Store struct {
	client *redis.Client
}

func NewStore(addr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Store{client: client}, nil
}

// NewStoreWithClient wraps an existing client. Used by tests.
func NewStoreWithClient(client *redis.Client) *Store { return &Store{client: client} }

func (s *Store) Close() error { return s.client.Close() }

// Ping checks backend connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

// Issue generates a fresh code for the mobile number, replacing any
// outstanding one. At most maxPerWindow codes may be requested per number per
// requestWindow. The plaintext code is returned to the caller for delivery and
// only its hash is stored.
func (s *Store) Issue(ctx context.Context, mobile string) (string, error) {
	count, err := s.client.Incr(ctx, keyRatePrefix+mobile).Result()
	if err != nil {
		return "", fmt.Errorf("rate counter: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, keyRatePrefix+mobile, requestWindow).Err(); err != nil {
			return "", fmt.Errorf("rate counter expiry: %w", err)
		}
	}
	if count > maxPerWindow {
		return "", ErrRateLimited
	}

	code, err := generateCode()
	if err != nil {
		return "", err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, keyCodePrefix+mobile, hashCode(code), codeTTL)
	pipe.Set(ctx, keyTriesPrefix+mobile, 0, codeTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("store code: %w", err)
	}
	return code, nil
}

// Verify checks the code for the mobile number and consumes it on success.
// Each failed attempt counts against the per-code attempt budget; exhausting
// it invalidates the code.
func (s *Store) Verify(ctx context.Context, mobile, code string) error {
	stored, err := s.client.Get(ctx, keyCodePrefix+mobile).Result()
	if errors.Is(err, redis.Nil) {
		return ErrCodeInvalid
	}
	if err != nil {
		return fmt.Errorf("load code: %w", err)
	}

	tries, err := s.client.Incr(ctx, keyTriesPrefix+mobile).Result()
	if err != nil {
		return fmt.Errorf("attempt counter: %w", err)
	}
	if tries > maxAttempts {
		_ = s.Invalidate(ctx, mobile)
		return ErrTooManyAttempts
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(hashCode(code))) != 1 {
		return ErrCodeInvalid
	}
	return s.Invalidate(ctx, mobile)
}

// Invalidate drops any outstanding code for the mobile number.
func (s *Store) Invalidate(ctx context.Context, mobile string) error {
	return s.client.Del(ctx, keyCodePrefix+mobile, keyTriesPrefix+mobile).Err()
}

func generateCode() (string, error) {
	max := big.NewInt(1000000)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeLength, n.Int64()), nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
