package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/aegis/internal/models"
	"github.com/redis/go-redis/v9"
)

const challengePrefix = "bio:chal:"

// ChallengeStore keeps at most one outstanding biometric challenge per
// (account, device). Consume is an atomic GETDEL, so a challenge can be
// used at most once even under concurrent verification.
type ChallengeStore struct {
	client redis.UniversalClient
}

func NewChallengeStore(client redis.UniversalClient) *ChallengeStore {
	return &ChallengeStore{client: client}
}

func challengeKey(accountID, deviceID string) string {
	return challengePrefix + accountID + ":" + deviceID
}

// Save stores challenge for ttl, replacing any prior one for the same device.
func (s *ChallengeStore) Save(ctx context.Context, challenge *models.BiometricChallenge, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("challenge ttl must be positive")
	}

	payload, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("failed to encode challenge: %w", err)
	}

	if err := s.client.Set(ctx, challengeKey(challenge.AccountID, challenge.DeviceID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Consume atomically removes and returns the outstanding challenge.
// Returns models.ErrNotFound when none exists or it has expired.
func (s *ChallengeStore) Consume(ctx context.Context, accountID, deviceID string) (*models.BiometricChallenge, error) {
	payload, err := s.client.GetDel(ctx, challengeKey(accountID, deviceID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var challenge models.BiometricChallenge
	if err := json.Unmarshal(payload, &challenge); err != nil {
		return nil, fmt.Errorf("failed to decode challenge: %w", err)
	}
	return &challenge, nil
}
