package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenStorage keeps the nonce of each validation session. Implementations
// are safe for concurrent use.
type TokenStorage interface {
	// StoreToken overwrites an existing nonce for sessionId.
	StoreToken(ctx context.Context, sessionId string, nonce string) error

	// RetrieveToken fails when no nonce is stored for sessionId.
	RetrieveToken(ctx context.Context, sessionId string) (string, error)

	// RemoveToken fails when no nonce is stored for sessionId.
	RemoveToken(ctx context.Context, sessionId string) error
}

const TokenTimeout time.Duration = 15 * time.Minute

type InMemoryTokenStorage struct {
	TokenMap map[string]string
	mutex    sync.Mutex
}

func NewInMemoryTokenStorage() *InMemoryTokenStorage {
	return &InMemoryTokenStorage{
		TokenMap: make(map[string]string),
	}
}

func (s *InMemoryTokenStorage) StoreToken(_ context.Context, sessionId, token string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.TokenMap[sessionId] = token
	return nil
}

func (s *InMemoryTokenStorage) RetrieveToken(_ context.Context, sessionId string) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	token, ok := s.TokenMap[sessionId]
	if !ok {
		return "", fmt.Errorf("failed to find token for %s", sessionId)
	}
	return token, nil
}

func (s *InMemoryTokenStorage) RemoveToken(_ context.Context, sessionId string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.TokenMap[sessionId]; !ok {
		return fmt.Errorf("failed to remove token for %s, because it wasn't there", sessionId)
	}
	delete(s.TokenMap, sessionId)
	return nil
}

// ------------------------------------------------------------------------------

type RedisTokenStorage struct {
	client    *redis.Client
	namespace string
}

func NewRedisTokenStorage(client *redis.Client, namespace string) *RedisTokenStorage {
	return &RedisTokenStorage{client: client, namespace: namespace}
}

func tokenKey(namespace, sessionId string) string {
	return fmt.Sprintf("%s:token:%s", namespace, sessionId)
}

func (s *RedisTokenStorage) StoreToken(ctx context.Context, sessionId string, nonce string) error {
	return s.client.Set(ctx, tokenKey(s.namespace, sessionId), nonce, TokenTimeout).Err()
}

func (s *RedisTokenStorage) RetrieveToken(ctx context.Context, sessionId string) (string, error) {
	return s.client.Get(ctx, tokenKey(s.namespace, sessionId)).Result()
}

func (s *RedisTokenStorage) RemoveToken(ctx context.Context, sessionId string) error {
	n, err := s.client.Del(ctx, tokenKey(s.namespace, sessionId)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("failed to remove token for %s, because it wasn't there", sessionId)
	}
	return nil
}
