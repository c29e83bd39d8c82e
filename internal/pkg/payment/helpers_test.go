package payment

import (
	"context"
	"errors"
	"sync"

	"github.com/ManuelReschke/oraclepay/internal/pkg/entitlements"
)

type mapSecrets map[string]string

func (m mapSecrets) Get(_ context.Context, name string) (string, error) {
	v, ok := m[name]
	if !ok {
		return "", errors.New("secret not found")
	}
	return v, nil
}

type memoryWeChatStore struct {
	mu     sync.Mutex
	orders map[string]WeChatOrder
}

func newMemoryWeChatStore() *memoryWeChatStore {
	return &memoryWeChatStore{orders: map[string]WeChatOrder{}}
}

func (s *memoryWeChatStore) Save(_ context.Context, order WeChatOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.OutTradeNo] = order
	return nil
}

func (s *memoryWeChatStore) Load(_ context.Context, id string) (*WeChatOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return &o, nil
}

func product(t interface{ Fatalf(string, ...interface{}) }, id string) entitlements.Product {
	p, err := entitlements.DefaultCatalog().Lookup(id)
	if err != nil {
		t.Fatalf("lookup %s: %v", id, err)
	}
	return p
}
