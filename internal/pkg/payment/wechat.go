package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/oraclepay/internal/pkg/entitlements"
)

const (
	ProviderWeChat = "wechat"

	SecretWeChatMchID = "wechat-mch-id"

	WeChatNotPay  = "NOTPAY"
	WeChatSuccess = StatusSuccess

	// WeChatOrderTTL bounds how long a mock order stays queryable.
	WeChatOrderTTL = 2 * time.Hour

	wechatKeyPrefix = "wechat:order:"
)

// WeChatOrder is the persisted state of a mock WeChat order.
type WeChatOrder struct {
	OutTradeNo string    `json:"out_trade_no"`
	ProductID  string    `json:"product_id"`
	TradeState string    `json:"trade_state"`
	Amount     string    `json:"amount"`
	Currency   string    `json:"currency"`
	CreatedAt  time.Time `json:"created_at"`
	PaidAt     time.Time `json:"paid_at"`
}

// WeChatOrderStore persists mock order state outside the process.
type WeChatOrderStore interface {
	Save(ctx context.Context, order WeChatOrder) error
	Load(ctx context.Context, outTradeNo string) (*WeChatOrder, error)
}

// RedisWeChatOrderStore keeps mock orders in redis with a TTL so state
// survives restarts and is shared between instances.
type RedisWeChatOrderStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisWeChatOrderStore creates a redis-backed store; ttl<=0 uses WeChatOrderTTL.
func NewRedisWeChatOrderStore(client redis.UniversalClient, ttl time.Duration) *RedisWeChatOrderStore {
	if ttl <= 0 {
		ttl = WeChatOrderTTL
	}
	return &RedisWeChatOrderStore{client: client, ttl: ttl}
}

func (s *RedisWeChatOrderStore) Save(ctx context.Context, order WeChatOrder) error {
	data, err := json.Marshal(order)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, wechatKeyPrefix+order.OutTradeNo, data, s.ttl).Err()
}

func (s *RedisWeChatOrderStore) Load(ctx context.Context, outTradeNo string) (*WeChatOrder, error) {
	data, err := s.client.Get(ctx, wechatKeyPrefix+outTradeNo).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, outTradeNo)
		}
		return nil, err
	}
	var order WeChatOrder
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// WeChatMockProvider simulates WeChat Native Pay: orders start NOTPAY and
// become SUCCESS once MarkPaid is called.
type WeChatMockProvider struct {
	store   WeChatOrderStore
	secrets SecretSource
	now     func() time.Time

	// paying serializes MarkPaid per process; the store is the source of truth.
	paying sync.Mutex
}

// NewWeChatMockProvider creates the mock adapter over store.
func NewWeChatMockProvider(store WeChatOrderStore, src SecretSource) *WeChatMockProvider {
	return &WeChatMockProvider{store: store, secrets: src, now: time.Now}
}

func (p *WeChatMockProvider) Name() string { return ProviderWeChat }

func (p *WeChatMockProvider) CreateOrder(ctx context.Context, product entitlements.Product, oc OrderContext) (*OrderRef, error) {
	if _, err := requireSecrets(ctx, p.secrets, ProviderWeChat, SecretWeChatMchID); err != nil {
		return nil, err
	}

	id := strings.TrimSpace(oc.OrderID)
	if id == "" {
		id = "WX" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	amount, currency := Price(ProviderWeChat, product)
	order := WeChatOrder{
		OutTradeNo: id,
		ProductID:  product.ID,
		TradeState: WeChatNotPay,
		Amount:     amount,
		Currency:   currency,
		CreatedAt:  p.now().UTC(),
	}
	if err := p.store.Save(ctx, order); err != nil {
		return nil, &ProviderError{Provider: ProviderWeChat, Operation: "create_order", Err: err}
	}

	raw, _ := json.Marshal(order)
	return &OrderRef{
		ID:      id,
		CodeURL: "weixin://wxpay/bizpayurl?pr=" + url.QueryEscape(id),
		Raw:     raw,
	}, nil
}

func (p *WeChatMockProvider) CaptureOrder(ctx context.Context, ref string) (*Capture, error) {
	order, err := p.store.Load(ctx, strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	raw, _ := json.Marshal(order)
	return &Capture{
		OrderID:  order.OutTradeNo,
		Status:   order.TradeState,
		Amount:   order.Amount,
		Currency: order.Currency,
		Raw:      raw,
	}, nil
}

// PollStatus returns the current trade_state of the order.
func (p *WeChatMockProvider) PollStatus(ctx context.Context, orderID string) (string, error) {
	order, err := p.store.Load(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return "", err
	}
	return order.TradeState, nil
}

// MarkPaid simulates the payer completing the payment. Development only.
func (p *WeChatMockProvider) MarkPaid(ctx context.Context, orderID string) (*WeChatOrder, error) {
	p.paying.Lock()
	defer p.paying.Unlock()

	order, err := p.store.Load(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return nil, err
	}
	if order.TradeState == WeChatSuccess {
		return order, nil
	}
	order.TradeState = WeChatSuccess
	order.PaidAt = p.now().UTC()
	if err := p.store.Save(ctx, *order); err != nil {
		return nil, err
	}
	log.Infof("[WeChatMock] order %s marked as paid", order.OutTradeNo)
	return order, nil
}
