package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"orderproduction/internal/pkg/metrics"
	"orderproduction/internal/pkg/redis"
	"orderproduction/internal/service/orderstatus/domain"
	"orderproduction/internal/service/orderstatus/infrastructure/adapter"
	"orderproduction/internal/service/orderstatus/port"
)

// memoryStore 是 port.OrderStore 的内存实现，value 以 JSON 保存以模拟序列化往返。
type memoryStore struct {
	mu      sync.Mutex
	records map[string][]byte
	ttls    map[string]time.Duration

	keys   func() ([]string, error) // 非 nil 时覆盖 KeysMatching
	getErr error
	setErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (m *memoryStore) Get(_ context.Context, key string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	raw, ok := m.records[key]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	var o domain.Order
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrCorruptRecord, err)
	}
	return &o, nil
}

func (m *memoryStore) Set(_ context.Context, key string, order *domain.Order, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	if ttl == port.KeepTTL {
		if _, ok := m.records[key]; !ok {
			return domain.ErrOrderNotFound
		}
	} else {
		m.ttls[key] = ttl
	}
	raw, err := json.Marshal(order)
	if err != nil {
		return err
	}
	m.records[key] = raw
	return nil
}

func (m *memoryStore) KeysMatching(_ context.Context, prefix string) ([]string, error) {
	if m.keys != nil {
		return m.keys()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.records {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *memoryStore) status(id string) domain.Status {
	o, err := m.Get(context.Background(), domain.OrderKey(id))
	if err != nil {
		return ""
	}
	return o.Status
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, topic, routingKey string, payload any) error {
	args := m.Called(ctx, topic, routingKey, payload)
	return args.Error(0)
}

type stubPolicy struct {
	allow bool
	err   error
}

func (p stubPolicy) Allow(context.Context, domain.Status, domain.Status) (bool, error) {
	return p.allow, p.err
}

type recordingLocker struct {
	mu       sync.Mutex
	locked   []string
	unlocked []string
	err      error
}

func (l *recordingLocker) Lock(_ context.Context, id string) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	l.mu.Lock()
	l.locked = append(l.locked, id)
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		l.unlocked = append(l.unlocked, id)
		l.mu.Unlock()
	}, nil
}

var fixedNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func newTestService(store port.OrderStore, pub port.EventPublisher, opts ...Option) *OrderStatusService {
	opts = append([]Option{
		withClock(func() time.Time { return fixedNow }),
		withEventIDs(func() string { return "evt-1" }),
	}, opts...)
	return NewOrderStatusService(store, pub, noop.NewTracerProvider().Tracer("test"), opts...)
}

func statusEvent(id string, status domain.Status) any {
	return mock.MatchedBy(func(e domain.OrderStatusUpdated) bool {
		return e.OrderID == id && e.Status == status
	})
}

func TestIngest_DefaultsMissingStatus(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store, new(mockPublisher))

	order := &domain.Order{ID: "123", Details: json.RawMessage(`"Test details"`)}
	require.NoError(t, svc.Ingest(context.Background(), order))

	assert.Equal(t, domain.StatusReceived, order.Status)
	assert.Equal(t, domain.StatusReceived, store.status("123"))
	assert.Equal(t, 30*time.Minute, store.ttls["order:123"])
}

func TestIngest_KeepsProvidedStatus(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store, new(mockPublisher))

	order := &domain.Order{ID: "124", Status: domain.StatusInPreparation}
	require.NoError(t, svc.Ingest(context.Background(), order))

	assert.Equal(t, domain.StatusInPreparation, store.status("124"))
}

func TestIngest_RedeliveryIsIdempotent(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store, new(mockPublisher))

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Ingest(context.Background(), &domain.Order{ID: "7", Details: json.RawMessage(`{"a":1}`)}))
	}

	assert.Len(t, store.records, 1)
	got, err := svc.GetOrder(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReceived, got.Status)
	assert.JSONEq(t, `{"a":1}`, string(got.Details))
}

func TestIngest_RejectsMissingID(t *testing.T) {
	svc := newTestService(newMemoryStore(), new(mockPublisher))

	err := svc.Ingest(context.Background(), &domain.Order{})
	assert.ErrorIs(t, err, domain.ErrMalformedEvent)
}

func TestIngest_StoreFailureIsReturned(t *testing.T) {
	store := newMemoryStore()
	store.setErr = fmt.Errorf("%w: connection refused", domain.ErrStoreUnavailable)
	svc := newTestService(store, new(mockPublisher))

	err := svc.Ingest(context.Background(), &domain.Order{ID: "1"})
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestGetOrder_NotFoundIsDistinguishable(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store, new(mockPublisher))

	_, err := svc.GetOrder(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	assert.NotErrorIs(t, err, domain.ErrStoreUnavailable)

	store.getErr = fmt.Errorf("%w: timeout", domain.ErrStoreUnavailable)
	_, err = svc.GetOrder(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestUpdateStatus_NotFoundNeverPublishes(t *testing.T) {
	pub := new(mockPublisher)
	svc := newTestService(newMemoryStore(), pub)

	order, err := svc.UpdateStatus(context.Background(), "999", domain.StatusInPreparation)

	assert.Nil(t, order)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdateStatus_StoresThenPublishesOnce(t *testing.T) {
	store := newMemoryStore()
	pub := new(mockPublisher)
	svc := newTestService(store, pub)
	require.NoError(t, svc.Ingest(context.Background(), &domain.Order{ID: "123"}))

	pub.On("Publish", mock.Anything, UpdatedOrderTopic, "123", statusEvent("123", domain.StatusInPreparation)).
		Run(func(mock.Arguments) {
			// 通知发出时，新状态必须已经写入 store
			assert.Equal(t, domain.StatusInPreparation, store.status("123"))
		}).
		Return(nil).Once()

	order, err := svc.UpdateStatus(context.Background(), "123", domain.StatusInPreparation)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusInPreparation, order.Status)
	assert.Equal(t, domain.StatusInPreparation, store.status("123"))
	pub.AssertExpectations(t)
	pub.AssertNumberOfCalls(t, "Publish", 1)
}

func TestUpdateStatus_NotificationPayload(t *testing.T) {
	store := newMemoryStore()
	pub := new(mockPublisher)
	svc := newTestService(store, pub)
	require.NoError(t, svc.Ingest(context.Background(), &domain.Order{ID: "5"}))

	var published domain.OrderStatusUpdated
	pub.On("Publish", mock.Anything, UpdatedOrderTopic, "5", mock.Anything).
		Run(func(args mock.Arguments) { published = args.Get(3).(domain.OrderStatusUpdated) }).
		Return(nil)

	_, err := svc.UpdateStatus(context.Background(), "5", domain.StatusReady)
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusUpdated{
		EventID:        "evt-1",
		OrderID:        "5",
		Status:         domain.StatusReady,
		PreviousStatus: domain.StatusReceived,
		OccurredAt:     fixedNow,
	}, published)
}

// 通知发布失败时状态变更已经提交，调用方看到成功，但下游收不到这次通知。
func TestUpdateStatus_PublishFailureDoesNotFailUpdate(t *testing.T) {
	store := newMemoryStore()
	pub := new(mockPublisher)
	svc := newTestService(store, pub)
	require.NoError(t, svc.Ingest(context.Background(), &domain.Order{ID: "77"}))

	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("broker down")).Once()
	failuresBefore := testutil.ToFloat64(metrics.NotificationFailures)

	order, err := svc.UpdateStatus(context.Background(), "77", domain.StatusCompleted)

	require.NoError(t, err)
	assert.Equal(t, failuresBefore+1, testutil.ToFloat64(metrics.NotificationFailures))
	assert.Equal(t, domain.StatusCompleted, order.Status)
	assert.Equal(t, domain.StatusCompleted, store.status("77"), "store mutation is not rolled back")
	pub.AssertExpectations(t)
}

func TestUpdateStatus_StoreWriteFailureNeverPublishes(t *testing.T) {
	store := newMemoryStore()
	pub := new(mockPublisher)
	svc := newTestService(store, pub)
	require.NoError(t, svc.Ingest(context.Background(), &domain.Order{ID: "8"}))

	store.setErr = fmt.Errorf("%w: READONLY", domain.ErrStoreUnavailable)
	_, err := svc.UpdateStatus(context.Background(), "8", domain.StatusReady)

	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdateStatus_PublishesEvenIfCallerCancelledAfterWrite(t *testing.T) {
	store := newMemoryStore()
	pub := new(mockPublisher)
	svc := newTestService(store, pub)
	require.NoError(t, svc.Ingest(context.Background(), &domain.Order{ID: "9"}))

	ctx, cancel := context.WithCancel(context.Background())
	pub.On("Publish", mock.Anything, mock.Anything, "9", mock.Anything).
		Run(func(args mock.Arguments) {
			cancel()
			assert.NoError(t, args.Get(0).(context.Context).Err())
		}).
		Return(nil)

	_, err := svc.UpdateStatus(ctx, "9", domain.StatusReady)
	require.NoError(t, err)
}

func TestUpdateStatus_RejectsUnknownStatus(t *testing.T) {
	pub := new(mockPublisher)
	svc := newTestService(newMemoryStore(), pub)

	invalidBefore := testutil.ToFloat64(metrics.StatusUpdates.WithLabelValues("invalid", "rejected"))

	_, err := svc.UpdateStatus(context.Background(), "1", domain.Status("SHIPPED"))
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)

	// 非法状态统一计入 "invalid"，不会为每个输入值新建一条时间序列
	assert.Equal(t, invalidBefore+1, testutil.ToFloat64(metrics.StatusUpdates.WithLabelValues("invalid", "rejected")))
	assert.Zero(t, testutil.ToFloat64(metrics.StatusUpdates.WithLabelValues("SHIPPED", "rejected")))
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdateStatus_AnyTransitionWithoutPolicy(t *testing.T) {
	store := newMemoryStore()
	pub := new(mockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	svc := newTestService(store, pub)
	require.NoError(t, svc.Ingest(context.Background(), &domain.Order{ID: "1", Status: domain.StatusCompleted}))

	order, err := svc.UpdateStatus(context.Background(), "1", domain.StatusReceived)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReceived, order.Status)
}

func TestUpdateStatus_PolicyRejection(t *testing.T) {
	store := newMemoryStore()
	pub := new(mockPublisher)
	svc := newTestService(store, pub, WithTransitionPolicy(stubPolicy{allow: false}))
	require.NoError(t, svc.Ingest(context.Background(), &domain.Order{ID: "1", Status: domain.StatusCompleted}))

	_, err := svc.UpdateStatus(context.Background(), "1", domain.StatusReceived)

	assert.ErrorIs(t, err, domain.ErrTransitionNotAllowed)
	assert.Equal(t, domain.StatusCompleted, store.status("1"))
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdateStatus_HoldsLockAroundReadModifyWrite(t *testing.T) {
	store := newMemoryStore()
	pub := new(mockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	locker := &recordingLocker{}
	svc := newTestService(store, pub, WithLocker(locker))
	require.NoError(t, svc.Ingest(context.Background(), &domain.Order{ID: "3"}))

	_, err := svc.UpdateStatus(context.Background(), "3", domain.StatusReady)
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, locker.locked)
	assert.Equal(t, []string{"3"}, locker.unlocked)

	locker.err = errors.New("zk session expired")
	_, err = svc.UpdateStatus(context.Background(), "3", domain.StatusCompleted)
	assert.Error(t, err)
	assert.Equal(t, domain.StatusReady, store.status("3"))
}

func TestGetOrdersByStatus_NeverNil(t *testing.T) {
	cases := map[string]func() ([]string, error){
		"nil enumeration":   func() ([]string, error) { return nil, nil },
		"empty enumeration": func() ([]string, error) { return []string{}, nil },
	}
	for name, keys := range cases {
		t.Run(name, func(t *testing.T) {
			store := newMemoryStore()
			store.keys = keys
			svc := newTestService(store, new(mockPublisher))

			orders, err := svc.GetOrdersByStatus(context.Background(), domain.StatusReceived)
			require.NoError(t, err)
			assert.NotNil(t, orders)
			assert.Empty(t, orders)
		})
	}

	t.Run("no matches", func(t *testing.T) {
		store := newMemoryStore()
		svc := newTestService(store, new(mockPublisher))
		require.NoError(t, svc.Ingest(context.Background(), &domain.Order{ID: "1", Status: domain.StatusReady}))

		orders, err := svc.GetOrdersByStatus(context.Background(), domain.StatusReceived)
		require.NoError(t, err)
		assert.NotNil(t, orders)
		assert.Empty(t, orders)
	})
}

func TestGetOrdersByStatus_FiltersAndSkipsExpired(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store, new(mockPublisher))
	ctx := context.Background()
	require.NoError(t, svc.Ingest(ctx, &domain.Order{ID: "1", Status: domain.StatusInPreparation}))
	require.NoError(t, svc.Ingest(ctx, &domain.Order{ID: "2", Status: domain.StatusInPreparation}))
	require.NoError(t, svc.Ingest(ctx, &domain.Order{ID: "3", Status: domain.StatusReady}))

	// order:4 在枚举之后、读取之前过期
	store.keys = func() ([]string, error) {
		return []string{"order:1", "order:2", "order:3", "order:4"}, nil
	}

	orders, err := svc.GetOrdersByStatus(ctx, domain.StatusInPreparation)
	require.NoError(t, err)

	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
		assert.Equal(t, domain.StatusInPreparation, o.Status)
	}
	assert.ElementsMatch(t, []string{"1", "2"}, ids)
}

func TestGetOrdersByStatus_SkipsCorruptRecords(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	svc := newTestService(adapter.NewOrderRedisStore(redis.NewFromUniversal(rdb), time.Second), new(mockPublisher))
	ctx := context.Background()

	require.NoError(t, svc.Ingest(ctx, &domain.Order{ID: "1", Status: domain.StatusReady}))
	require.NoError(t, svc.Ingest(ctx, &domain.Order{ID: "2", Status: domain.StatusReceived}))
	require.NoError(t, mr.Set("order:garbage", "{not json"))
	_, err := mr.Lpush("order:list", "x")
	require.NoError(t, err)
	skippedBefore := testutil.ToFloat64(metrics.SkippedRecords)

	orders, err := svc.GetOrdersByStatus(ctx, domain.StatusReady)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "1", orders[0].ID)
	assert.Equal(t, skippedBefore+2, testutil.ToFloat64(metrics.SkippedRecords))
}

func TestGetOrdersByStatus_SequentialFetch(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store, new(mockPublisher), WithFetchConcurrency(1))
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		status := domain.StatusReady
		if i%2 == 0 {
			status = domain.StatusReceived
		}
		require.NoError(t, svc.Ingest(ctx, &domain.Order{ID: fmt.Sprint(i), Status: status}))
	}

	orders, err := svc.GetOrdersByStatus(ctx, domain.StatusReceived)
	require.NoError(t, err)
	assert.Len(t, orders, 10)
}

func TestGetOrdersByStatus_StoreFailure(t *testing.T) {
	store := newMemoryStore()
	store.keys = func() ([]string, error) {
		return nil, fmt.Errorf("%w: scan", domain.ErrStoreUnavailable)
	}
	svc := newTestService(store, new(mockPublisher))

	_, err := svc.GetOrdersByStatus(context.Background(), domain.StatusReceived)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)

	store.keys = func() ([]string, error) { return []string{"order:1"}, nil }
	store.getErr = fmt.Errorf("%w: get", domain.ErrStoreUnavailable)
	_, err = svc.GetOrdersByStatus(context.Background(), domain.StatusReceived)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestRoundTrip_PreservesOpaqueDetails(t *testing.T) {
	store := newMemoryStore()
	pub := new(mockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	svc := newTestService(store, pub)
	ctx := context.Background()

	details := []json.RawMessage{
		json.RawMessage(`"plain string"`),
		json.RawMessage(`42`),
		json.RawMessage(`[1,"two",{"three":3}]`),
		json.RawMessage(`{"nested":{"deep":[true,null,1.5]}}`),
	}
	for i := 0; i < 5; i++ {
		raw, err := json.Marshal(map[string]any{
			"customer": gofakeit.Name(),
			"items":    []string{gofakeit.ProductName(), gofakeit.ProductName()},
			"total":    gofakeit.Price(1, 500),
		})
		require.NoError(t, err)
		details = append(details, raw)
	}

	for i, d := range details {
		id := fmt.Sprintf("rt-%d", i)
		require.NoError(t, svc.Ingest(ctx, &domain.Order{ID: id, Details: d}))

		got, err := svc.GetOrder(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)
		assert.Equal(t, domain.StatusReceived, got.Status)
		assert.JSONEq(t, string(d), string(got.Details))

		updated, err := svc.UpdateStatus(ctx, id, domain.StatusReady)
		require.NoError(t, err)
		assert.JSONEq(t, string(d), string(updated.Details))

		got, err = svc.GetOrder(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusReady, got.Status)
		assert.JSONEq(t, string(d), string(got.Details))
	}
}

func TestScenario_IngestUpdateAndUnknownOrder(t *testing.T) {
	store := newMemoryStore()
	pub := new(mockPublisher)
	svc := newTestService(store, pub)
	ctx := context.Background()

	require.NoError(t, svc.Ingest(ctx, &domain.Order{ID: "42"}))
	got, err := svc.GetOrder(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, domain.InitialStatus, got.Status)

	status, err := domain.ParseStatus("in-preparation")
	require.NoError(t, err)
	pub.On("Publish", mock.Anything, UpdatedOrderTopic, "42", statusEvent("42", domain.StatusInPreparation)).Return(nil).Once()

	updated, err := svc.UpdateStatus(ctx, "42", status)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInPreparation, updated.Status)
	pub.AssertNumberOfCalls(t, "Publish", 1)

	_, err = svc.UpdateStatus(ctx, "999", status)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	pub.AssertNumberOfCalls(t, "Publish", 1)
	pub.AssertExpectations(t)
}
