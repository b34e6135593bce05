package orderstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"storefront-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore keeps orders and stock in memory. Writes made inside WithinTx are
// staged and only applied when fn returns nil.
type memStore struct {
	mu       sync.Mutex
	orders   map[int64]*models.Order
	stock    map[int64]int
	commits  int
	restores int
	failOn   string
}

type memTx struct {
	s        *memStore
	statuses map[int64]models.OrderStatus
	refs     map[int64]string
	stock    map[int64]int
	restores int
}

func newMemStore() *memStore {
	return &memStore{
		orders: make(map[int64]*models.Order),
		stock:  make(map[int64]int),
	}
}

func (s *memStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:        s,
		statuses: make(map[int64]models.OrderStatus),
		refs:     make(map[int64]string),
		stock:    make(map[int64]int),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if s.failOn == "commit" {
		return errors.New("commit failed")
	}

	for id, status := range tx.statuses {
		s.orders[id].Status = status
	}
	for id, ref := range tx.refs {
		ref := ref
		s.orders[id].PaymentRef = &ref
	}
	for id, qty := range tx.stock {
		s.stock[id] += qty
	}
	s.restores += tx.restores
	s.commits++
	return nil
}

func (t *memTx) LockOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	o, ok := t.s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	cp.Items = append([]models.OrderItem(nil), o.Items...)
	return &cp, nil
}

func (t *memTx) RestoreStock(ctx context.Context, productID int64, quantity int) error {
	if t.s.failOn == "restore" {
		return errors.New("restore failed")
	}
	t.stock[productID] += quantity
	t.restores++
	return nil
}

func (t *memTx) WriteOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus) error {
	if t.s.failOn == "write" {
		return errors.New("write failed")
	}
	t.statuses[orderID] = status
	return nil
}

func (t *memTx) RecordPaymentRef(ctx context.Context, orderID int64, paymentRef string) error {
	if t.s.failOn == "ref" {
		return errors.New("ref write failed")
	}
	t.refs[orderID] = paymentRef
	return nil
}

func (s *memStore) paymentRef(id int64) *string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id].PaymentRef
}

func (s *memStore) status(id int64) models.OrderStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id].Status
}

type fakeNotifier struct {
	mu        sync.Mutex
	shipping  []int64
	delivery  []int64
	failTimes int
	calls     int
}

func (n *fakeNotifier) send(list *[]int64, order *models.Order) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if n.calls <= n.failTimes {
		return errors.New("mailer unavailable")
	}
	*list = append(*list, order.ID)
	return nil
}

func (n *fakeNotifier) SendShippingNotice(ctx context.Context, order *models.Order) error {
	return n.send(&n.shipping, order)
}

func (n *fakeNotifier) SendDeliveryNotice(ctx context.Context, order *models.Order) error {
	return n.send(&n.delivery, order)
}

type fakeEvents struct {
	mu     sync.Mutex
	events []*models.OrderStatusChangedEvent
	err    error
}

func (f *fakeEvents) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return f.err
}

var fastRetry = RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func seedOrder(s *memStore, id int64, status models.OrderStatus) {
	s.orders[id] = &models.Order{
		ID:            id,
		CustomerEmail: "asha@example.com",
		Status:        status,
		Total:         55000,
		Items: []models.OrderItem{
			{ID: 1, OrderID: id, ProductID: 42, Quantity: 3, PriceAtPurchase: 15000},
		},
	}
}

func TestAllowedTransitions(t *testing.T) {
	tests := []struct {
		from models.OrderStatus
		want []models.OrderStatus
	}{
		{models.OrderStatusPending, []models.OrderStatus{models.OrderStatusProcessing, models.OrderStatusCancelled}},
		{models.OrderStatusProcessing, []models.OrderStatus{models.OrderStatusShipped, models.OrderStatusCancelled}},
		{models.OrderStatusShipped, []models.OrderStatus{models.OrderStatusDelivered}},
		{models.OrderStatusDelivered, nil},
		{models.OrderStatusCancelled, nil},
	}

	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			assert.Equal(t, tt.want, AllowedTransitions(tt.from))
		})
	}
}

func TestTransitionTableCoversEveryStatus(t *testing.T) {
	for _, s := range models.AllOrderStatuses {
		_, ok := transitions(s)
		assert.True(t, ok, "status %s has no entry in the transition table", s)
	}

	_, ok := transitions(models.OrderStatus("REFUNDED"))
	assert.False(t, ok)
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, IsTerminal(models.OrderStatusDelivered))
	assert.True(t, IsTerminal(models.OrderStatusCancelled))
	assert.False(t, IsTerminal(models.OrderStatusPending))
	assert.False(t, IsTerminal(models.OrderStatusShipped))
	assert.False(t, IsTerminal(models.OrderStatus("REFUNDED")))
}

func TestTransitionErrorMessage(t *testing.T) {
	err := Check(7, models.OrderStatusShipped, models.OrderStatusPending)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, "illegal order status transition from SHIPPED to PENDING", err.Error())

	assert.NoError(t, Check(7, models.OrderStatusShipped, models.OrderStatusDelivered))
}

func TestUpdateOrderStatus_IllegalTransitionsHaveNoSideEffects(t *testing.T) {
	for _, from := range models.AllOrderStatuses {
		for _, to := range models.AllOrderStatuses {
			if CanTransition(from, to) {
				continue
			}
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				store := newMemStore()
				store.stock[42] = 7
				seedOrder(store, 1, from)
				notifier := &fakeNotifier{}
				events := &fakeEvents{}
				m := NewMachine(store, notifier, WithEventPublisher(events), WithRetryPolicy(fastRetry))

				order, err := m.UpdateOrderStatus(context.Background(), 1, to)
				m.Wait()

				require.Error(t, err)
				assert.Nil(t, order)
				assert.ErrorIs(t, err, ErrIllegalTransition)

				var terr *TransitionError
				require.True(t, errors.As(err, &terr))
				assert.Equal(t, from, terr.From)
				assert.Equal(t, to, terr.To)

				assert.Equal(t, from, store.status(1))
				assert.Equal(t, 7, store.stock[42])
				assert.Zero(t, store.commits)
				assert.Zero(t, notifier.calls)
				assert.Empty(t, events.events)
			})
		}
	}
}

func TestUpdateOrderStatus_ShippedToPendingRejected(t *testing.T) {
	store := newMemStore()
	seedOrder(store, 5, models.OrderStatusShipped)
	m := NewMachine(store, &fakeNotifier{})

	_, err := m.UpdateOrderStatus(context.Background(), 5, models.OrderStatusPending)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHIPPED")
	assert.Contains(t, err.Error(), "PENDING")
	assert.Equal(t, models.OrderStatusShipped, store.status(5))
}

func TestUpdateOrderStatus_CancelRestoresStockOnce(t *testing.T) {
	store := newMemStore()
	store.stock[42] = 7
	seedOrder(store, 1, models.OrderStatusPending)
	notifier := &fakeNotifier{}
	m := NewMachine(store, notifier)

	order, err := m.UpdateOrderStatus(context.Background(), 1, models.OrderStatusCancelled)
	m.Wait()

	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)
	assert.Equal(t, models.OrderStatusCancelled, store.status(1))
	assert.Equal(t, 10, store.stock[42])
	assert.Equal(t, 1, store.restores)
	assert.Equal(t, 1, store.commits)
	assert.Zero(t, notifier.calls)

	_, err = m.UpdateOrderStatus(context.Background(), 1, models.OrderStatusCancelled)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, 10, store.stock[42])
}

func TestUpdateOrderStatus_CancelFromProcessing(t *testing.T) {
	store := newMemStore()
	store.stock[42] = 0
	seedOrder(store, 1, models.OrderStatusProcessing)
	m := NewMachine(store, nil)

	_, err := m.UpdateOrderStatus(context.Background(), 1, models.OrderStatusCancelled)

	require.NoError(t, err)
	assert.Equal(t, 3, store.stock[42])
}

func TestUpdateOrderStatus_FailedRestoreRollsBack(t *testing.T) {
	store := newMemStore()
	store.stock[42] = 7
	store.failOn = "restore"
	seedOrder(store, 1, models.OrderStatusPending)
	m := NewMachine(store, &fakeNotifier{})

	_, err := m.UpdateOrderStatus(context.Background(), 1, models.OrderStatusCancelled)

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, models.OrderStatusPending, store.status(1))
	assert.Equal(t, 7, store.stock[42])
}

func TestUpdateOrderStatus_CommitFailureSkipsNotification(t *testing.T) {
	store := newMemStore()
	store.failOn = "commit"
	seedOrder(store, 1, models.OrderStatusProcessing)
	notifier := &fakeNotifier{}
	events := &fakeEvents{}
	m := NewMachine(store, notifier, WithEventPublisher(events))

	_, err := m.UpdateOrderStatus(context.Background(), 1, models.OrderStatusShipped)
	m.Wait()

	require.Error(t, err)
	assert.Equal(t, models.OrderStatusProcessing, store.status(1))
	assert.Zero(t, notifier.calls)
	assert.Empty(t, events.events)
}

func TestUpdateOrderStatus_ShippedSendsNotice(t *testing.T) {
	store := newMemStore()
	seedOrder(store, 3, models.OrderStatusProcessing)
	notifier := &fakeNotifier{}
	events := &fakeEvents{}
	m := NewMachine(store, notifier, WithEventPublisher(events), WithRetryPolicy(fastRetry))

	order, err := m.UpdateOrderStatus(context.Background(), 3, models.OrderStatusShipped)
	m.Wait()

	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusShipped, order.Status)
	assert.Equal(t, []int64{3}, notifier.shipping)
	assert.Empty(t, notifier.delivery)

	require.Len(t, events.events, 1)
	assert.Equal(t, models.OrderStatusProcessing, events.events[0].FromStatus)
	assert.Equal(t, models.OrderStatusShipped, events.events[0].ToStatus)
	assert.Equal(t, models.EventTypeOrderStatusChanged, events.events[0].EventType)
}

func TestUpdateOrderStatus_DeliveredSendsNotice(t *testing.T) {
	store := newMemStore()
	seedOrder(store, 3, models.OrderStatusShipped)
	notifier := &fakeNotifier{}
	m := NewMachine(store, notifier, WithRetryPolicy(fastRetry))

	_, err := m.UpdateOrderStatus(context.Background(), 3, models.OrderStatusDelivered)
	m.Wait()

	require.NoError(t, err)
	assert.Equal(t, []int64{3}, notifier.delivery)
	assert.True(t, IsTerminal(store.status(3)))
}

func TestUpdateOrderStatus_NotificationFailureDoesNotFailCall(t *testing.T) {
	store := newMemStore()
	seedOrder(store, 3, models.OrderStatusProcessing)
	notifier := &fakeNotifier{failTimes: 100}
	m := NewMachine(store, notifier, WithRetryPolicy(fastRetry))

	order, err := m.UpdateOrderStatus(context.Background(), 3, models.OrderStatusShipped)
	m.Wait()

	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusShipped, order.Status)
	assert.Equal(t, models.OrderStatusShipped, store.status(3))
	assert.Equal(t, fastRetry.MaxAttempts, notifier.calls)
	assert.Empty(t, notifier.shipping)
}

func TestUpdateOrderStatus_NotificationRetriesThenSucceeds(t *testing.T) {
	store := newMemStore()
	seedOrder(store, 3, models.OrderStatusProcessing)
	notifier := &fakeNotifier{failTimes: 2}
	m := NewMachine(store, notifier, WithRetryPolicy(fastRetry))

	_, err := m.UpdateOrderStatus(context.Background(), 3, models.OrderStatusShipped)
	m.Wait()

	require.NoError(t, err)
	assert.Equal(t, 3, notifier.calls)
	assert.Equal(t, []int64{3}, notifier.shipping)
}

func TestUpdateOrderStatus_NotificationSurvivesCallerCancel(t *testing.T) {
	store := newMemStore()
	seedOrder(store, 3, models.OrderStatusShipped)
	notifier := &fakeNotifier{}
	m := NewMachine(store, notifier, WithRetryPolicy(fastRetry))

	ctx, cancel := context.WithCancel(context.Background())
	_, err := m.UpdateOrderStatus(ctx, 3, models.OrderStatusDelivered)
	cancel()
	m.Wait()

	require.NoError(t, err)
	assert.Equal(t, []int64{3}, notifier.delivery)
}

func TestUpdateOrderStatus_EventPublishFailureIgnored(t *testing.T) {
	store := newMemStore()
	seedOrder(store, 3, models.OrderStatusPending)
	events := &fakeEvents{err: errors.New("broker down")}
	m := NewMachine(store, nil, WithEventPublisher(events))

	order, err := m.UpdateOrderStatus(context.Background(), 3, models.OrderStatusProcessing)

	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusProcessing, order.Status)
	assert.Len(t, events.events, 1)
}

func TestUpdateOrderStatus_UnknownOrder(t *testing.T) {
	m := NewMachine(newMemStore(), nil)

	_, err := m.UpdateOrderStatus(context.Background(), 99, models.OrderStatusShipped)

	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestUpdateOrderStatus_UnknownTargetStatus(t *testing.T) {
	store := newMemStore()
	seedOrder(store, 1, models.OrderStatusPending)
	m := NewMachine(store, nil)

	_, err := m.UpdateOrderStatus(context.Background(), 1, models.OrderStatus("REFUNDED"))

	assert.ErrorIs(t, err, ErrUnknownStatus)
	assert.Zero(t, store.commits)
}

func TestConfirmPayment_RecordsRefWithTransition(t *testing.T) {
	store := newMemStore()
	seedOrder(store, 4, models.OrderStatusPending)
	events := &fakeEvents{}
	m := NewMachine(store, nil, WithEventPublisher(events))

	order, replayed, err := m.ConfirmPayment(context.Background(), 4, "pay_1")

	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, models.OrderStatusProcessing, order.Status)
	require.NotNil(t, order.PaymentRef)
	assert.Equal(t, "pay_1", *order.PaymentRef)
	assert.Equal(t, models.OrderStatusProcessing, store.status(4))
	require.NotNil(t, store.paymentRef(4))
	assert.Equal(t, "pay_1", *store.paymentRef(4))
	assert.Len(t, events.events, 1)
}

func TestConfirmPayment_SameRefReplays(t *testing.T) {
	store := newMemStore()
	seedOrder(store, 4, models.OrderStatusPending)
	events := &fakeEvents{}
	m := NewMachine(store, nil, WithEventPublisher(events))

	_, _, err := m.ConfirmPayment(context.Background(), 4, "pay_1")
	require.NoError(t, err)

	order, replayed, err := m.ConfirmPayment(context.Background(), 4, "pay_1")

	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, models.OrderStatusProcessing, order.Status)
	assert.Equal(t, 1, store.commits)
	assert.Len(t, events.events, 1)
}

func TestConfirmPayment_ConcurrentSameRef(t *testing.T) {
	store := newMemStore()
	seedOrder(store, 4, models.OrderStatusPending)
	m := NewMachine(store, nil)

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		fresh    int
		replays  int
		failures int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, replayed, err := m.ConfirmPayment(context.Background(), 4, "pay_1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				failures++
			case replayed:
				replays++
			default:
				fresh++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fresh)
	assert.Equal(t, callers-1, replays)
	assert.Zero(t, failures)
}

func TestConfirmPayment_CancelledOrderKeepsNoRef(t *testing.T) {
	store := newMemStore()
	seedOrder(store, 4, models.OrderStatusCancelled)
	m := NewMachine(store, nil)

	_, _, err := m.ConfirmPayment(context.Background(), 4, "pay_1")

	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Nil(t, store.paymentRef(4))
	assert.Zero(t, store.commits)
}

func TestConfirmPayment_DifferentRefRejected(t *testing.T) {
	store := newMemStore()
	seedOrder(store, 4, models.OrderStatusPending)
	m := NewMachine(store, nil)

	_, _, err := m.ConfirmPayment(context.Background(), 4, "pay_1")
	require.NoError(t, err)

	_, _, err = m.ConfirmPayment(context.Background(), 4, "pay_2")

	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, "pay_1", *store.paymentRef(4))
}

func TestConfirmPayment_FailedRefWriteRollsBack(t *testing.T) {
	store := newMemStore()
	store.failOn = "ref"
	seedOrder(store, 4, models.OrderStatusPending)
	m := NewMachine(store, nil)

	_, _, err := m.ConfirmPayment(context.Background(), 4, "pay_1")

	require.Error(t, err)
	assert.Equal(t, models.OrderStatusPending, store.status(4))
	assert.Nil(t, store.paymentRef(4))
}
