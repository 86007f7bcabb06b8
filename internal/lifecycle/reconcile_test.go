package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/solestore/internal/domain"
)

func TestReconciler_RunOnce(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.addOrder("o-1", domain.PaymentMethodCOD, domain.PaymentStatusPending, delivered, delivered)
	store.addOrder("o-2", domain.PaymentMethodCOD, domain.PaymentStatusPending, shipped)
	svc := newTestService(store, nil)
	r := NewReconciler(svc, testLogger(), WithBatchSize(10))

	repaired, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, repaired)
	assert.Equal(t, domain.OrderStatusDelivered, store.order("o-1").Status)
	assert.Equal(t, domain.OrderStatusShipped, store.order("o-2").Status)

	repaired, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, repaired, "synced orders are not revisited")
}

func TestReconciler_FailingOrderIsRetriedNextPass(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.addOrder("o-1", domain.PaymentMethodCOD, domain.PaymentStatusPending, shipped)
	svc := newTestService(store, nil)
	r := NewReconciler(svc, testLogger())

	store.failNext("ListItems", -1)
	repaired, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, repaired)

	store.failNext("ListItems", 0)
	repaired, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)
}

func TestReconciler_FailingOrderDoesNotStarveOthers(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.addOrder("o-1", domain.PaymentMethodCOD, domain.PaymentStatusPending, shipped)
	store.addOrder("o-2", domain.PaymentMethodCOD, domain.PaymentStatusPending, shipped)
	store.breakOrder("o-1")
	r := NewReconciler(newTestService(store, nil), testLogger(), WithBatchSize(1))

	repaired, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, repaired)
	assert.NotNil(t, store.order("o-1").ReconcileAttemptedAt)

	repaired, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)
	assert.Equal(t, domain.OrderStatusShipped, store.order("o-2").Status)
	assert.Equal(t, domain.OrderStatusPending, store.order("o-1").Status)
}

func TestReconciler_ListFailure(t *testing.T) {
	store := newMemStore()
	store.failNext("ListStaleOrders", 1)
	r := NewReconciler(newTestService(store, nil), testLogger())

	_, err := r.RunOnce(context.Background())
	assert.True(t, IsRetryable(err))
}

func TestReconciler_RunStopsWithContext(t *testing.T) {
	store := newMemStore()
	store.addOrder("o-1", domain.PaymentMethodCOD, domain.PaymentStatusPending, shipped)
	r := NewReconciler(newTestService(store, nil), testLogger(), WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return store.order("o-1").Status == domain.OrderStatusShipped
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
