package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/commerce-core/internal/events"
	"github.com/noah-isme/commerce-core/internal/obs"
)

func TestTypeForTopicCoversAllTopics(t *testing.T) {
	for _, topic := range events.DefaultTopics() {
		taskType, ok := typeForTopic(topic)
		require.True(t, ok, "topic %s has no task mapping", topic)
		require.NotEmpty(t, taskType)
	}
	_, ok := typeForTopic("unknown.topic")
	require.False(t, ok)
}

func TestEnqueuerWithoutClientIsNoop(t *testing.T) {
	err := Enqueuer{}.Publish(context.Background(), events.LowStockCrossed{StoreID: "s"})
	require.NoError(t, err)
}

func TestHandleReservationExpired(t *testing.T) {
	evt := events.ReservationExpired{
		ReservationID: uuid.New(),
		StoreID:       "store-1",
		VariantID:     uuid.New(),
		Qty:           2,
		ExpiredAt:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	payload, err := json.Marshal(evt)
	require.NoError(t, err)

	h := Handlers{Logger: zerolog.Nop()}
	task := asynq.NewTask(TypeReservationExpired, payload)
	require.NoError(t, h.HandleReservationExpired(context.Background(), task))
}

func TestHandlersRejectMalformedPayload(t *testing.T) {
	h := Handlers{Logger: zerolog.Nop()}
	bad := []byte("{not json")
	ctx := context.Background()

	require.Error(t, h.HandleReservationExpired(ctx, asynq.NewTask(TypeReservationExpired, bad)))
	require.Error(t, h.HandleStockInsufficient(ctx, asynq.NewTask(TypeStockInsufficient, bad)))
	require.Error(t, h.HandleLowStock(ctx, asynq.NewTask(TypeLowStock, bad)))
	require.Error(t, h.HandleDiscountApplied(ctx, asynq.NewTask(TypeDiscountApplied, bad)))
}

func TestHandleDiscountApplied(t *testing.T) {
	obs.MustRegisterDomainMetrics("commerce", prometheus.NewRegistry())
	evt := events.DiscountApplied{StoreID: "store-1", DiscountID: uuid.New(), Code: "SAVE10", Kind: "percent", Amount: 1000}
	payload, err := json.Marshal(evt)
	require.NoError(t, err)

	before := testutil.ToFloat64(obs.DiscountAppliedTotal.WithLabelValues("percent"))
	h := Handlers{Logger: zerolog.Nop()}
	require.NoError(t, h.HandleDiscountApplied(context.Background(), asynq.NewTask(TypeDiscountApplied, payload)))
	require.Equal(t, before+1, testutil.ToFloat64(obs.DiscountAppliedTotal.WithLabelValues("percent")))
}
