package audit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecorderKeepsNewest(t *testing.T) {
	r := NewRecorder(3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r.Notify(ctx, Notification{Action: ActionRecordIngested, Actor: fmt.Sprintf("a%d", i)})
	}
	r.Notify(ctx, Notification{Action: ActionCacheCleared, Actor: "admin"})

	recent := r.Recent(0)
	assert.Len(t, recent, 3)
	assert.Equal(t, "admin", recent[0].Actor)
	assert.Equal(t, "a4", recent[1].Actor)
	assert.Equal(t, int64(5), r.Count(ActionRecordIngested))
	assert.Equal(t, int64(1), r.Count(ActionCacheCleared))
	assert.Len(t, r.Recent(1), 1)
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := NewLogNotifier(zap.New(core))

	err := n.Notify(context.Background(), Notification{
		Action:    ActionAlertFired,
		Actor:     "evaluator",
		Timestamp: time.Now(),
		Details:   map[string]interface{}{"rule": "daily-tokens"},
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage(ActionAlertFired).Len())
	assert.Equal(t, "daily-tokens", logs.All()[0].ContextMap()["rule"])
}

func TestMultiDeliversToAll(t *testing.T) {
	a, b := NewRecorder(10), NewRecorder(10)
	failing := NotifierFunc(func(context.Context, Notification) error { return errors.New("sink down") })

	err := Multi{a, failing, b}.Notify(context.Background(), Notification{Action: ActionHistoricalReset})

	assert.Error(t, err)
	assert.Equal(t, int64(1), a.Count(ActionHistoricalReset))
	assert.Equal(t, int64(1), b.Count(ActionHistoricalReset))
	assert.NoError(t, Nop.Notify(context.Background(), Notification{}))
}
