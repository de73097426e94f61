package broker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apkfoundry/af/broker"
	"github.com/apkfoundry/af/logger"
)

// TestConnectFailsWithoutBroker exercises the failure path against a
// local port nothing is listening on, confirming Connect wraps the
// failure in ErrConnectFailed instead of paho's raw error and respects
// MaxAttempts rather than retrying forever.
func TestConnectFailsWithoutBroker(t *testing.T) {
	log := logger.NewBuffer()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := broker.Connect(ctx, broker.Options{
		BrokerURL:   "tcp://127.0.0.1:1",
		ClientID:    "af-broker-test",
		MaxAttempts: 1,
	}, log)

	if !errors.Is(err, broker.ErrConnectFailed) {
		t.Fatalf("Connect() error = %v, want wrapping ErrConnectFailed", err)
	}
}
