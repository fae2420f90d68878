package session

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nilemarkets/sahm/internal/common"
	"github.com/nilemarkets/sahm/internal/interfaces"
)

// recordingClient captures establishment requests without any network.
type recordingClient struct {
	calls atomic.Int64
	last  atomic.Pointer[interfaces.FetchRequest]
	fail  atomic.Bool
}

func (c *recordingClient) Do(ctx context.Context, session interfaces.SessionHandle, req *interfaces.FetchRequest) (*interfaces.FetchResponse, error) {
	c.calls.Add(1)
	c.last.Store(req)
	if c.fail.Load() {
		return nil, errors.New("upstream unreachable")
	}
	return &interfaces.FetchResponse{Status: http.StatusOK, Body: []byte("ok")}, nil
}

func newTestBroker() (*Broker, *recordingClient) {
	client := &recordingClient{}
	cfg := common.NewDefaultConfig()
	cfg.Sources.Mubasher.Username = "analyst"
	cfg.Sources.Mubasher.Password = "secret"
	return NewBroker(cfg, client, common.NewSilentLogger()), client
}

func TestAcquireEstablishesOnce(t *testing.T) {
	broker, client := newTestBroker()
	ctx := context.Background()

	h1, err := broker.Acquire(ctx, "argaam")
	require.NoError(t, err)
	assert.Equal(t, "argaam", h1.Source())
	assert.NotNil(t, h1.Jar())
	assert.Equal(t, interfaces.SessionFresh, broker.Health("argaam"))
	h1.Release()

	h2, err := broker.Acquire(ctx, "argaam")
	require.NoError(t, err)
	h2.Release()

	// One warm-up request; the second Acquire reuses the session.
	assert.Equal(t, int64(1), client.calls.Load())
}

func TestAcquireCredentialedLogin(t *testing.T) {
	broker, client := newTestBroker()

	h, err := broker.Acquire(context.Background(), "mubasher")
	require.NoError(t, err)
	defer h.Release()

	req := client.last.Load()
	require.NotNil(t, req)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Contains(t, req.URL, "/account/login")
	assert.Equal(t, "analyst", req.Form.Get("username"))
}

func TestAcquireWithoutCredentialsDegraded(t *testing.T) {
	client := &recordingClient{}
	broker := NewBroker(common.NewDefaultConfig(), client, common.NewSilentLogger())

	h, err := broker.Acquire(context.Background(), "fund_data")
	require.NoError(t, err)
	defer h.Release()

	assert.Equal(t, interfaces.SessionDegraded, broker.Health("fund_data"))
}

func TestInvalidateForcesReestablish(t *testing.T) {
	broker, client := newTestBroker()
	ctx := context.Background()

	h, err := broker.Acquire(ctx, "egx_web")
	require.NoError(t, err)
	h.Release()

	broker.Invalidate("egx_web", "challenge_detected")
	assert.Equal(t, interfaces.SessionBlocked, broker.Health("egx_web"))

	h, err = broker.Acquire(ctx, "egx_web")
	require.NoError(t, err)
	h.Release()

	assert.Equal(t, int64(2), client.calls.Load())
	assert.Equal(t, interfaces.SessionFresh, broker.Health("egx_web"))
}

func TestRotateSwapsFingerprint(t *testing.T) {
	broker, _ := newTestBroker()
	ctx := context.Background()

	h, err := broker.Acquire(ctx, "argaam")
	require.NoError(t, err)
	first := h.Fingerprint()
	h.Release()

	broker.Rotate("argaam")

	h, err = broker.Acquire(ctx, "argaam")
	require.NoError(t, err)
	assert.NotEqual(t, first, h.Fingerprint())
	h.Release()
}

func TestEstablishFailureBlocksSource(t *testing.T) {
	broker, client := newTestBroker()
	client.fail.Store(true)

	_, err := broker.Acquire(context.Background(), "argaam")
	require.Error(t, err)
	assert.Equal(t, interfaces.SessionBlocked, broker.Health("argaam"))

	// The slot was returned; a later Acquire can succeed.
	client.fail.Store(false)
	h, err := broker.Acquire(context.Background(), "argaam")
	require.NoError(t, err)
	h.Release()
}

func TestConcurrencySlots(t *testing.T) {
	broker, _ := newTestBroker()
	ctx := context.Background()

	// mubasher is credentialed: one slot.
	h, err := broker.Acquire(ctx, "mubasher")
	require.NoError(t, err)

	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = broker.Acquire(blocked, "mubasher")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	h.Release()
	h.Release() // double release is a no-op

	h2, err := broker.Acquire(ctx, "mubasher")
	require.NoError(t, err)
	h2.Release()
}
