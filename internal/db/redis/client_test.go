package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/rueidis/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/kailas-cloud/flowgate/internal/db"
)

func TestNewStore_RequiresAddrs(t *testing.T) {
	if _, err := NewStore(Config{}); err == nil {
		t.Fatal("expected error for empty addrs")
	}
}

func TestConfigOptions(t *testing.T) {
	opt, err := Config{Addrs: []string{"a:6379"}, ClientName: "gw", DialTimeout: time.Second}.options()
	require.NoError(t, err)
	assert.True(t, opt.DisableCache)
	assert.Equal(t, "gw", opt.ClientName)
	assert.Equal(t, time.Second, opt.Dialer.Timeout)
	assert.Empty(t, opt.Sentinel.MasterSet)

	opt, err = Config{Addrs: []string{"s1:26379", "s2:26379"}, MasterSet: "topology", Password: "pw"}.options()
	require.NoError(t, err)
	assert.Equal(t, "topology", opt.Sentinel.MasterSet)
	assert.Equal(t, "pw", opt.Sentinel.Password)
	assert.Equal(t, []string{"s1:26379", "s2:26379"}, opt.InitAddress)
}

func TestPing(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	gomock.InOrder(
		c.EXPECT().Do(gomock.Any(), mock.Match("PING")).Return(mock.Result(mock.RedisString("PONG"))),
		c.EXPECT().Do(gomock.Any(), mock.Match("PING")).Return(mock.ErrorResult(context.DeadlineExceeded)),
	)

	s := NewStoreForTest(c)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestWaitForReady_Timeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	refused := errors.New("connection refused")
	c.EXPECT().
		Do(gomock.Any(), mock.Match("PING")).
		Return(mock.ErrorResult(refused)).
		MinTimes(2)

	s := NewStoreForTest(c)
	err := s.WaitForReady(context.Background(), 250*time.Millisecond)
	if !errors.Is(err, refused) {
		t.Fatalf("expected last ping error, got %v", err)
	}
}

func TestWaitForReady_RecoversAfterFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	gomock.InOrder(
		c.EXPECT().Do(gomock.Any(), mock.Match("PING")).
			Return(mock.ErrorResult(errors.New("loading"))).Times(2),
		c.EXPECT().Do(gomock.Any(), mock.Match("PING")).
			Return(mock.Result(mock.RedisString("PONG"))),
	)

	s := NewStoreForTest(c)
	if err := s.WaitForReady(context.Background(), 10*readyPollInterval); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// --- helpers ---

func isDBError(err error) bool {
	var dbErr *db.Error
	return errors.As(err, &dbErr)
}
