package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"alertd/internal/entity"
	"alertd/internal/repository"
	"alertd/internal/repository/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLinkingCoordinator_ConsumeOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	code, err := h.links.IssueCode(ctx, "user1")
	require.NoError(t, err)
	require.NoError(t, entity.ValidateCode(code.Code))
	assert.Equal(t, testStart.Add(_defaultCodeTTL), code.ExpiresAt)

	owner, err := h.links.Consume(ctx, code.Code, entity.Telegram, "channelA")
	require.NoError(t, err)
	assert.Equal(t, "user1", owner)

	identity, err := h.links.ResolveChannel(ctx, "user1", entity.Telegram)
	require.NoError(t, err)
	assert.Equal(t, "channelA", identity.ChannelUserID)

	_, err = h.links.Consume(ctx, code.Code, entity.Telegram, "channelB")
	require.ErrorIs(t, err, entity.ErrCodeAlreadyConsumed)
}

func TestLinkingCoordinator_ExpiredCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	code, err := h.links.IssueCode(ctx, "user1")
	require.NoError(t, err)

	h.clock.Advance(_defaultCodeTTL)
	_, err = h.links.Consume(ctx, code.Code, entity.Telegram, "channelA")
	require.ErrorIs(t, err, entity.ErrCodeExpired)

	_, err = h.links.ResolveChannel(ctx, "user1", entity.Telegram)
	require.ErrorIs(t, err, entity.ErrChannelNotLinked)
}

func TestLinkingCoordinator_ReissueInvalidatesPrevious(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	codes := []string{"111111", "222222"}
	h.links.newCode = func() (string, error) {
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}

	first, err := h.links.IssueCode(ctx, "user1")
	require.NoError(t, err)
	second, err := h.links.IssueCode(ctx, "user1")
	require.NoError(t, err)

	_, err = h.links.Consume(ctx, first.Code, entity.Telegram, "channelA")
	require.ErrorIs(t, err, entity.ErrCodeNotFound)

	owner, err := h.links.Consume(ctx, second.Code, entity.Telegram, "channelA")
	require.NoError(t, err)
	assert.Equal(t, "user1", owner)
}

func TestLinkingCoordinator_RegeneratesOnCollision(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	codes := []string{"111111", "111111", "333333"}
	h.links.newCode = func() (string, error) {
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}

	_, err := h.links.IssueCode(ctx, "user1")
	require.NoError(t, err)
	second, err := h.links.IssueCode(ctx, "user2")
	require.NoError(t, err)
	assert.Equal(t, "333333", second.Code)
}

func TestLinkingCoordinator_RejectsInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.links.IssueCode(ctx, " ")
	require.ErrorIs(t, err, entity.ErrInvalidData)

	_, err = h.links.Consume(ctx, "12ab56", entity.Telegram, "channelA")
	require.ErrorIs(t, err, entity.ErrInvalidData)

	_, err = h.links.Consume(ctx, "123456", entity.Telegram, "")
	require.ErrorIs(t, err, entity.ErrInvalidData)

	_, err = h.links.Consume(ctx, "123456", entity.Telegram, "channelA")
	require.ErrorIs(t, err, entity.ErrCodeNotFound)
}

func TestLinkingCoordinator_AlreadyLinkedToAnotherOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.link(t, "user1", "channelA")

	code, err := h.links.IssueCode(ctx, "user2")
	require.NoError(t, err)
	_, err = h.links.Consume(ctx, code.Code, entity.Telegram, "channelA")
	require.ErrorIs(t, err, entity.ErrChannelAlreadyLinked)

	require.NoError(t, h.links.Unlink(ctx, entity.Telegram, "channelA"))
	err = h.links.Unlink(ctx, entity.Telegram, "channelA")
	require.ErrorIs(t, err, entity.ErrChannelNotLinked)

	owner, err := h.links.Consume(ctx, code.Code, entity.Telegram, "channelA")
	require.NoError(t, err)
	assert.Equal(t, "user2", owner)

	owner, err = h.links.OwnerOf(ctx, entity.Telegram, "channelA")
	require.NoError(t, err)
	assert.Equal(t, "user2", owner)
}

func TestLinkingCoordinator_ConcurrentConsumeHasOneWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	code, err := h.links.IssueCode(ctx, "user1")
	require.NoError(t, err)

	const workers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		consumed int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.links.Consume(ctx, code.Code, entity.Telegram, "channel-"+string(rune('A'+i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case assert.ErrorIs(t, err, entity.ErrCodeAlreadyConsumed):
				consumed++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, workers-1, consumed)
}

func TestLinkingCoordinator_CacheInvalidatedOnRelink(t *testing.T) {
	ctx := context.Background()
	local := repository.NewLocalChannelCache(time.Minute, 0)
	links := NewLinkingCoordinator(memory.NewLinkRepository(), zaptest.NewLogger(t), WithChannelCache(local))

	code, err := links.IssueCode(ctx, "user1")
	require.NoError(t, err)
	_, err = links.Consume(ctx, code.Code, entity.Telegram, "channelA")
	require.NoError(t, err)

	identity, err := links.ResolveChannel(ctx, "user1", entity.Telegram)
	require.NoError(t, err)
	assert.Equal(t, "channelA", identity.ChannelUserID)
	cached, err := local.Get(ctx, "user1", entity.Telegram)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "channelA", cached.ChannelUserID)

	require.NoError(t, links.Unlink(ctx, entity.Telegram, "channelA"))
	cached, err = local.Get(ctx, "user1", entity.Telegram)
	require.NoError(t, err)
	assert.Nil(t, cached)

	_, err = links.ResolveChannel(ctx, "user1", entity.Telegram)
	require.ErrorIs(t, err, entity.ErrChannelNotLinked)
}

func TestLinkingCoordinator_PurgeExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.links.IssueCode(ctx, "user1")
	require.NoError(t, err)

	n, err := h.links.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(_defaultCodeTTL + time.Second)
	n, err = h.links.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
