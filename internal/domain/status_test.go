package domain

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	legal := [][2]Status{
		{StatusPending, StatusProcessing},
		{StatusPending, StatusSkipped},
		{StatusProcessing, StatusPosted},
		{StatusProcessing, StatusFailed},
		{StatusProcessing, StatusScheduledRemote},
		{StatusFailed, StatusPending},
	}
	for _, tr := range legal {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	illegal := [][2]Status{
		{StatusPending, StatusPosted},
		{StatusPending, StatusFailed},
		{StatusProcessing, StatusPending},
		{StatusPosted, StatusPending},
		{StatusSkipped, StatusPending},
		{StatusScheduledRemote, StatusProcessing},
		{StatusProcessing, StatusProcessing},
	}
	for _, tr := range illegal {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, StatusPosted.Terminal())
	assert.True(t, StatusSkipped.Terminal())
	assert.True(t, StatusScheduledRemote.Terminal())
	assert.False(t, StatusFailed.Terminal())
	assert.False(t, StatusPending.Terminal())
}

func TestSourcesFor(t *testing.T) {
	assert.Equal(t, []Status{StatusPending}, SourcesFor(StatusProcessing))
	assert.Equal(t, []Status{StatusFailed}, SourcesFor(StatusPending))
	assert.Equal(t, []Status{StatusPending}, SourcesFor(StatusSkipped))
}

func TestParsePlatformAndStatus(t *testing.T) {
	p, err := ParsePlatform(" YouTube ")
	require.NoError(t, err)
	assert.Equal(t, PlatformYouTube, p)

	_, err = ParsePlatform("myspace")
	assert.Error(t, err)

	st, err := ParseStatus("scheduled_remote")
	require.NoError(t, err)
	assert.Equal(t, StatusScheduledRemote, st)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(fmt.Errorf("load: %w", ErrContentNotFound)))
	assert.Equal(t, KindConfiguration, KindOf(fmt.Errorf("%w: tiktok", ErrNoPublisher)))
	assert.Equal(t, KindConfiguration, KindOf(fmt.Errorf("youtube for u1: %w", ErrNoCredential)))
	assert.Equal(t, KindRemoteRejection, KindOf(&RemoteRejection{Reason: "quota exceeded"}))
	assert.Equal(t, KindTransientIO, KindOf(fmt.Errorf("connection reset")))
}
