package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsEvents(t *testing.T) {
	t.Parallel()

	pub := New()
	id, err := pub.Publish(context.Background(), "snapshot.created", map[string]string{"id": "s1"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)

	events := pub.Events()
	require.Len(t, events, 1)
	require.Equal(t, "snapshot.created", events[0].Topic)

	events[0].Topic = "modified"
	require.Equal(t, "snapshot.created", pub.Events()[0].Topic)
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("broker down")
	pub.FailWith(boom)

	_, err := pub.Publish(context.Background(), "t", "x")
	require.ErrorIs(t, err, boom)
	require.Empty(t, pub.Events())

	pub.FailWith(nil)
	_, err = pub.Publish(context.Background(), "t", "x")
	require.NoError(t, err)
}
