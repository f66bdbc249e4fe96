package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/editalwatch/discovery/internal/crawler"
)

func TestPublisherRecordsEncodedPayloads(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx := context.Background()
	id, err := pub.Publish(ctx, "contests", crawler.Handoff{SourceID: "tjsp", ExternalID: "a1", Title: "Edital 1"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)
	id, err = pub.Publish(ctx, "other", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, "memory-2", id)

	handoffs, err := Decode[crawler.Handoff](pub, "contests")
	require.NoError(t, err)
	require.Len(t, handoffs, 1)
	require.Equal(t, "Edital 1", handoffs[0].Title)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	msgs[0].Topic = "modified"
	require.Equal(t, "contests", pub.Messages()[0].Topic)
}

func TestPublisherFailure(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("boom")
	pub.FailWith(boom)
	_, err := pub.Publish(context.Background(), "contests", "x")
	require.ErrorIs(t, err, boom)
	require.Empty(t, pub.Messages())

	pub.FailWith(nil)
	_, err = pub.Publish(context.Background(), "contests", "x")
	require.NoError(t, err)
}

func TestPublisherRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	_, err := New().Publish(context.Background(), "contests", make(chan int))
	require.Error(t, err)
}
