package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "zk-passes", map[string]string{"stage": "record"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)

	id2, err := pub.Publish(context.Background(), "zk-runs", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "zk-passes", msgs[0].Topic)
	require.Equal(t, "zk-runs", msgs[1].Topic)

	msgs[0].Topic = "modified"
	require.Equal(t, "zk-passes", pub.Messages()[0].Topic, "Messages returns a copy")
}
