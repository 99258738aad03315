package socket

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjoon-oh/hartebeest-go/internal/netview"
)

// TestTwoNodeExchange is end-to-end scenario #1's bootstrap half from
// spec.md §8: after a successful socket exchange, every node holds an
// identical post-conf document.
func TestTwoNodeExchange(t *testing.T) {
	aggregatorView := netview.ThisNodeConf{NID: 0, PDs: []netview.PDRecord{{ID: "pd-1"}}}
	peerView := netview.ThisNodeConf{NID: 1, PDs: []netview.PDRecord{{ID: "pd-1"}}}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var aggPost, peerPost netview.PostConf
	var aggErr, peerErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		post, r := RunAggregator(ctx, "127.0.0.1:18733", aggregatorView, 1)
		aggPost = post
		if r != nil {
			aggErr = r
		}
	}()

	// Give the aggregator a moment to bind before the peer dials; RunPeer
	// retries on its own, but this keeps the test fast.
	time.Sleep(50 * time.Millisecond)

	go func() {
		defer wg.Done()
		post, r := RunPeer(ctx, "127.0.0.1:18733", peerView)
		peerPost = post
		if r != nil {
			peerErr = r
		}
	}()

	wg.Wait()

	require.NoError(t, aggErr)
	require.NoError(t, peerErr)
	require.Len(t, aggPost, 2)
	require.Len(t, peerPost, 2)
	assert.Equal(t, aggPost, peerPost, "every node must hold a byte-identical post-conf")

	self, ok := peerPost.ByNID(1)
	require.True(t, ok)
	assert.Equal(t, peerView, self)
}
