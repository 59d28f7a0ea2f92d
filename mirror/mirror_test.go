package mirror_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jrhy/forest"
	"github.com/jrhy/forest/mirror"
)

func newPeer(t testing.TB, actor string, pairs ...string) *mirror.Map {
	m := mirror.New(forest.NewForest(), actor, mirror.WithLogger(zaptest.NewLogger(t)))
	for i := 0; i < len(pairs); i += 2 {
		require.NoError(t, m.Set(pairs[i], []byte(pairs[i+1])))
	}
	return m
}

// syncPeers exchanges messages between a and b, through the codec, until
// neither has anything to say.
func syncPeers(t testing.TB, a *mirror.Map, aName string, b *mirror.Map, bName string) int {
	for rounds := 0; ; rounds++ {
		require.Less(t, rounds, 100, "sync didn't converge")
		msgA := a.GenerateSyncMessage(bName)
		if msgA != nil {
			decoded, err := forest.UnmarshalSyncMessage(forest.MarshalSyncMessage(msgA))
			require.NoError(t, err)
			require.NoError(t, b.ReceiveSyncMessage(aName, decoded))
		}
		msgB := b.GenerateSyncMessage(aName)
		if msgB != nil {
			decoded, err := forest.UnmarshalSyncMessage(forest.MarshalSyncMessage(msgB))
			require.NoError(t, err)
			require.NoError(t, a.ReceiveSyncMessage(bName, decoded))
		}
		if msgA == nil && msgB == nil {
			return rounds
		}
	}
}

func TestGetDifferent(t *testing.T) {
	t.Parallel()
	peer1 := newPeer(t, "peer1", "a", "1", "b", "2", "c", "3")
	peer2 := newPeer(t, "peer2", "a", "1", "b", "3", "d", "4")
	syncPeers(t, peer1, "peer1", peer2, "peer2")

	assert.Equal(t, peer2.Root(), peer1.ActorRoot("peer2"))
	assert.Equal(t, peer1.Root(), peer2.ActorRoot("peer1"))

	diffs, err := peer1.GetDifferent()
	require.NoError(t, err)
	assert.Equal(t, []mirror.Difference{
		{Key: "b", Values: map[string][]byte{"peer1": []byte("2"), "peer2": []byte("3")}},
		{Key: "c", Values: map[string][]byte{"peer1": []byte("3")}},
		{Key: "d", Values: map[string][]byte{"peer2": []byte("4")}},
	}, diffs)

	// Neither side's local tree changed.
	v, ok, err := peer1.Get("b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", string(v))
	_, ok, err = peer1.Get("d")
	require.NoError(t, err)
	assert.False(t, ok)

	v, ok, err = peer1.GetForActor("peer2", "d")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "4", string(v))
}

func TestGetDifferentThreeActors(t *testing.T) {
	t.Parallel()
	local := newPeer(t, "local", "a", "1", "b", "1")
	same := newPeer(t, "same", "a", "1", "b", "1")
	other := newPeer(t, "other", "a", "1", "b", "1", "z", "9")
	syncPeers(t, local, "local", same, "same")
	syncPeers(t, local, "local", other, "other")

	assert.Equal(t, []string{"other", "same"}, local.Actors())
	diffs, err := local.GetDifferent()
	require.NoError(t, err)
	assert.Equal(t, []mirror.Difference{
		{Key: "z", Values: map[string][]byte{"other": []byte("9")}},
	}, diffs)
}

func TestNoDifferencesWhenIdentical(t *testing.T) {
	t.Parallel()
	peer1 := newPeer(t, "peer1", "a", "1")
	peer2 := newPeer(t, "peer2", "a", "1")
	rounds := syncPeers(t, peer1, "peer1", peer2, "peer2")
	assert.LessOrEqual(t, rounds, 2)
	diffs, err := peer1.GetDifferent()
	require.NoError(t, err)
	assert.Empty(t, diffs)
}

func TestFollowsUpdates(t *testing.T) {
	t.Parallel()
	peer1 := newPeer(t, "peer1", "a", "1")
	peer2 := newPeer(t, "peer2", "a", "1")
	syncPeers(t, peer1, "peer1", peer2, "peer2")

	require.NoError(t, peer2.Set("a", []byte("2")))
	assert.Nil(t, peer1.GenerateSyncMessage("peer2"))
	syncPeers(t, peer1, "peer1", peer2, "peer2")
	v, ok, err := peer1.GetForActor("peer2", "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", string(v))

	diffs, err := peer1.GetDifferent()
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, "a", diffs[0].Key)
}

func TestLargeTrees(t *testing.T) {
	t.Parallel()
	peer1 := newPeer(t, "peer1")
	peer2 := newPeer(t, "peer2")
	var pairs []forest.Pair
	for i := 0; i < 2000; i++ {
		pairs = append(pairs, forest.Pair{Key: string(rune('a'+i%26)) + string(rune('0'+i/26%10)) + string(rune('0'+i/260)), Value: []byte{byte(i)}})
	}
	require.NoError(t, peer1.SetBatch(pairs))
	pairs[1000].Value = []byte("changed")
	require.NoError(t, peer2.SetBatch(pairs))
	syncPeers(t, peer1, "peer1", peer2, "peer2")

	diffs, err := peer1.GetDifferent()
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, pairs[1000].Key, diffs[0].Key)
	assert.Equal(t, "changed", string(diffs[0].Values["peer2"]))
}

func TestActorState(t *testing.T) {
	t.Parallel()
	peer1 := newPeer(t, "peer1", "a", "1")
	peer2 := newPeer(t, "peer2", "a", "2")

	_, ok := peer1.ActorState("peer2")
	assert.False(t, ok)
	syncPeers(t, peer1, "peer1", peer2, "peer2")
	state, ok := peer1.ActorState("peer2")
	require.True(t, ok)
	assert.Equal(t, peer2.Root(), state.RemoteRoot)
	assert.Equal(t, peer1.Root(), state.MyRoot)

	peer1.ClearActorState("peer2")
	assert.Empty(t, peer1.Actors())
	assert.Equal(t, forest.DigestHex(""), peer1.ActorRoot("peer2"))
	_, _, err := peer1.GetForActor("peer2", "a")
	assert.ErrorIs(t, err, mirror.ErrUnknownActor)

	// Restoring the saved state resumes where the exchange left off.
	peer1.SetActorState("peer2", state)
	assert.Equal(t, peer2.Root(), peer1.ActorRoot("peer2"))
	assert.Nil(t, peer1.GenerateSyncMessage("peer2"))
	v, ok, err := peer1.GetForActor("peer2", "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", string(v))
}

func TestKeyNotAvailable(t *testing.T) {
	t.Parallel()
	peer1 := newPeer(t, "peer1")
	peer2 := newPeer(t, "peer2", "a", "1")

	// A state for an actor whose tree hasn't arrived yet.
	peer1.SetActorState("peer2", forest.SyncState{RemoteRoot: peer2.Root()})
	assert.Equal(t, []string{"peer2"}, peer1.Actors())
	_, _, err := peer1.GetForActor("peer2", "a")
	assert.ErrorIs(t, err, mirror.ErrKeyNotAvailable)

	// Actors without a resolved root don't take part.
	diffs, err := peer1.GetDifferent()
	require.NoError(t, err)
	assert.Empty(t, diffs)

	msg := peer1.GenerateSyncMessage("peer2")
	require.NotNil(t, msg)
	assert.Equal(t, []forest.DigestHex{peer2.Root()}, msg.Want)
}

func TestRejectsTamperedNodes(t *testing.T) {
	t.Parallel()
	peer1 := newPeer(t, "peer1")
	peer2 := newPeer(t, "peer2", "a", "1")
	require.NoError(t, peer1.ReceiveSyncMessage("peer2", peer2.GenerateSyncMessage("peer1")))
	msg := peer1.GenerateSyncMessage("peer2")
	require.NoError(t, peer2.ReceiveSyncMessage("peer1", msg))
	reply := peer2.GenerateSyncMessage("peer1")
	require.NotEmpty(t, reply.Nodes)
	reply.Nodes[0].Items[0].Value = []byte("forged")

	err := peer1.ReceiveSyncMessage("peer2", reply)
	assert.ErrorIs(t, err, forest.ErrIntegrity)
	assert.Equal(t, forest.DigestHex(""), peer1.ActorRoot("peer2"))
}

func TestReceiveNilMessage(t *testing.T) {
	t.Parallel()
	peer1 := newPeer(t, "peer1", "a", "1")
	peer2 := newPeer(t, "peer2", "a", "2")
	syncPeers(t, peer1, "peer1", peer2, "peer2")
	before, ok := peer2.ActorState("peer1")
	require.True(t, ok)

	msg := peer1.GenerateSyncMessage("peer2")
	require.Nil(t, msg)
	require.NoError(t, peer2.ReceiveSyncMessage("peer1", msg))
	after, ok := peer2.ActorState("peer1")
	require.True(t, ok)
	assert.Equal(t, before, after)
	assert.Equal(t, peer1.Root(), peer2.ActorRoot("peer1"))

	// An actor heard from only through nil messages isn't created.
	require.NoError(t, peer2.ReceiveSyncMessage("peer3", nil))
	assert.Equal(t, []string{"peer1"}, peer2.Actors())
}
