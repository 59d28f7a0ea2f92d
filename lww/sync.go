package lww

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/jrhy/forest"
)

var syncMessages = forest.NewCounterVec("sync_messages_total", "lww", "Number of sync messages generated and received", []string{"direction"})

// GenerateSyncMessage returns the next message to send to the peer whose
// state is given, and the updated state. A nil message means there is
// nothing to tell the peer: this side of the exchange has converged.
func (t *Tree) GenerateSyncMessage(state forest.SyncState) (forest.SyncState, *forest.SyncMessage) {
	if state.RemoteRoot == t.root && len(state.RemoteWant) == 0 && !state.NeedsAck {
		return state, nil
	}
	msg := &forest.SyncMessage{
		Root:  t.root,
		Nodes: t.forest.GetNodes(state.RemoteWant),
	}
	if state.RemoteRoot != "" {
		msg.Want = t.forest.MissingNodes(state.RemoteRoot)
	}
	syncMessages.WithLabelValues("generated").Inc()
	t.log.Debug("generated sync message",
		zap.String("root", t.root.Short()),
		zap.Int("want", len(msg.Want)),
		zap.Int("nodes", len(msg.Nodes)),
	)
	state = state.Clone()
	state.MyRoot = t.root
	state.RemoteWant = nil
	state.NeedsAck = false
	return state, msg
}

// ReceiveSyncMessage applies a message from the peer whose state is given,
// returning the updated state. If the message's root is complete locally
// it's merged in. Otherwise, the peer's previously advertised root is
// merged if it has become complete, so progress is made while the rest
// of the new root is fetched.
//
// On error the state is returned unchanged; nodes inserted before the
// error are kept. A nil message, as returned by GenerateSyncMessage once
// the peer has converged, changes nothing.
func (t *Tree) ReceiveSyncMessage(state forest.SyncState, msg *forest.SyncMessage) (forest.SyncState, error) {
	if msg == nil {
		return state, nil
	}
	syncMessages.WithLabelValues("received").Inc()
	if _, err := t.forest.InsertNodes(msg.Nodes); err != nil {
		return state, fmt.Errorf("receive: %w", err)
	}
	switch {
	case msg.Root != "" && t.forest.IsComplete(msg.Root):
		if err := t.mergeRemote(msg.Root); err != nil {
			return state, err
		}
	case state.RemoteRoot != "" && state.RemoteRoot != msg.Root && t.forest.IsComplete(state.RemoteRoot):
		if err := t.mergeRemote(state.RemoteRoot); err != nil {
			return state, err
		}
	}
	state = state.Clone()
	state.RemoteRoot = msg.Root
	state.RemoteWant = append([]forest.DigestHex(nil), msg.Want...)
	state.NeedsAck = len(msg.Nodes) > 0
	return state, nil
}

func (t *Tree) mergeRemote(remote forest.DigestHex) error {
	root, err := t.forest.Merge(t.root, remote, Resolve)
	if err != nil {
		return fmt.Errorf("merge %s: %w", remote.Short(), err)
	}
	if root != t.root {
		t.log.Debug("merged remote root",
			zap.String("remote", remote.Short()),
			zap.String("root", root.Short()),
		)
	}
	t.root = root
	return nil
}
