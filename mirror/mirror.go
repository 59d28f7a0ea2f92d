// Package mirror tracks the trees of several remote actors alongside a
// local one, without merging them, so their differences can be reported.
// It speaks the same sync messages as package lww.
package mirror

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/jrhy/forest"
)

var (
	// ErrUnknownActor is returned for an actor the Map has no state for.
	ErrUnknownActor = errors.New("unknown actor")
	// ErrKeyNotAvailable is returned when the Forest doesn't hold the part
	// of an actor's tree that would contain a key.
	ErrKeyNotAvailable = errors.New("key not available")
)

var syncMessages = forest.NewCounterVec("sync_messages_total", "mirror", "Number of sync messages generated and received", []string{"direction"})

type actorState struct {
	sync forest.SyncState
	// root is the actor's latest root that is complete locally.
	root forest.DigestHex
}

// Map holds a local tree and the latest known tree of each remote actor.
type Map struct {
	forest *forest.Forest
	actor  string
	root   forest.DigestHex
	actors map[string]*actorState
	log    *zap.Logger
}

// Option configures a Map.
type Option func(*Map)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Map) {
		m.log = log
	}
}

// WithRoot starts the local tree from an existing root, which must be
// complete in the Forest.
func WithRoot(root forest.DigestHex) Option {
	return func(m *Map) {
		m.root = root
	}
}

// New returns a Map for the local actor, storing nodes in f.
func New(f *forest.Forest, actor string, opts ...Option) *Map {
	m := &Map{
		forest: f,
		actor:  actor,
		root:   f.EmptyRoot(),
		actors: map[string]*actorState{},
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(zap.String("actor", actor))
	return m
}

// Root returns the local root.
func (m *Map) Root() forest.DigestHex {
	return m.root
}

// Get reads key from the local tree.
func (m *Map) Get(key string) ([]byte, bool, error) {
	return m.get(m.root, key)
}

func (m *Map) get(root forest.DigestHex, key string) ([]byte, bool, error) {
	v, presence := m.forest.Get(root, key)
	switch presence {
	case forest.Present:
		return v, true, nil
	case forest.NotAvailable:
		return nil, false, fmt.Errorf("%w: %q", ErrKeyNotAvailable, key)
	}
	return nil, false, nil
}

// Set writes key in the local tree, replacing any value.
func (m *Map) Set(key string, value []byte) error {
	return m.SetBatch([]forest.Pair{{Key: key, Value: value}})
}

// SetBatch writes several keys in the local tree.
func (m *Map) SetBatch(pairs []forest.Pair) error {
	root, err := m.forest.SetBatch(m.root, pairs)
	if err != nil {
		return fmt.Errorf("set: %w", err)
	}
	m.root = root
	return nil
}

func (m *Map) state(actor string) *actorState {
	st, ok := m.actors[actor]
	if !ok {
		st = &actorState{}
		m.actors[actor] = st
	}
	return st
}

// GenerateSyncMessage returns the next message for the given actor, or nil
// if the actor has seen the local root and nothing is outstanding in
// either direction.
func (m *Map) GenerateSyncMessage(actor string) *forest.SyncMessage {
	st := m.state(actor)
	var want []forest.DigestHex
	if st.sync.RemoteRoot != "" {
		want = m.forest.MissingNodes(st.sync.RemoteRoot)
	}
	if st.sync.MyRoot == m.root && len(st.sync.RemoteWant) == 0 && len(want) == 0 && !st.sync.NeedsAck {
		return nil
	}
	msg := &forest.SyncMessage{
		Root:  m.root,
		Want:  want,
		Nodes: m.forest.GetNodes(st.sync.RemoteWant),
	}
	st.sync.MyRoot = m.root
	st.sync.RemoteWant = nil
	st.sync.NeedsAck = false
	syncMessages.WithLabelValues("generated").Inc()
	m.log.Debug("generated sync message",
		zap.String("to", actor),
		zap.Int("want", len(msg.Want)),
		zap.Int("nodes", len(msg.Nodes)),
	)
	return msg
}

// ReceiveSyncMessage applies a message from the given actor. The actor's
// tracked root advances once all of its nodes are held locally. A nil
// message changes nothing.
func (m *Map) ReceiveSyncMessage(actor string, msg *forest.SyncMessage) error {
	if msg == nil {
		return nil
	}
	syncMessages.WithLabelValues("received").Inc()
	st := m.state(actor)
	if _, err := m.forest.InsertNodes(msg.Nodes); err != nil {
		return fmt.Errorf("receive from %s: %w", actor, err)
	}
	switch {
	case msg.Root != "" && m.forest.IsComplete(msg.Root):
		st.root = msg.Root
	case st.sync.RemoteRoot != "" && st.sync.RemoteRoot != msg.Root && m.forest.IsComplete(st.sync.RemoteRoot):
		st.root = st.sync.RemoteRoot
	}
	st.sync.RemoteRoot = msg.Root
	st.sync.RemoteWant = append([]forest.DigestHex(nil), msg.Want...)
	st.sync.NeedsAck = len(msg.Nodes) > 0
	return nil
}

// ActorState returns the sync state kept for an actor, for saving.
func (m *Map) ActorState(actor string) (forest.SyncState, bool) {
	st, ok := m.actors[actor]
	if !ok {
		return forest.SyncState{}, false
	}
	return st.sync.Clone(), true
}

// SetActorState restores a saved sync state. The actor's tracked root is
// taken from the state's remote root if that is complete locally.
func (m *Map) SetActorState(actor string, state forest.SyncState) {
	st := m.state(actor)
	st.sync = state.Clone()
	if state.RemoteRoot != "" && m.forest.IsComplete(state.RemoteRoot) {
		st.root = state.RemoteRoot
	}
}

// ClearActorState forgets an actor.
func (m *Map) ClearActorState(actor string) {
	delete(m.actors, actor)
}

// Actors lists the known remote actors, sorted.
func (m *Map) Actors() []string {
	actors := make([]string, 0, len(m.actors))
	for actor := range m.actors {
		actors = append(actors, actor)
	}
	sort.Strings(actors)
	return actors
}

// ActorRoot returns the latest root of the actor that is complete locally,
// or "" if there is none yet.
func (m *Map) ActorRoot(actor string) forest.DigestHex {
	if st, ok := m.actors[actor]; ok {
		return st.root
	}
	return ""
}

// GetForActor reads key from the given actor's tree.
func (m *Map) GetForActor(actor, key string) ([]byte, bool, error) {
	st, ok := m.actors[actor]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownActor, actor)
	}
	if st.root == "" {
		return nil, false, fmt.Errorf("%s: %w: %q", actor, ErrKeyNotAvailable, key)
	}
	return m.get(st.root, key)
}

// Difference is a key on which the local actor and the remote actors
// don't all agree. Values maps actor to value; actors without the key are
// absent.
type Difference struct {
	Key    string
	Values map[string][]byte
}

// GetDifferent reports, in key order, every key whose value isn't the
// same for the local actor and every remote actor with a resolved root.
// A key some of them lack counts as different.
func (m *Map) GetDifferent() ([]Difference, error) {
	keys := map[string]struct{}{}
	participants := map[string]forest.DigestHex{m.actor: m.root}
	for actor, st := range m.actors {
		if st.root == "" {
			continue
		}
		participants[actor] = st.root
		err := m.forest.Diff(m.root, st.root, func(key string, _, _ *forest.Item) (bool, error) {
			keys[key] = struct{}{}
			return true, nil
		})
		if err != nil {
			return nil, fmt.Errorf("diff with %s: %w", actor, err)
		}
	}
	sorted := make([]string, 0, len(keys))
	for key := range keys {
		sorted = append(sorted, key)
	}
	sort.Strings(sorted)

	res := make([]Difference, 0, len(sorted))
	for _, key := range sorted {
		d := Difference{Key: key, Values: map[string][]byte{}}
		for actor, root := range participants {
			v, ok, err := m.get(root, key)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", actor, err)
			}
			if ok {
				d.Values[actor] = v
			}
		}
		res = append(res, d)
	}
	return res, nil
}
