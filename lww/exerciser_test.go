package lww_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/commands"
	"github.com/leanovate/gopter/gen"
	"github.com/stretchr/testify/assert"

	"github.com/jrhy/forest"
	"github.com/jrhy/forest/lww"
)

const (
	nPeers  = 3
	nKeys   = 50
	nValues = 100
)

var (
	testThingy *testing.T
	cmdCount   = 0
	syncRounds = 0
)

// expected models each peer's map directly in terms of clocks.
type expected struct {
	peers [nPeers]map[string]lww.Record
}

type system struct {
	peers    [nPeers]*lww.Tree
	states   map[[2]int]*forest.SyncState
	cmdCount int
}

func actor(i int) string {
	return fmt.Sprintf("peer%d", i)
}

func wins(a, b lww.Record) bool {
	cmp := lww.Compare(a.Clock, b.Clock)
	if cmp == 0 {
		cmp = bytes.Compare(a.Value, b.Value)
	}
	return cmp >= 0
}

func (s *system) state(from, to int) *forest.SyncState {
	st, ok := s.states[[2]int{from, to}]
	if !ok {
		st = &forest.SyncState{}
		s.states[[2]int{from, to}] = st
	}
	return st
}

type setCommand struct {
	peer, key, value int
}

func (c setCommand) Run(s commands.SystemUnderTest) commands.Result {
	s.(*system).cmdCount++
	return s.(*system).peers[c.peer].Set(fmt.Sprint(c.key), []byte(fmt.Sprint(c.value)))
}

func (c setCommand) NextState(state commands.State) commands.State {
	peer := state.(*expected).peers[c.peer]
	key := fmt.Sprint(c.key)
	prev := peer[key]
	peer[key] = lww.Record{
		Clock: lww.Clock{Actor: actor(c.peer), Counter: prev.Clock.Counter + 1},
		Value: []byte(fmt.Sprint(c.value)),
	}
	return state
}

func (c setCommand) PreCondition(state commands.State) bool {
	return true
}

func (c setCommand) PostCondition(state commands.State, result commands.Result) *gopter.PropResult {
	if result != nil {
		fmt.Printf("setCommandPostCondition: %v\n", result)
		return &gopter.PropResult{Status: gopter.PropFalse}
	}
	return &gopter.PropResult{Status: gopter.PropTrue}
}

func (c setCommand) String() string {
	return fmt.Sprintf("Set(%s,%d,%d)", actor(c.peer), c.key, c.value)
}

type syncCommand struct {
	a, b int
}

type syncResult struct {
	err          error
	rootA, rootB forest.DigestHex
}

func (c syncCommand) Run(s commands.SystemUnderTest) commands.Result {
	sys := s.(*system)
	sys.cmdCount++
	a, b := sys.peers[c.a], sys.peers[c.b]
	aState, bState := sys.state(c.a, c.b), sys.state(c.b, c.a)
	for rounds := 0; ; rounds++ {
		if rounds > 50 {
			return syncResult{err: fmt.Errorf("no convergence after %d rounds", rounds)}
		}
		var msgA, msgB *forest.SyncMessage
		var err error
		*aState, msgA = a.GenerateSyncMessage(*aState)
		if msgA != nil {
			msg, err := forest.UnmarshalSyncMessage(forest.MarshalSyncMessage(msgA))
			if err != nil {
				return syncResult{err: err}
			}
			if *bState, err = b.ReceiveSyncMessage(*bState, msg); err != nil {
				return syncResult{err: err}
			}
		}
		*bState, msgB = b.GenerateSyncMessage(*bState)
		if msgB != nil {
			if *aState, err = a.ReceiveSyncMessage(*aState, msgB); err != nil {
				return syncResult{err: err}
			}
		}
		if msgA == nil && msgB == nil {
			syncRounds += rounds
			return syncResult{rootA: a.Root(), rootB: b.Root()}
		}
	}
}

func (c syncCommand) NextState(state commands.State) commands.State {
	e := state.(*expected)
	a, b := e.peers[c.a], e.peers[c.b]
	for key, rb := range b {
		if ra, ok := a[key]; !ok || !wins(ra, rb) {
			a[key] = rb
		}
	}
	for key, ra := range a {
		b[key] = ra
	}
	return state
}

func (c syncCommand) PreCondition(state commands.State) bool {
	return c.a != c.b
}

func (c syncCommand) PostCondition(state commands.State, result commands.Result) *gopter.PropResult {
	r := result.(syncResult)
	if r.err != nil {
		fmt.Printf("syncCommandPostCondition: %v\n", r.err)
		return &gopter.PropResult{Status: gopter.PropFalse}
	}
	if r.rootA != r.rootB {
		fmt.Printf("syncCommandPostCondition: roots differ after sync: %s %s\n", r.rootA.Short(), r.rootB.Short())
		return &gopter.PropResult{Status: gopter.PropFalse}
	}
	return &gopter.PropResult{Status: gopter.PropTrue}
}

func (c syncCommand) String() string {
	return fmt.Sprintf("Sync(%s,%s)", actor(c.a), actor(c.b))
}

type getCommand struct {
	peer, key int
}

func (c getCommand) Run(s commands.SystemUnderTest) commands.Result {
	s.(*system).cmdCount++
	r, ok, err := s.(*system).peers[c.peer].GetRecord(fmt.Sprint(c.key))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return r
}

func (c getCommand) NextState(state commands.State) commands.State {
	return state
}

func (c getCommand) PreCondition(state commands.State) bool {
	return true
}

func (c getCommand) PostCondition(state commands.State, result commands.Result) *gopter.PropResult {
	expected, ok := state.(*expected).peers[c.peer][fmt.Sprint(c.key)]
	if !ok && result == nil {
		return &gopter.PropResult{Status: gopter.PropTrue}
	}
	if r, isRecord := result.(lww.Record); ok && isRecord && r.Clock == expected.Clock && bytes.Equal(r.Value, expected.Value) {
		return &gopter.PropResult{Status: gopter.PropTrue}
	}
	fmt.Printf("getCommandPostCondition: %v expected=%v (present=%v) actual=%v\n", c, expected, ok, result)
	return &gopter.PropResult{Status: gopter.PropFalse}
}

func (c getCommand) String() string {
	return fmt.Sprintf("Get(%s,%d)", actor(c.peer), c.key)
}

var (
	genSet = gopter.CombineGens(
		gen.IntRange(0, nPeers-1),
		gen.IntRange(0, nKeys-1),
		gen.IntRange(0, nValues-1),
	).Map(func(v []interface{}) commands.Command {
		return setCommand{v[0].(int), v[1].(int), v[2].(int)}
	})
	genSync = gopter.CombineGens(
		gen.IntRange(0, nPeers-1),
		gen.IntRange(1, nPeers-1),
	).Map(func(v []interface{}) commands.Command {
		a := v[0].(int)
		return syncCommand{a, (a + v[1].(int)) % nPeers}
	})
	genGet = gopter.CombineGens(
		gen.IntRange(0, nPeers-1),
		gen.IntRange(0, nKeys-1),
	).Map(func(v []interface{}) commands.Command {
		return getCommand{v[0].(int), v[1].(int)}
	})

	lwwCommands = &commands.ProtoCommands{
		NewSystemUnderTestFunc: func(initialState commands.State) commands.SystemUnderTest {
			s := &system{states: map[[2]int]*forest.SyncState{}}
			for i := range s.peers {
				s.peers[i] = lww.New(forest.NewForest(), actor(i))
			}
			var pairs []forest.Pair
			for key, r := range initialState.(*expected).peers[0] {
				pairs = append(pairs, forest.Pair{Key: key, Value: r.Value})
			}
			if err := s.peers[0].SetBatch(pairs); err != nil {
				return err
			}
			return s
		},
		DestroySystemUnderTestFunc: func(s commands.SystemUnderTest) {
			if sys, ok := s.(*system); ok {
				cmdCount += sys.cmdCount
			}
		},
		InitialStateGen: gen.MapOf(gen.IntRange(0, nKeys-1), gen.IntRange(0, nValues-1)).Map(func(entries map[int]int) *expected {
			e := &expected{}
			for i := range e.peers {
				e.peers[i] = map[string]lww.Record{}
			}
			for key, value := range entries {
				e.peers[0][fmt.Sprint(key)] = lww.Record{
					Clock: lww.Clock{Actor: actor(0), Counter: 1},
					Value: []byte(fmt.Sprint(value)),
				}
			}
			return e
		}),
		InitialPreConditionFunc: func(state commands.State) bool {
			_ = state.(*expected)
			return true
		},
		GenCommandFunc: func(state commands.State) gopter.Gen {
			return gen.Weighted(
				[]gen.WeightedGen{
					{Weight: 100, Gen: genSet},
					{Weight: 20, Gen: genSync},
					{Weight: 100, Gen: genGet},
				},
			)
		},
	}
)

func TestExerciser(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	if testing.Short() {
		parameters.MinSuccessfulTests = 20
	}
	properties := gopter.NewProperties(parameters)
	properties.Property("lww sync exerciser", commands.Prop(lwwCommands))
	testThingy = t
	properties.TestingRun(t)
	testThingy = nil
	if !t.Failed() {
		assert.Positive(t, syncRounds)
		fmt.Printf("successful commands: %d, sync rounds: %d\n", cmdCount, syncRounds)
	}
}
