package room_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"collabtext/internal/bus"
	"collabtext/internal/fanout"
	"collabtext/internal/ot"
	"collabtext/internal/room"
	"collabtext/internal/store"
)

func insert(pos int, text, author string, version int) ot.Operation {
	return ot.Operation{Type: ot.KindInsert, Position: pos, Text: text, AuthorID: author, Version: version}
}

func remove(pos, length int, author string, version int) ot.Operation {
	return ot.Operation{Type: ot.KindDelete, Position: pos, Length: length, AuthorID: author, Version: version}
}

func TestJoinLoadsDocumentAndAnnouncesMembers(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_, err := st.CreateDocument(ctx, "r1", "", "alice")
	require.NoError(t, err)
	require.NoError(t, st.UpdateDocument(ctx, "r1", "Hello", 3))

	inst := newInstance(t, "x", st, nil)
	join(t, inst, "c1", "r1", "alice")
	join(t, inst, "c2", "r1", "bob")

	loaded := of[room.DocumentLoaded](inst.transport, "c2", room.EventDocumentLoaded)
	require.Equal(t, []room.DocumentLoaded{{Content: "Hello", Version: 3}}, loaded)

	joined := of[room.UserJoined](inst.transport, "c1", room.EventUserJoined)
	require.Len(t, joined, 2)
	require.Len(t, joined[1].Users, 2)
	require.Equal(t, "bob", joined[1].Users[1].UserID)
	require.Equal(t, room.UserColor("bob"), joined[1].Users[1].Color)
	// The joiner sees the list too.
	require.Len(t, of[room.UserJoined](inst.transport, "c2", room.EventUserJoined), 1)
}

func TestJoinCreatesMissingDocument(t *testing.T) {
	st := store.NewMemory()
	inst := newInstance(t, "x", st, nil)
	join(t, inst, "c1", "fresh", "alice")

	doc, err := st.GetDocument(context.Background(), "fresh")
	require.NoError(t, err)
	require.Equal(t, 0, doc.Version)
	require.Equal(t, "alice", doc.CreatedBy)
	require.Equal(t, []room.DocumentLoaded{{}}, of[room.DocumentLoaded](inst.transport, "c1", room.EventDocumentLoaded))
}

func TestJoinValidation(t *testing.T) {
	inst := newInstance(t, "x", store.NewMemory(), nil)
	require.ErrorIs(t, inst.coord.Join(context.Background(), "c1", "", "alice", ""), room.ErrValidation)
	require.ErrorIs(t, inst.coord.Join(context.Background(), "c1", "r1", "", ""), room.ErrValidation)
	require.Zero(t, inst.coord.Rooms())
}

func TestSubmitRequiresSession(t *testing.T) {
	inst := newInstance(t, "x", store.NewMemory(), nil)
	err := inst.coord.Submit(context.Background(), "nobody", insert(0, "x", "a", 0))
	require.ErrorIs(t, err, room.ErrValidation)
	require.ErrorIs(t, err, room.ErrNoSession)

	join(t, inst, "c1", "r1", "alice")
	err = inst.coord.Submit(context.Background(), "c1", ot.Operation{Type: ot.KindInsert, Text: "x"})
	require.ErrorIs(t, err, room.ErrValidation)
	require.ErrorIs(t, err, ot.ErrInvalidOperation)
}

func TestHelloWorldScenario(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_, err := st.CreateDocument(ctx, "r1", "Hello", "alice")
	require.NoError(t, err)

	inst := newInstance(t, "x", st, nil)
	join(t, inst, "a", "r1", "alice")
	join(t, inst, "b", "r1", "bob")
	inst.transport.reset()

	require.NoError(t, inst.coord.Submit(ctx, "a", insert(5, " World", "alice", 0)))
	content, version, ok := inst.coord.Snapshot("r1")
	require.True(t, ok)
	require.Equal(t, "Hello World", content)
	require.Equal(t, 1, version)

	// Broadcast to b, not a; a gets an ack instead.
	require.Len(t, of[room.ContentChanged](inst.transport, "b", room.EventContentChanged), 1)
	require.Empty(t, of[room.ContentChanged](inst.transport, "a", room.EventContentChanged))
	require.Equal(t, []room.EditAck{{Operation: insert(5, " World", "alice", 0), Version: 1}},
		of[room.EditAck](inst.transport, "a", room.EventEditAck))

	// b deleted "ell" against version 0, concurrently with a's insert.
	require.NoError(t, inst.coord.Submit(ctx, "b", remove(1, 3, "bob", 0)))
	content, version, _ = inst.coord.Snapshot("r1")
	require.Equal(t, "Ho World", content)
	require.Equal(t, 2, version)

	changed := of[room.ContentChanged](inst.transport, "a", room.EventContentChanged)
	require.Len(t, changed, 1)
	require.Equal(t, room.ContentChanged{
		Operation: remove(1, 3, "bob", 1),
		AuthorID:  "bob",
		Username:  "bob",
		Color:     room.UserColor("bob"),
		Version:   2,
	}, changed[0])

	doc, err := st.GetDocument(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "Ho World", doc.Content)
	require.Equal(t, 2, doc.Version)
}

func TestConcurrentTransformAgainstHistory(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	inst := newInstance(t, "x", st, nil)
	join(t, inst, "a", "r1", "alice")
	join(t, inst, "b", "r1", "bob")

	require.NoError(t, inst.coord.Submit(ctx, "a", insert(0, "abc", "alice", 0)))
	// bob also typed at 0 against version 0; alice sorts first.
	require.NoError(t, inst.coord.Submit(ctx, "b", insert(0, "XY", "bob", 0)))
	content, _, _ := inst.coord.Snapshot("r1")
	require.Equal(t, "abcXY", content)

	// alice's connection already holds her own commits; only bob's is
	// transformed against.
	require.NoError(t, inst.coord.Submit(ctx, "a", insert(3, "d", "alice", 1)))
	content, version, _ := inst.coord.Snapshot("r1")
	require.Equal(t, "abcdXY", content)
	require.Equal(t, 3, version)
}

func TestSameUserOnTwoConnections(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_, err := st.CreateDocument(ctx, "r1", "abc", "alice")
	require.NoError(t, err)
	inst := newInstance(t, "x", st, nil)
	join(t, inst, "tab1", "r1", "alice")
	join(t, inst, "tab2", "r1", "alice")

	// Both tabs edit version 0; the second still has to move past the first.
	require.NoError(t, inst.coord.Submit(ctx, "tab1", insert(0, "X", "alice", 0)))
	require.NoError(t, inst.coord.Submit(ctx, "tab2", remove(2, 1, "alice", 0)))

	content, version, _ := inst.coord.Snapshot("r1")
	require.Equal(t, "Xab", content)
	require.Equal(t, 2, version)
	require.Equal(t, []room.EditAck{{Operation: remove(3, 1, "alice", 1), Version: 2}},
		of[room.EditAck](inst.transport, "tab2", room.EventEditAck))
}

func TestAuthorMustMatchJoinedUser(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_, err := st.CreateDocument(ctx, "r1", "abc", "alice")
	require.NoError(t, err)
	inst := newInstance(t, "x", st, nil)
	join(t, inst, "a", "r1", "alice")
	join(t, inst, "b", "r1", "bob")

	require.NoError(t, inst.coord.Submit(ctx, "a", insert(0, "X", "alice", 0)))
	err = inst.coord.Submit(ctx, "b", remove(2, 1, "alice", 0))
	require.ErrorIs(t, err, room.ErrValidation)
	require.Contains(t, err.Error(), "does not match")

	content, version, _ := inst.coord.Snapshot("r1")
	require.Equal(t, "Xabc", content)
	require.Equal(t, 1, version)
}

func TestStaleAndFutureBasesRejected(t *testing.T) {
	ctx := context.Background()
	inst := newInstance(t, "x", store.NewMemory(), nil)
	join(t, inst, "a", "r1", "alice")

	require.NoError(t, inst.coord.Submit(ctx, "a", insert(0, "x", "alice", 5)))
	errs := of[room.ErrorEvent](inst.transport, "a", room.EventError)
	require.Len(t, errs, 1)
	require.Contains(t, errs[0].Message, "ahead")

	require.NoError(t, inst.coord.Submit(ctx, "a", insert(4, "x", "alice", 0)))
	errs = of[room.ErrorEvent](inst.transport, "a", room.EventError)
	require.Len(t, errs, 2)
	require.Contains(t, errs[1].Message, "out of range")

	_, version, _ := inst.coord.Snapshot("r1")
	require.Equal(t, 0, version)
}

func TestHistoryLimit(t *testing.T) {
	ctx := context.Background()
	tr := newRecorder()
	opts := testOptions()
	opts.HistoryLimit = 2
	coord := room.NewCoordinator(ctx, store.NewMemory(), tr, nil, discard(), opts)
	require.NoError(t, coord.Join(ctx, "a", "r1", "alice", ""))
	require.NoError(t, coord.Join(ctx, "b", "r1", "bob", ""))
	for i := range 4 {
		require.NoError(t, coord.Submit(ctx, "a", insert(i, "x", "alice", i)))
	}
	require.NoError(t, coord.Submit(ctx, "b", insert(0, "y", "bob", 1)))
	errs := of[room.ErrorEvent](tr, "b", room.EventError)
	require.Len(t, errs, 1)
	require.Contains(t, errs[0].Message, "too old")

	require.NoError(t, coord.Submit(ctx, "b", insert(0, "y", "bob", 2)))
	content, version, _ := coord.Snapshot("r1")
	require.Equal(t, "yxxxx", content)
	require.Equal(t, 5, version)
}

func TestVersionMonotonicUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Store: store.NewMemory(), delay: time.Millisecond}
	inst := newInstance(t, "x", st, nil)

	const n = 20
	for i := range n {
		join(t, inst, fmt.Sprintf("c%d", i), "r1", fmt.Sprintf("user%02d", i))
	}

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := fmt.Sprintf("c%d", i)
			if err := inst.coord.Submit(ctx, conn, insert(0, "x", fmt.Sprintf("user%02d", i), 0)); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	require.False(t, st.overlap.Load(), "two commits for one room overlapped")
	content, version, _ := inst.coord.Snapshot("r1")
	require.Equal(t, n, version)
	require.Len(t, content, n)

	var versions []int
	for i := range n {
		acks := of[room.EditAck](inst.transport, fmt.Sprintf("c%d", i), room.EventEditAck)
		require.Len(t, acks, 1)
		versions = append(versions, acks[0].Version)

		// Every other connection saw the remaining n-1 commits in order.
		changed := of[room.ContentChanged](inst.transport, fmt.Sprintf("c%d", i), room.EventContentChanged)
		require.Len(t, changed, n-1)
		for j := 1; j < len(changed); j++ {
			require.Greater(t, changed[j].Version, changed[j-1].Version)
		}
	}
	sort.Ints(versions)
	for i, v := range versions {
		require.Equal(t, i+1, v)
	}
}

func TestPersistenceRetry(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Store: store.NewMemory()}
	inst := newInstance(t, "x", st, nil)
	join(t, inst, "a", "r1", "alice")

	st.failures.Store(2)
	require.NoError(t, inst.coord.Submit(ctx, "a", insert(0, "ok", "alice", 0)))
	require.Equal(t, int32(3), st.writes.Load())
	_, version, _ := inst.coord.Snapshot("r1")
	require.Equal(t, 1, version)
	require.Empty(t, of[room.ErrorEvent](inst.transport, "a", room.EventError))
}

func TestPersistenceFailureDropsOperation(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Store: store.NewMemory()}
	inst := newInstance(t, "x", st, nil)
	join(t, inst, "a", "r1", "alice")
	join(t, inst, "b", "r1", "bob")
	inst.transport.reset()

	st.failures.Store(3)
	require.NoError(t, inst.coord.Submit(ctx, "a", insert(0, "lost", "alice", 0)))
	require.Equal(t, int32(3), st.writes.Load())

	errs := of[room.ErrorEvent](inst.transport, "a", room.EventError)
	require.Len(t, errs, 1)
	require.Contains(t, errs[0].Message, room.ErrPersistence.Error())
	require.Empty(t, of[room.ContentChanged](inst.transport, "b", room.EventContentChanged))
	content, version, _ := inst.coord.Snapshot("r1")
	require.Equal(t, "", content)
	require.Equal(t, 0, version)

	// The room keeps working.
	require.NoError(t, inst.coord.Submit(ctx, "a", insert(0, "kept", "alice", 0)))
	content, version, _ = inst.coord.Snapshot("r1")
	require.Equal(t, "kept", content)
	require.Equal(t, 1, version)
}

func TestVersionConflictReloads(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	// Two instances on one store with no bus: neither hears the other.
	x := newInstance(t, "x", st, nil)
	y := newInstance(t, "y", st, nil)
	join(t, x, "a", "r1", "alice")
	join(t, y, "b", "r1", "bob")

	require.NoError(t, x.coord.Submit(ctx, "a", insert(0, "first", "alice", 0)))
	require.NoError(t, y.coord.Submit(ctx, "b", insert(0, "second", "bob", 0)))

	errs := of[room.ErrorEvent](y.transport, "b", room.EventError)
	require.Len(t, errs, 1)
	require.Contains(t, errs[0].Message, store.ErrVersionConflict.Error())

	// The next commit re-reads the store first, and b is resynced.
	require.NoError(t, y.coord.Submit(ctx, "b", insert(5, "!", "bob", 1)))
	require.Equal(t, []room.DocumentLoaded{{}, {Content: "first", Version: 1}},
		of[room.DocumentLoaded](y.transport, "b", room.EventDocumentLoaded))
	content, version, _ := y.coord.Snapshot("r1")
	require.Equal(t, "first!", content)
	require.Equal(t, 2, version)
}

func TestLooseVersionsOverwrite(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	tr := newRecorder()
	opts := testOptions()
	opts.StrictVersions = false
	coord := room.NewCoordinator(ctx, st, tr, nil, discard(), opts)
	require.NoError(t, coord.Join(ctx, "a", "r1", "alice", ""))
	require.NoError(t, coord.Submit(ctx, "a", insert(0, "abc", "alice", 0)))

	doc, err := st.GetDocument(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "abc", doc.Content)
	require.Equal(t, 1, doc.Version)
}

func TestCursorsAndLeave(t *testing.T) {
	ctx := context.Background()
	network := bus.NewNetwork()
	inst := newInstance(t, "x", store.NewMemory(), network)
	join(t, inst, "a", "r1", "alice")
	join(t, inst, "b", "r1", "bob")
	require.True(t, inst.bus.Subscribed(fanout.Channel("r1")))

	require.NoError(t, inst.coord.MoveCursor(ctx, "a", 2, 7))
	require.NoError(t, inst.coord.MoveCursor(ctx, "a", 3, 1))
	require.Empty(t, of[room.Cursor](inst.transport, "a", room.EventRemoteCursor))
	cursors := of[room.Cursor](inst.transport, "b", room.EventRemoteCursor)
	require.Len(t, cursors, 2)
	require.Equal(t, room.Cursor{ConnectionID: "a", UserID: "alice", Username: "alice", Color: room.UserColor("alice"), Line: 3, Column: 1}, cursors[1])
	require.ErrorIs(t, inst.coord.MoveCursor(ctx, "a", -1, 0), room.ErrValidation)

	inst.coord.Leave(ctx, "a")
	left := of[room.UserLeft](inst.transport, "b", room.EventUserLeft)
	require.Len(t, left, 1)
	require.Equal(t, "alice", left[0].UserID)
	require.Len(t, left[0].Users, 1)
	require.Equal(t, []room.CursorRemoved{{ConnectionID: "a"}}, of[room.CursorRemoved](inst.transport, "b", room.EventCursorRemoved))
	require.Equal(t, 1, inst.coord.Rooms())

	inst.coord.Leave(ctx, "b")
	inst.coord.Leave(ctx, "b")
	require.Zero(t, inst.coord.Rooms())
	require.False(t, inst.bus.Subscribed(fanout.Channel("r1")))
	_, _, ok := inst.coord.Snapshot("r1")
	require.False(t, ok)

	// Rejoining reloads from the store.
	join(t, inst, "c", "r1", "carol")
	require.True(t, inst.bus.Subscribed(fanout.Channel("r1")))
}

func TestRejoinMovesConnection(t *testing.T) {
	ctx := context.Background()
	inst := newInstance(t, "x", store.NewMemory(), nil)
	join(t, inst, "a", "r1", "alice")
	join(t, inst, "a", "r2", "alice")
	require.Equal(t, 1, inst.coord.Rooms())
	require.NoError(t, inst.coord.Submit(ctx, "a", insert(0, "x", "alice", 0)))
	content, _, ok := inst.coord.Snapshot("r2")
	require.True(t, ok)
	require.Equal(t, "x", content)
}

func TestSubmitContent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_, err := st.CreateDocument(ctx, "r1", "the quick brown fox", "alice")
	require.NoError(t, err)
	inst := newInstance(t, "x", st, nil)
	join(t, inst, "a", "r1", "alice")
	join(t, inst, "b", "r1", "bob")

	require.NoError(t, inst.coord.SubmitContent(ctx, "a", "the slow brown dog", 0))
	content, version, _ := inst.coord.Snapshot("r1")
	require.Equal(t, "the slow brown dog", content)
	require.Greater(t, version, 0)

	// b replays the broadcasts and ends up in the same place.
	replayed := "the quick brown fox"
	for _, ch := range of[room.ContentChanged](inst.transport, "b", room.EventContentChanged) {
		replayed, err = ot.Apply(replayed, ch.Operation)
		require.NoError(t, err)
	}
	require.Equal(t, content, replayed)

	require.ErrorIs(t, inst.coord.SubmitContent(ctx, "a", "stale", 0), room.ErrValidation)
}

func TestUndo(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_, err := st.CreateDocument(ctx, "r1", "hello", "alice")
	require.NoError(t, err)
	inst := newInstance(t, "x", st, nil)
	join(t, inst, "a", "r1", "alice")
	join(t, inst, "b", "r1", "bob")

	require.ErrorIs(t, inst.coord.Undo(ctx, "a"), room.ErrValidation)

	require.NoError(t, inst.coord.Submit(ctx, "a", remove(1, 3, "alice", 0)))
	require.NoError(t, inst.coord.Submit(ctx, "b", insert(0, ">> ", "bob", 1)))
	content, _, _ := inst.coord.Snapshot("r1")
	require.Equal(t, ">> ho", content)

	require.NoError(t, inst.coord.Undo(ctx, "a"))
	content, version, _ := inst.coord.Snapshot("r1")
	require.Equal(t, ">> hello", content)
	require.Equal(t, 3, version)

	// The undo itself is not undone, and there is nothing left.
	require.ErrorIs(t, inst.coord.Undo(ctx, "a"), room.ErrValidation)
}
