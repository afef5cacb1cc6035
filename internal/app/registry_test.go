package app

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(members []domain.Member) []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(members))
	for _, m := range members {
		out = append(out, m.ID)
	}
	return out
}

func TestRegistryJoinReturnsExistingInJoinOrder(t *testing.T) {
	reg := NewRegistry(RejectSecondRoom)

	res, err := reg.Join("A1", "R1", "Alice")
	require.NoError(t, err)
	assert.Empty(t, res.Existing)

	res, err = reg.Join("B1", "R1", "Bob")
	require.NoError(t, err)
	assert.Equal(t, []domain.Member{{ID: "A1", DisplayName: "Alice"}}, res.Existing)

	res, err = reg.Join("C1", "R1", "Carol")
	require.NoError(t, err)
	assert.Equal(t, []domain.ParticipantID{"A1", "B1"}, ids(res.Existing))
	assert.Equal(t, []domain.ParticipantID{"A1", "B1", "C1"}, ids(reg.Members("R1")))
}

func TestRegistryRejoinIsNoop(t *testing.T) {
	reg := NewRegistry(RejectSecondRoom)
	_, err := reg.Join("A1", "R1", "Alice")
	require.NoError(t, err)
	_, err = reg.Join("B1", "R1", "Bob")
	require.NoError(t, err)

	res, err := reg.Join("B1", "R1", "Bob")
	require.NoError(t, err)
	assert.True(t, res.Rejoin)
	assert.Equal(t, []domain.ParticipantID{"A1"}, ids(res.Existing))
	assert.Len(t, reg.Members("R1"), 2)
}

func TestRegistryRejectsEmptyRoom(t *testing.T) {
	reg := NewRegistry(RejectSecondRoom)
	_, err := reg.Join("A1", "", "Alice")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	assert.Empty(t, reg.Rooms())
	assert.Empty(t, reg.RoomsOf("A1"))
}

func TestRegistrySecondRoomRejected(t *testing.T) {
	reg := NewRegistry(RejectSecondRoom)
	_, err := reg.Join("A1", "R1", "Alice")
	require.NoError(t, err)

	_, err = reg.Join("A1", "R2", "Alice")
	assert.ErrorIs(t, err, domain.ErrAlreadyInRoom)
	assert.Equal(t, []domain.RoomID{"R1"}, reg.RoomsOf("A1"))
	assert.Nil(t, reg.Members("R2"))
}

func TestRegistrySecondRoomSwitch(t *testing.T) {
	reg := NewRegistry(SwitchRoom)
	_, err := reg.Join("A1", "R1", "Alice")
	require.NoError(t, err)
	_, err = reg.Join("B1", "R1", "Bob")
	require.NoError(t, err)

	res, err := reg.Join("A1", "R2", "Alice")
	require.NoError(t, err)
	require.NotNil(t, res.Left)
	assert.Equal(t, domain.RoomID("R1"), res.Left.Room)
	assert.Equal(t, []domain.ParticipantID{"B1"}, ids(res.Left.Remaining))
	assert.Equal(t, []domain.RoomID{"R2"}, reg.RoomsOf("A1"))
	assert.Equal(t, []domain.ParticipantID{"B1"}, ids(reg.Members("R1")))
}

func TestRegistryLeaveIsIdempotentAndReleasesRoom(t *testing.T) {
	reg := NewRegistry(RejectSecondRoom)
	_, err := reg.Join("A1", "R1", "Alice")
	require.NoError(t, err)
	_, err = reg.Join("B1", "R1", "Bob")
	require.NoError(t, err)

	remaining, left := reg.Leave("A1", "R1")
	assert.True(t, left)
	assert.Equal(t, []domain.ParticipantID{"B1"}, ids(remaining))

	_, left = reg.Leave("A1", "R1")
	assert.False(t, left)
	_, left = reg.Leave("nobody", "nowhere")
	assert.False(t, left)

	_, left = reg.Leave("B1", "R1")
	assert.True(t, left)
	assert.Empty(t, reg.Rooms())
	assert.Empty(t, reg.RoomsOf("B1"))
}

func TestRegistryLeaveAll(t *testing.T) {
	reg := NewRegistry(RejectSecondRoom)
	_, err := reg.Join("A1", "R1", "Alice")
	require.NoError(t, err)
	_, err = reg.Join("B1", "R1", "Bob")
	require.NoError(t, err)

	deps := reg.LeaveAll("B1")
	require.Len(t, deps, 1)
	assert.Equal(t, domain.RoomID("R1"), deps[0].Room)
	assert.Equal(t, []domain.ParticipantID{"A1"}, ids(deps[0].Remaining))
	assert.Empty(t, reg.LeaveAll("B1"))
	assert.False(t, reg.ShareRoom("A1", "B1"))
}

func TestRegistryRooms(t *testing.T) {
	reg := NewRegistry(RejectSecondRoom)
	for i, room := range []domain.RoomID{"b", "a", "b"} {
		_, err := reg.Join(domain.ParticipantID(fmt.Sprint(i)), room, "x")
		require.NoError(t, err)
	}
	assert.Equal(t, []domain.RoomInfo{{ID: "a", MemberCount: 1}, {ID: "b", MemberCount: 2}}, reg.Rooms())
}

// Random join/leave sequences against a trivially correct model: every joiner
// must see exactly the members the model holds at that moment.
func TestRegistryMatchesModelUnderRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	reg := NewRegistry(RejectSecondRoom)
	model := []domain.ParticipantID{}
	in := map[domain.ParticipantID]bool{}

	for step := 0; step < 2000; step++ {
		pid := domain.ParticipantID(fmt.Sprintf("p%d", rng.Intn(12)))
		if rng.Intn(2) == 0 {
			res, err := reg.Join(pid, "R", "n")
			require.NoError(t, err)
			want := []domain.ParticipantID{}
			for _, id := range model {
				if id != pid {
					want = append(want, id)
				}
			}
			assert.Equal(t, want, ids(res.Existing), "step %d", step)
			if !in[pid] {
				model = append(model, pid)
				in[pid] = true
			}
			continue
		}
		_, left := reg.Leave(pid, "R")
		assert.Equal(t, in[pid], left, "step %d", step)
		if in[pid] {
			delete(in, pid)
			for i, id := range model {
				if id == pid {
					model = append(model[:i], model[i+1:]...)
					break
				}
			}
		}
	}
}

func TestRegistryConcurrentJoinsSeeEachOther(t *testing.T) {
	const n = 50
	reg := NewRegistry(RejectSecondRoom)
	seen := make([][]domain.ParticipantID, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := reg.Join(domain.ParticipantID(fmt.Sprintf("p%02d", i)), "R", "n")
			assert.NoError(t, err)
			seen[i] = ids(res.Existing)
		}(i)
	}
	wg.Wait()

	// For every pair exactly one side observed the other in its snapshot.
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			a, b := domain.ParticipantID(fmt.Sprintf("p%02d", i)), domain.ParticipantID(fmt.Sprintf("p%02d", j))
			assert.True(t, contains(seen[i], b) != contains(seen[j], a), "pair %s/%s", a, b)
		}
	}
}

func contains(list []domain.ParticipantID, id domain.ParticipantID) bool {
	for _, x := range list {
		if x == id {
			return true
		}
	}
	return false
}
