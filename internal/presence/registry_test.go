package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJoinIsIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Register("c1")

	require.True(t, r.Join("c1", MechanicsRoom))
	require.False(t, r.Join("c1", MechanicsRoom))
	require.ElementsMatch(t, []string{"c1"}, r.MembersOf(MechanicsRoom))
}

func TestTrackingRoomsAreIsolated(t *testing.T) {
	r := NewRegistry()
	r.Register("user-a")
	r.Register("user-b")
	r.Join("user-a", TrackingRoom("123"))
	r.Join("user-b", TrackingRoom("456"))

	require.Equal(t, "tracking-123", TrackingRoom("123"))
	require.ElementsMatch(t, []string{"user-a"}, r.MembersOf(TrackingRoom("123")))
	require.ElementsMatch(t, []string{"user-b"}, r.MembersOf(TrackingRoom("456")))
	require.False(t, r.IsMember("user-a", TrackingRoom("456")))
}

func TestLeaveAllClearsMembershipsAndCollectsEmptyRooms(t *testing.T) {
	r := NewRegistry()
	r.Register("c1")
	r.Join("c1", MechanicsRoom)
	r.Join("c1", TrackingRoom("r1"))
	r.Register("c2")
	r.Join("c2", MechanicsRoom)

	left := r.LeaveAll("c1")
	require.ElementsMatch(t, []string{MechanicsRoom, TrackingRoom("r1")}, left)
	require.Empty(t, r.RoomsOf("c1"))
	require.ElementsMatch(t, []string{"c2"}, r.MembersOf(MechanicsRoom))
	require.Empty(t, r.MembersOf(TrackingRoom("r1")))
	require.Equal(t, 1, r.RoomCount())
	require.Equal(t, 1, r.ConnectionCount())
}

func TestLeaveSingleRoom(t *testing.T) {
	r := NewRegistry()
	r.Register("c1")
	r.Join("c1", MechanicsRoom)
	r.Join("c1", TrackingRoom("r1"))

	r.Leave("c1", MechanicsRoom)
	require.ElementsMatch(t, []string{TrackingRoom("r1")}, r.RoomsOf("c1"))
	require.Empty(t, r.MembersOf(MechanicsRoom))

	// leaving a room never joined is harmless
	r.Leave("c1", "nowhere")
	r.LeaveAll("unknown")
}

func TestJoinIgnoresUnknownAndRemovedConnections(t *testing.T) {
	r := NewRegistry()
	require.False(t, r.Join("ghost", MechanicsRoom))
	require.Empty(t, r.MembersOf(MechanicsRoom))

	r.Register("c1")
	require.True(t, r.Join("c1", TrackingRoom("r1")))
	r.LeaveAll("c1")

	// a join racing behind the disconnect must not resurrect the connection
	require.False(t, r.Join("c1", TrackingRoom("r1")))
	require.Empty(t, r.MembersOf(TrackingRoom("r1")))
	require.Equal(t, 0, r.RoomCount())
	require.Equal(t, 0, r.ConnectionCount())
}

func TestConcurrentJoinLeave(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			r.Register(id)
			r.Join(id, MechanicsRoom)
			r.Join(id, TrackingRoom(fmt.Sprint(i%5)))
			if i%2 == 0 {
				r.LeaveAll(id)
			}
		}(i)
	}
	wg.Wait()
	require.Len(t, r.MembersOf(MechanicsRoom), 25)
	require.Equal(t, 25, r.ConnectionCount())
}
