package sync

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/lcarv/commdash/internal/matrix"
)

// fakeClient is a scriptable ChatClient. Member counts in RoomDetails are
// always derived from the members map so details and member lists agree.
type fakeClient struct {
	rooms   map[string]*matrix.RoomDetails
	members map[string]map[string]matrix.Member

	listErr    error
	detailErrs map[string]error

	// detailDelay slows RoomDetails so in-flight concurrency is observable.
	detailDelay time.Duration
	// blockMembers makes RoomMembers hang until the context is cancelled.
	blockMembers bool
	// listStarted/listRelease gate ListJoinedRooms for in-progress tests.
	listStarted chan struct{}
	listRelease chan struct{}

	detailCalls atomic.Int64
	memberCalls atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		rooms:      map[string]*matrix.RoomDetails{},
		members:    map[string]map[string]matrix.Member{},
		detailErrs: map[string]error{},
	}
}

// addRoom registers a room with n generated members.
func (f *fakeClient) addRoom(roomID, name string, n int) {
	f.rooms[roomID] = &matrix.RoomDetails{Name: name}
	members := map[string]matrix.Member{}
	for i := 0; i < n; i++ {
		userID := fmt.Sprintf("@user%d_%s:example.org", i, name)
		members[userID] = matrix.Member{DisplayName: fmt.Sprintf("User %d %s", i, name)}
	}
	f.members[roomID] = members
}

func (f *fakeClient) setMembers(roomID string, userIDs ...string) {
	members := map[string]matrix.Member{}
	for _, id := range userIDs {
		members[id] = matrix.Member{DisplayName: id}
	}
	f.members[roomID] = members
}

func (f *fakeClient) ListJoinedRooms(ctx context.Context) ([]string, error) {
	if f.listStarted != nil {
		close(f.listStarted)
		f.listStarted = nil
		select {
		case <-f.listRelease:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	ids := make([]string, 0, len(f.rooms))
	for id := range f.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeClient) RoomDetails(ctx context.Context, roomID string, skipMemberCount bool) (*matrix.RoomDetails, error) {
	f.detailCalls.Add(1)
	f.trackInFlight()
	defer f.inFlight.Add(-1)

	if f.detailDelay > 0 {
		select {
		case <-time.After(f.detailDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := f.detailErrs[roomID]; err != nil {
		return nil, err
	}
	d, ok := f.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("unknown room %s", roomID)
	}
	out := *d
	if skipMemberCount {
		out.MemberCount = -1
	} else {
		out.MemberCount = len(f.members[roomID])
	}
	return &out, nil
}

func (f *fakeClient) RoomMembers(ctx context.Context, roomID string) (map[string]matrix.Member, error) {
	f.memberCalls.Add(1)
	f.trackInFlight()
	defer f.inFlight.Add(-1)

	if f.blockMembers {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	members, ok := f.members[roomID]
	if !ok {
		return nil, fmt.Errorf("unknown room %s", roomID)
	}
	out := make(map[string]matrix.Member, len(members))
	for id, m := range members {
		out[id] = m
	}
	return out, nil
}

func (f *fakeClient) trackInFlight() {
	cur := f.inFlight.Add(1)
	for {
		max := f.maxInFlight.Load()
		if cur <= max || f.maxInFlight.CompareAndSwap(max, cur) {
			return
		}
	}
}
