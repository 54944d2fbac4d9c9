package hub

import (
	"github.com/samber/lo"

	"github.com/luciancaetano/roomnet"
)

type set map[string]struct{}

// Directory maps rooms to member connection ids and back.
//
// A room exists only while it has members: the last Leave deletes it, so memory is bounded by
// the number of populated rooms. Directory is not safe for concurrent use; the Registry
// serializes every access under its own lock.
type Directory struct {
	rooms       map[roomnet.RoomID]set
	memberships map[string]map[roomnet.RoomID]struct{}
}

func NewDirectory() *Directory {
	return &Directory{
		rooms:       make(map[roomnet.RoomID]set),
		memberships: make(map[string]map[roomnet.RoomID]struct{}),
	}
}

// Join adds connID to room. Joining twice is a no-op; it reports whether the membership is new.
func (d *Directory) Join(room roomnet.RoomID, connID string) bool {
	members, ok := d.rooms[room]
	if !ok {
		members = make(set)
		d.rooms[room] = members
	}
	if _, exists := members[connID]; exists {
		return false
	}
	members[connID] = struct{}{}

	joined, ok := d.memberships[connID]
	if !ok {
		joined = make(map[roomnet.RoomID]struct{})
		d.memberships[connID] = joined
	}
	joined[room] = struct{}{}
	return true
}

// Leave removes connID from room. Leaving a room the connection is not in is a no-op.
func (d *Directory) Leave(room roomnet.RoomID, connID string) bool {
	members, ok := d.rooms[room]
	if !ok {
		return false
	}
	if _, exists := members[connID]; !exists {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(d.rooms, room)
	}

	if joined, ok := d.memberships[connID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(d.memberships, connID)
		}
	}
	return true
}

// LeaveAll removes connID from every room and returns the rooms it left.
func (d *Directory) LeaveAll(connID string) []roomnet.RoomID {
	joined := lo.Keys(d.memberships[connID])
	for _, room := range joined {
		d.Leave(room, connID)
	}
	return joined
}

// MembersOf returns the member ids of room. An unknown room is an empty room.
func (d *Directory) MembersOf(room roomnet.RoomID) []string {
	return lo.Keys(d.rooms[room])
}

// RoomsOf returns the rooms connID belongs to.
func (d *Directory) RoomsOf(connID string) []roomnet.RoomID {
	return lo.Keys(d.memberships[connID])
}

// Has reports whether connID is a member of room.
func (d *Directory) Has(room roomnet.RoomID, connID string) bool {
	_, ok := d.rooms[room][connID]
	return ok
}

// Len returns the number of populated rooms.
func (d *Directory) Len() int {
	return len(d.rooms)
}

// Counts returns the member count of every populated room.
func (d *Directory) Counts() map[roomnet.RoomID]int {
	return lo.MapValues(d.rooms, func(members set, _ roomnet.RoomID) int {
		return len(members)
	})
}
