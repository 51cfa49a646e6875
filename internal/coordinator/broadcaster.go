package coordinator

import (
	"log"
	"sort"
	"time"

	"github.com/babachat/chat-server/internal/protocol"
	"github.com/babachat/chat-server/internal/room"
	"github.com/babachat/chat-server/internal/typing"
)

// Broadcaster computes outgoing payloads from the shared stores and hands
// them to the transport. It only reads store state; all mutation stays in
// the Coordinator.
type Broadcaster struct {
	rooms     *room.Directory
	typing    *typing.Tracker
	transport Transport
}

// NewBroadcaster creates a Broadcaster over the given stores and transport.
func NewBroadcaster(rooms *room.Directory, tracker *typing.Tracker, transport Transport) *Broadcaster {
	return &Broadcaster{
		rooms:     rooms,
		typing:    tracker,
		transport: transport,
	}
}

// RoomList broadcasts the current room directory to every connected client.
func (b *Broadcaster) RoomList() {
	payload := protocol.RoomsListMsg{Rooms: b.roomEntries()}
	data, err := protocol.NewServerMessage(protocol.TypeRoomsList, payload)
	if err != nil {
		log.Printf("[broadcast] build rooms_list: %v", err)
		return
	}
	b.transport.Broadcast(data)
}

// SendRoomList answers a single client's room directory request.
func (b *Broadcaster) SendRoomList(connID string) {
	payload := protocol.RoomsListMsg{Rooms: b.roomEntries()}
	data, err := protocol.NewServerMessage(protocol.TypeRoomsList, payload)
	if err != nil {
		log.Printf("[broadcast] build rooms_list: %v", err)
		return
	}
	if err := b.transport.SendTo(connID, data); err != nil {
		log.Printf("[broadcast] send rooms_list conn=%s: %v", connID, err)
	}
}

func (b *Broadcaster) roomEntries() []protocol.RoomsListEntry {
	infos := b.rooms.List()
	entries := make([]protocol.RoomsListEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, protocol.RoomsListEntry{
			ID:        info.Name,
			Name:      info.Name,
			UserCount: info.MemberCount,
			CreatedAt: info.CreatedAt.Unix(),
		})
	}
	return entries
}

// UserList broadcasts the room's member list to the room.
func (b *Broadcaster) UserList(roomName string) {
	data, ok := b.userListPayload(roomName)
	if !ok {
		return
	}
	b.transport.SendToGroup(roomName, data)
}

// SendUserList answers a single client's member list request.
func (b *Broadcaster) SendUserList(connID, roomName string) {
	data, ok := b.userListPayload(roomName)
	if !ok {
		return
	}
	if err := b.transport.SendTo(connID, data); err != nil {
		log.Printf("[broadcast] send user_list conn=%s: %v", connID, err)
	}
}

func (b *Broadcaster) userListPayload(roomName string) ([]byte, bool) {
	members := b.rooms.Members(roomName)
	users := make([]protocol.UserListEntry, 0, len(members))
	for sid, name := range members {
		users = append(users, protocol.UserListEntry{SID: sid, Username: name})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })

	data, err := protocol.NewServerMessage(protocol.TypeUserList, protocol.UserListMsg{
		Room:  roomName,
		Users: users,
	})
	if err != nil {
		log.Printf("[broadcast] build user_list: %v", err)
		return nil, false
	}
	return data, true
}

// TypingStatus broadcasts the room's current typing-user list to the room.
func (b *Broadcaster) TypingStatus(roomName string) {
	users := b.typing.List(roomName)
	if users == nil {
		users = []string{}
	}
	data, err := protocol.NewServerMessage(protocol.TypeTypingStatus, protocol.TypingStatusMsg{
		Room:  roomName,
		Users: users,
	})
	if err != nil {
		log.Printf("[broadcast] build typing_status: %v", err)
		return
	}
	b.transport.SendToGroup(roomName, data)
}

// SystemMessage broadcasts a server-generated notice to the room.
func (b *Broadcaster) SystemMessage(roomName, content string) {
	data, err := protocol.NewServerMessage(protocol.TypeMessage, protocol.ServerChatMsg{
		Kind:      protocol.KindSystem,
		Content:   content,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		log.Printf("[broadcast] build system message: %v", err)
		return
	}
	b.transport.SendToGroup(roomName, data)
}
