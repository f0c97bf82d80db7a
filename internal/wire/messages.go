package wire

import (
	"fmt"

	"github.com/wotw-multiverse/syncserver/model"
)

// PacketID tags the message carried by a Packet.
type PacketID int32

const (
	PacketUberStateUpdate      PacketID = 3
	PacketUberStateBatchUpdate PacketID = 4
	PacketInitGameSync         PacketID = 5
	PacketPrintText            PacketID = 6
	PacketMultiverseInfo       PacketID = 7
	PacketSyncBingoWorlds      PacketID = 8
	PacketRequestUpdates       PacketID = 9
	PacketAuthenticate         PacketID = 10
	PacketAuthenticated        PacketID = 11
	PacketUpdatePlayerPosition PacketID = 12
	PacketPlayerPosition       PacketID = 13
)

var packetNames = map[PacketID]string{
	PacketUberStateUpdate:      "UberStateUpdate",
	PacketUberStateBatchUpdate: "UberStateBatchUpdate",
	PacketInitGameSync:         "InitGameSync",
	PacketPrintText:            "PrintText",
	PacketMultiverseInfo:       "MultiverseInfo",
	PacketSyncBingoWorlds:      "SyncBingoWorlds",
	PacketRequestUpdates:       "RequestUpdates",
	PacketAuthenticate:         "Authenticate",
	PacketAuthenticated:        "Authenticated",
	PacketUpdatePlayerPosition: "UpdatePlayerPosition",
	PacketPlayerPosition:       "PlayerPosition",
}

func (id PacketID) String() string {
	if name, ok := packetNames[id]; ok {
		return name
	}
	return fmt.Sprintf("packet(%d)", int32(id))
}

// Message is the closed set of messages exchanged with game clients. Values
// held by messages are always in real space; the wire bias is applied by
// Marshal and Unmarshal only.
type Message interface {
	PacketID() PacketID
	appendBody(b []byte) []byte
	decodeBody(b []byte) error
}

// UberStateUpdateMessage reports or announces one uber state value.
type UberStateUpdateMessage struct {
	ID    model.UberStateID
	Value float64
}

// UberStateBatchUpdateMessage carries several updates; Resync marks a full
// state replay after a reconnect or world transfer.
type UberStateBatchUpdateMessage struct {
	Updates []UberStateUpdateMessage
	Resync  bool
}

// InitGameSyncMessage declares the uber states a session synchronises.
type InitGameSyncMessage struct {
	UberStates []model.UberStateID
}

// PrintTextMessage shows overlay text in the game client.
type PrintTextMessage struct {
	Frames int32
	YPos   float32
	Text   string
}

// UserInfo describes a player in informational messages.
type UserInfo struct {
	ID       string
	Name     string
	AvatarID string
}

// WorldInfo describes one world and its members.
type WorldInfo struct {
	ID      int64
	Name    string
	Members []UserInfo
}

// UniverseInfo describes one universe and its worlds.
type UniverseInfo struct {
	ID     int64
	Name   string
	Worlds []WorldInfo
}

// MultiverseInfoMessage describes the layout of a multiverse.
type MultiverseInfoMessage struct {
	ID            int64
	Universes     []UniverseInfo
	HasBingoBoard bool
	Spectators    []UserInfo
}

// BingoWorldInfo is one world's board progress.
type BingoWorldInfo struct {
	WorldID int64
	Score   string
	Rank    int32
	Squares int32
	Lines   int32
}

// SyncBingoWorldsMessage broadcasts board progress for a multiverse.
type SyncBingoWorldsMessage struct {
	Worlds []BingoWorldInfo
}

// RequestUpdatesMessage asks the server to replay the current world state.
type RequestUpdatesMessage struct {
	PlayerID string
}

// AuthenticateMessage is the first message of every game session.
type AuthenticateMessage struct {
	JWT string
}

// AuthenticatedMessage acknowledges a successful authentication.
type AuthenticatedMessage struct {
	User   UserInfo
	UDPID  int32
	UDPKey []byte
}

// PlayerPositionMessage is a client's own position report.
type PlayerPositionMessage struct {
	X float32
	Y float32
}

// UpdatePlayerPositionMessage relays another player's position.
type UpdatePlayerPositionMessage struct {
	PlayerID string
	X        float32
	Y        float32
}

func (*UberStateUpdateMessage) PacketID() PacketID      { return PacketUberStateUpdate }
func (*UberStateBatchUpdateMessage) PacketID() PacketID { return PacketUberStateBatchUpdate }
func (*InitGameSyncMessage) PacketID() PacketID         { return PacketInitGameSync }
func (*PrintTextMessage) PacketID() PacketID            { return PacketPrintText }
func (*MultiverseInfoMessage) PacketID() PacketID       { return PacketMultiverseInfo }
func (*SyncBingoWorldsMessage) PacketID() PacketID      { return PacketSyncBingoWorlds }
func (*RequestUpdatesMessage) PacketID() PacketID       { return PacketRequestUpdates }
func (*AuthenticateMessage) PacketID() PacketID         { return PacketAuthenticate }
func (*AuthenticatedMessage) PacketID() PacketID        { return PacketAuthenticated }
func (*UpdatePlayerPositionMessage) PacketID() PacketID { return PacketUpdatePlayerPosition }
func (*PlayerPositionMessage) PacketID() PacketID       { return PacketPlayerPosition }

// ServerText builds the greeting/notification overlay used by the server.
func ServerText(text string) *PrintTextMessage {
	return &PrintTextMessage{Frames: 240, YPos: 3, Text: text}
}
