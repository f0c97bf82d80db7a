package wire

import (
	"errors"
	"fmt"
)

// ErrUnknownPacket indicates a packet id outside the message set.
var ErrUnknownPacket = errors.New("wire: unknown packet")

func newMessage(id PacketID) (Message, bool) {
	switch id {
	case PacketUberStateUpdate:
		return &UberStateUpdateMessage{}, true
	case PacketUberStateBatchUpdate:
		return &UberStateBatchUpdateMessage{}, true
	case PacketInitGameSync:
		return &InitGameSyncMessage{}, true
	case PacketPrintText:
		return &PrintTextMessage{}, true
	case PacketMultiverseInfo:
		return &MultiverseInfoMessage{}, true
	case PacketSyncBingoWorlds:
		return &SyncBingoWorldsMessage{}, true
	case PacketRequestUpdates:
		return &RequestUpdatesMessage{}, true
	case PacketAuthenticate:
		return &AuthenticateMessage{}, true
	case PacketAuthenticated:
		return &AuthenticatedMessage{}, true
	case PacketUpdatePlayerPosition:
		return &UpdatePlayerPositionMessage{}, true
	case PacketPlayerPosition:
		return &PlayerPositionMessage{}, true
	}
	return nil, false
}

// Marshal encodes msg inside a Packet{id = 1, payload = 2} envelope.
func Marshal(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("wire: nil message")
	}
	body := msg.appendBody(nil)
	out := appendInt32(nil, 1, int32(msg.PacketID()))
	return appendMessage(out, 2, body), nil
}

// Unmarshal decodes a Packet envelope into its message.
func Unmarshal(data []byte) (Message, error) {
	var (
		id      PacketID
		payload []byte
	)
	err := walkFields(data, func(f field) error {
		switch f.num {
		case 1:
			v, err := f.int32()
			id = PacketID(v)
			return err
		case 2:
			body, err := f.bytes()
			payload = body
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	msg, ok := newMessage(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPacket, id)
	}
	if err := msg.decodeBody(payload); err != nil {
		return nil, fmt.Errorf("wire: decode packet %d: %w", id, err)
	}
	return msg, nil
}
