package wire

import (
	"github.com/wotw-multiverse/syncserver/model"
)

func appendUberID(b []byte, id model.UberStateID) []byte {
	w := EncodeID(id)
	b = appendInt32(b, 1, w.Group)
	return appendInt32(b, 2, w.State)
}

func decodeUberID(b []byte) (model.UberStateID, error) {
	var w UberID
	err := walkFields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			w.Group, err = f.int32()
		case 2:
			w.State, err = f.int32()
		}
		return err
	})
	if err != nil {
		return model.UberStateID{}, err
	}
	return DecodeID(w)
}

func (m *UberStateUpdateMessage) appendBody(b []byte) []byte {
	b = appendMessage(b, 1, appendUberID(nil, m.ID))
	return appendDouble(b, 2, EncodeValue(m.Value))
}

func (m *UberStateUpdateMessage) decodeBody(b []byte) error {
	seenID := false
	var raw float64
	err := walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			body, err := f.bytes()
			if err != nil {
				return err
			}
			m.ID, err = decodeUberID(body)
			seenID = err == nil
			return err
		case 2:
			var err error
			raw, err = f.double()
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !seenID {
		return ErrMissingField
	}
	m.Value = DecodeValue(raw)
	return nil
}

func (m *UberStateBatchUpdateMessage) appendBody(b []byte) []byte {
	for i := range m.Updates {
		b = appendMessage(b, 1, m.Updates[i].appendBody(nil))
	}
	return appendBool(b, 2, m.Resync)
}

func (m *UberStateBatchUpdateMessage) decodeBody(b []byte) error {
	return walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			body, err := f.bytes()
			if err != nil {
				return err
			}
			var u UberStateUpdateMessage
			if err := u.decodeBody(body); err != nil {
				return err
			}
			m.Updates = append(m.Updates, u)
		case 2:
			var err error
			m.Resync, err = f.bool()
			return err
		}
		return nil
	})
}

func (m *InitGameSyncMessage) appendBody(b []byte) []byte {
	for _, id := range m.UberStates {
		b = appendMessage(b, 1, appendUberID(nil, id))
	}
	return b
}

func (m *InitGameSyncMessage) decodeBody(b []byte) error {
	return walkFields(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		body, err := f.bytes()
		if err != nil {
			return err
		}
		id, err := decodeUberID(body)
		if err != nil {
			return err
		}
		m.UberStates = append(m.UberStates, id)
		return nil
	})
}

func (m *PrintTextMessage) appendBody(b []byte) []byte {
	b = appendInt32(b, 1, m.Frames)
	b = appendFloat(b, 2, m.YPos)
	return appendString(b, 3, m.Text)
}

func (m *PrintTextMessage) decodeBody(b []byte) error {
	return walkFields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			m.Frames, err = f.int32()
		case 2:
			m.YPos, err = f.float()
		case 3:
			m.Text, err = f.string()
		}
		return err
	})
}

func appendUserInfo(b []byte, u UserInfo) []byte {
	b = appendString(b, 1, u.ID)
	b = appendString(b, 2, u.Name)
	return appendString(b, 3, u.AvatarID)
}

func decodeUserInfo(b []byte) (UserInfo, error) {
	var u UserInfo
	err := walkFields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			u.ID, err = f.string()
		case 2:
			u.Name, err = f.string()
		case 3:
			u.AvatarID, err = f.string()
		}
		return err
	})
	return u, err
}

func decodeUserInfos(f field, into *[]UserInfo) error {
	body, err := f.bytes()
	if err != nil {
		return err
	}
	u, err := decodeUserInfo(body)
	if err != nil {
		return err
	}
	*into = append(*into, u)
	return nil
}

func appendWorldInfo(b []byte, w WorldInfo) []byte {
	b = appendInt64(b, 1, w.ID)
	b = appendString(b, 2, w.Name)
	for _, u := range w.Members {
		b = appendMessage(b, 3, appendUserInfo(nil, u))
	}
	return b
}

func decodeWorldInfo(b []byte) (WorldInfo, error) {
	var w WorldInfo
	err := walkFields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			w.ID, err = f.int64()
		case 2:
			w.Name, err = f.string()
		case 3:
			err = decodeUserInfos(f, &w.Members)
		}
		return err
	})
	return w, err
}

func appendUniverseInfo(b []byte, u UniverseInfo) []byte {
	b = appendInt64(b, 1, u.ID)
	b = appendString(b, 2, u.Name)
	for _, w := range u.Worlds {
		b = appendMessage(b, 3, appendWorldInfo(nil, w))
	}
	return b
}

func decodeUniverseInfo(b []byte) (UniverseInfo, error) {
	var u UniverseInfo
	err := walkFields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			u.ID, err = f.int64()
		case 2:
			u.Name, err = f.string()
		case 3:
			var body []byte
			if body, err = f.bytes(); err != nil {
				return err
			}
			var w WorldInfo
			if w, err = decodeWorldInfo(body); err != nil {
				return err
			}
			u.Worlds = append(u.Worlds, w)
		}
		return err
	})
	return u, err
}

func (m *MultiverseInfoMessage) appendBody(b []byte) []byte {
	b = appendInt64(b, 1, m.ID)
	for _, u := range m.Universes {
		b = appendMessage(b, 2, appendUniverseInfo(nil, u))
	}
	b = appendBool(b, 3, m.HasBingoBoard)
	for _, s := range m.Spectators {
		b = appendMessage(b, 4, appendUserInfo(nil, s))
	}
	return b
}

func (m *MultiverseInfoMessage) decodeBody(b []byte) error {
	return walkFields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			m.ID, err = f.int64()
		case 2:
			var body []byte
			if body, err = f.bytes(); err != nil {
				return err
			}
			var u UniverseInfo
			if u, err = decodeUniverseInfo(body); err != nil {
				return err
			}
			m.Universes = append(m.Universes, u)
		case 3:
			m.HasBingoBoard, err = f.bool()
		case 4:
			err = decodeUserInfos(f, &m.Spectators)
		}
		return err
	})
}

func (m *SyncBingoWorldsMessage) appendBody(b []byte) []byte {
	for _, w := range m.Worlds {
		body := appendInt64(nil, 1, w.WorldID)
		body = appendString(body, 3, w.Score)
		body = appendInt32(body, 4, w.Rank)
		body = appendInt32(body, 5, w.Squares)
		body = appendInt32(body, 6, w.Lines)
		b = appendMessage(b, 1, body)
	}
	return b
}

func (m *SyncBingoWorldsMessage) decodeBody(b []byte) error {
	return walkFields(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		body, err := f.bytes()
		if err != nil {
			return err
		}
		var w BingoWorldInfo
		err = walkFields(body, func(f field) error {
			var err error
			switch f.num {
			case 1:
				w.WorldID, err = f.int64()
			case 3:
				w.Score, err = f.string()
			case 4:
				w.Rank, err = f.int32()
			case 5:
				w.Squares, err = f.int32()
			case 6:
				w.Lines, err = f.int32()
			}
			return err
		})
		if err != nil {
			return err
		}
		m.Worlds = append(m.Worlds, w)
		return nil
	})
}

func (m *RequestUpdatesMessage) appendBody(b []byte) []byte {
	return appendString(b, 1, m.PlayerID)
}

func (m *RequestUpdatesMessage) decodeBody(b []byte) error {
	return walkFields(b, func(f field) error {
		var err error
		if f.num == 1 {
			m.PlayerID, err = f.string()
		}
		return err
	})
}

func (m *AuthenticateMessage) appendBody(b []byte) []byte {
	return appendString(b, 1, m.JWT)
}

func (m *AuthenticateMessage) decodeBody(b []byte) error {
	return walkFields(b, func(f field) error {
		var err error
		if f.num == 1 {
			m.JWT, err = f.string()
		}
		return err
	})
}

func (m *AuthenticatedMessage) appendBody(b []byte) []byte {
	b = appendMessage(b, 1, appendUserInfo(nil, m.User))
	b = appendInt32(b, 2, m.UDPID)
	return appendBytes(b, 3, m.UDPKey)
}

func (m *AuthenticatedMessage) decodeBody(b []byte) error {
	return walkFields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			var body []byte
			if body, err = f.bytes(); err != nil {
				return err
			}
			m.User, err = decodeUserInfo(body)
		case 2:
			m.UDPID, err = f.int32()
		case 3:
			var key []byte
			if key, err = f.bytes(); err == nil {
				m.UDPKey = append([]byte(nil), key...)
			}
		}
		return err
	})
}

func (m *PlayerPositionMessage) appendBody(b []byte) []byte {
	b = appendFloat(b, 1, m.X)
	return appendFloat(b, 2, m.Y)
}

func (m *PlayerPositionMessage) decodeBody(b []byte) error {
	return walkFields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			m.X, err = f.float()
		case 2:
			m.Y, err = f.float()
		}
		return err
	})
}

func (m *UpdatePlayerPositionMessage) appendBody(b []byte) []byte {
	b = appendString(b, 1, m.PlayerID)
	b = appendFloat(b, 2, m.X)
	return appendFloat(b, 3, m.Y)
}

func (m *UpdatePlayerPositionMessage) decodeBody(b []byte) error {
	return walkFields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			m.PlayerID, err = f.string()
		case 2:
			m.X, err = f.float()
		case 3:
			m.Y, err = f.float()
		}
		return err
	})
}
