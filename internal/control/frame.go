package control

import "encoding/binary"

// encodeSnapshotFrame tags a binary snapshot payload with the session id it
// belongs to, so one WebSocket connection can multiplex many subscribed
// sessions: 2-byte big-endian session id length, the id itself, then the
// raw terminal.Snapshot.SerializeToBinary() payload. The format is scoped
// to this aggregator's own wire protocol (spec §4.G leaves multi-session
// framing on one connection to the implementation) and is reused verbatim
// when an HQ forwards a remote's snapshot on to its own clients.
func encodeSnapshotFrame(sessionID string, payload []byte) []byte {
	buf := make([]byte, 2+len(sessionID)+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(sessionID)))
	copy(buf[2:], sessionID)
	copy(buf[2+len(sessionID):], payload)
	return buf
}

// decodeSnapshotFrame reverses encodeSnapshotFrame.
func decodeSnapshotFrame(data []byte) (sessionID string, payload []byte, ok bool) {
	if len(data) < 2 {
		return "", nil, false
	}
	idLen := int(binary.BigEndian.Uint16(data[0:2]))
	if len(data) < 2+idLen {
		return "", nil, false
	}
	return string(data[2 : 2+idLen]), data[2+idLen:], true
}
