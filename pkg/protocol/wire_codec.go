package protocol

import (
	"encoding/binary"
	"encoding/json"
	"math"
)

const (
	wireVersion    byte = 1
	wireHeaderSize int  = 27
)

const (
	// Поток кадра передаётся под токеном из заголовка
	flagStream byte = 1 << iota
	// Последний кадр stream_data; непустой Error обрывает поток
	flagStreamEnd
)

type wireFrame struct {
	*Frame
	token uint32
	flags byte
}

func encodeWireMessage(wf wireFrame) ([]byte, error) {
	methodBytes := []byte(wf.Method)
	errorBytes := []byte(wf.Error)
	payloadBytes := wf.Payload

	if len(methodBytes) > math.MaxUint16 || len(errorBytes) > math.MaxUint16 ||
		uint64(len(payloadBytes)) > math.MaxUint32 {
		return nil, ErrFrameTooLarge
	}

	total := wireHeaderSize + len(methodBytes) + len(errorBytes) + len(payloadBytes)

	frame := make([]byte, total)
	frame[0] = wireVersion
	frame[1] = byte(wf.Type)
	frame[2] = wf.flags
	binary.BigEndian.PutUint64(frame[3:11], wf.Seq)
	binary.BigEndian.PutUint32(frame[11:15], uint32(wf.ID))
	binary.BigEndian.PutUint32(frame[15:19], wf.token)
	binary.BigEndian.PutUint16(frame[19:21], uint16(len(methodBytes)))
	binary.BigEndian.PutUint16(frame[21:23], uint16(len(errorBytes)))
	binary.BigEndian.PutUint32(frame[23:27], uint32(len(payloadBytes)))

	offset := wireHeaderSize
	copy(frame[offset:], methodBytes)
	offset += len(methodBytes)
	copy(frame[offset:], errorBytes)
	offset += len(errorBytes)
	copy(frame[offset:], payloadBytes)

	return frame, nil
}

func decodeWireMessage(data []byte) (wireFrame, error) {
	if len(data) == 0 {
		return wireFrame{}, ErrInvalidWireMessage
	}

	if data[0] == '{' {
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			return wireFrame{}, err
		}

		return wireFrame{Frame: &f}, nil
	}

	if len(data) < wireHeaderSize || data[0] != wireVersion {
		return wireFrame{}, ErrInvalidWireMessage
	}

	typ := FrameType(data[1])
	if typ < FrameCommand || typ > FrameStreamData {
		return wireFrame{}, ErrInvalidWireMessage
	}

	flags := data[2]
	seq := binary.BigEndian.Uint64(data[3:11])
	id := OperationID(int32(binary.BigEndian.Uint32(data[11:15])))
	token := binary.BigEndian.Uint32(data[15:19])
	methodLen := int(binary.BigEndian.Uint16(data[19:21]))
	errorLen := int(binary.BigEndian.Uint16(data[21:23]))
	payloadLen := int(binary.BigEndian.Uint32(data[23:27]))

	offset := wireHeaderSize
	total := wireHeaderSize + methodLen + errorLen + payloadLen
	if total != len(data) {
		return wireFrame{}, ErrInvalidWireMessage
	}

	method := string(data[offset : offset+methodLen])
	offset += methodLen
	errText := string(data[offset : offset+errorLen])
	offset += errorLen

	var payload json.RawMessage
	if payloadLen > 0 {
		payload = json.RawMessage(data[offset : offset+payloadLen])
	}

	return wireFrame{
		Frame: &Frame{
			Type:    typ,
			Seq:     seq,
			ID:      id,
			Method:  method,
			Payload: payload,
			Error:   errText,
		},
		token: token,
		flags: flags,
	}, nil
}
