package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"time"
)

const (
	recordFormatVersionCurrent = 1

	// seqOffset is the 1-based position of Seq inside an encoded record; the
	// Redis scripts read it without decoding the rest.
	seqOffset = 2
)

// ErrRecordCorrupt is returned by Decode for truncated or unknown records.
var ErrRecordCorrupt = errors.New("credential record corrupt")

// Encode serializes r as:
//
//	version(1) seq(8) savedAt(8, unix micro) sidLen(1) sid accessLen(4) access refreshLen(4) refresh
//
// All integers are big-endian.
func Encode(r Record) ([]byte, error) {
	if !r.Pair.Complete() {
		return nil, ErrIncompletePair
	}
	if len(r.SessionID) > 255 {
		return nil, errors.New("sessionID too long")
	}
	if len(r.Pair.Access) > math.MaxUint32 || len(r.Pair.Refresh) > math.MaxUint32 {
		return nil, errors.New("token too long")
	}

	var buf bytes.Buffer
	buf.Grow(1 + 8 + 8 + 1 + len(r.SessionID) + 8 + len(r.Pair.Access) + len(r.Pair.Refresh))

	buf.WriteByte(recordFormatVersionCurrent)
	if err := binary.Write(&buf, binary.BigEndian, r.Seq); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, r.SavedAt.UnixMicro()); err != nil {
		return nil, err
	}

	buf.WriteByte(byte(len(r.SessionID)))
	buf.WriteString(r.SessionID)

	if err := binary.Write(&buf, binary.BigEndian, uint32(len(r.Pair.Access))); err != nil {
		return nil, err
	}
	buf.WriteString(r.Pair.Access)

	if err := binary.Write(&buf, binary.BigEndian, uint32(len(r.Pair.Refresh))); err != nil {
		return nil, err
	}
	buf.WriteString(r.Pair.Refresh)

	return buf.Bytes(), nil
}

// Decode parses a record produced by Encode.
func Decode(data []byte) (Record, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return Record{}, ErrRecordCorrupt
	}
	if version != recordFormatVersionCurrent {
		return Record{}, errors.New("invalid record version")
	}

	var r Record
	if err := binary.Read(reader, binary.BigEndian, &r.Seq); err != nil {
		return Record{}, ErrRecordCorrupt
	}
	var savedAt int64
	if err := binary.Read(reader, binary.BigEndian, &savedAt); err != nil {
		return Record{}, ErrRecordCorrupt
	}
	r.SavedAt = time.UnixMicro(savedAt)

	sidLen, err := reader.ReadByte()
	if err != nil {
		return Record{}, ErrRecordCorrupt
	}
	sid := make([]byte, sidLen)
	if _, err := io.ReadFull(reader, sid); err != nil {
		return Record{}, ErrRecordCorrupt
	}
	r.SessionID = string(sid)

	access, err := readString32(reader)
	if err != nil {
		return Record{}, err
	}
	refresh, err := readString32(reader)
	if err != nil {
		return Record{}, err
	}
	r.Pair = Pair{Access: access, Refresh: refresh}

	if reader.Len() != 0 || !r.Pair.Complete() {
		return Record{}, ErrRecordCorrupt
	}
	return r, nil
}

func readString32(reader *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
		return "", ErrRecordCorrupt
	}
	if int64(n) > int64(reader.Len()) {
		return "", ErrRecordCorrupt
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(reader, out); err != nil {
		return "", ErrRecordCorrupt
	}
	return string(out), nil
}
