package proto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Stream links carry frames as length-prefixed records.
const MaxRecordSize = 1 << 17

func EncodeRecord(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if len(payload) > MaxRecordSize {
		return nil, fmt.Errorf("payload too large")
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

func ReadRecord(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxRecordSize {
		return nil, fmt.Errorf("invalid record size")
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func WriteRecord(w io.Writer, payload []byte) error {
	rec, err := EncodeRecord(payload)
	if err != nil {
		return err
	}
	total := 0
	for total < len(rec) {
		n, err := w.Write(rec[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short write")
		}
		total += n
	}
	return nil
}
