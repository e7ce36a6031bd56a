package file

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/bobg/keeper"
)

var magic = []byte("KPR1")

// A record is magic, the uvarint length of the serialized metadata,
// the serialized metadata, and the content.

func writeHeader(w io.Writer, meta keeper.Metadata) error {
	mb, err := keeper.MarshalMetadata(meta)
	if err != nil {
		return err
	}
	var lenbuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenbuf[:], uint64(len(mb)))

	for _, b := range [][]byte{magic, lenbuf[:n], mb} {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}

func decodeRecord(rec []byte) (keeper.Metadata, []byte, error) {
	if !bytes.HasPrefix(rec, magic) {
		return nil, nil, errors.New("bad magic number")
	}
	rest := rec[len(magic):]
	metaLen, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, nil, errors.New("bad metadata length")
	}
	rest = rest[n:]
	if metaLen > uint64(len(rest)) {
		return nil, nil, errors.Errorf("metadata length %d exceeds record", metaLen)
	}
	meta, err := keeper.UnmarshalMetadata(rest[:metaLen])
	if err != nil {
		return nil, nil, err
	}
	return meta, rest[metaLen:], nil
}
