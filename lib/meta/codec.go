package meta

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Constants for the table file format
const (
	magicNum     = "COALSMT\x00" // File format identifier
	codecVersion = 1             // Table format version
)

// header is the fixed-size prefix of the table file. capacity is written
// once by the creating process; used and generation change on every
// committed transaction.
type header struct {
	capacity   uint64
	used       uint64
	generation uint64
	count      uint64
}

// --------------------------------------------------------------------------
// Encoding
// --------------------------------------------------------------------------

// encodeTable serializes the header and records. Records are written in
// whatever order the caller supplies; order carries no meaning on disk.
func encodeTable(w io.Writer, hdr header, records []ObjectRecord) error {
	bw := bufio.NewWriter(w)

	if _, err := bw.WriteString(magicNum); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint8(codecVersion)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, hdr.capacity); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, hdr.used); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, hdr.generation); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(records))); err != nil {
		return err
	}

	for _, rec := range records {
		if err := writeString(bw, rec.ID); err != nil {
			return err
		}
		if err := writeString(bw, rec.SegmentName); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, rec.Size); err != nil {
			return err
		}
		sealed := uint8(0)
		if rec.Sealed {
			sealed = 1
		}
		if err := binary.Write(bw, binary.LittleEndian, sealed); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, rec.RefCount); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, rec.CreatedAt); err != nil {
			return err
		}
	}

	return bw.Flush()
}

// --------------------------------------------------------------------------
// Decoding
// --------------------------------------------------------------------------

// decodeHeader reads and validates the fixed-size file header.
func decodeHeader(r io.Reader) (header, error) {
	var hdr header

	magicBytes := make([]byte, len(magicNum))
	if _, err := io.ReadFull(r, magicBytes); err != nil {
		return hdr, err
	}
	if string(magicBytes) != magicNum {
		return hdr, fmt.Errorf("invalid table format: magic number mismatch")
	}

	var version uint8
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return hdr, err
	}
	if int(version) != codecVersion {
		return hdr, fmt.Errorf("unsupported table version: %d (expected %d)", version, codecVersion)
	}

	if err := binary.Read(r, binary.LittleEndian, &hdr.capacity); err != nil {
		return hdr, err
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr.used); err != nil {
		return hdr, err
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr.generation); err != nil {
		return hdr, err
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr.count); err != nil {
		return hdr, err
	}

	return hdr, nil
}

// decodeRecords reads hdr.count records following the header.
func decodeRecords(r io.Reader, count uint64) (map[string]*ObjectRecord, error) {
	records := make(map[string]*ObjectRecord, count)

	for i := uint64(0); i < count; i++ {
		var rec ObjectRecord
		var err error

		if rec.ID, err = readString(r); err != nil {
			return nil, err
		}
		if rec.SegmentName, err = readString(r); err != nil {
			return nil, err
		}
		if err = binary.Read(r, binary.LittleEndian, &rec.Size); err != nil {
			return nil, err
		}
		var sealed uint8
		if err = binary.Read(r, binary.LittleEndian, &sealed); err != nil {
			return nil, err
		}
		rec.Sealed = sealed != 0
		if err = binary.Read(r, binary.LittleEndian, &rec.RefCount); err != nil {
			return nil, err
		}
		if err = binary.Read(r, binary.LittleEndian, &rec.CreatedAt); err != nil {
			return nil, err
		}

		records[rec.ID] = &rec
	}

	return records, nil
}

// --------------------------------------------------------------------------
// String helpers (length-prefixed)
// --------------------------------------------------------------------------

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
