package bb84

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/qkdlab/bb84sim/bb84/photon"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the protobuf wire encoding of a photon.Record.
const (
	fieldIndex          protowire.Number = 1
	fieldABit           protowire.Number = 2
	fieldABasis         protowire.Number = 3
	fieldEveIntercepted protowire.Number = 4
	fieldEveBasis       protowire.Number = 5
	fieldEveMeas        protowire.Number = 6
	fieldEveResendBit   protowire.Number = 7
	fieldEveResendBasis protowire.Number = 8
	fieldBBasis         protowire.Number = 9
	fieldBDetected      protowire.Number = 10
	fieldBMeas          protowire.Number = 11
	fieldMatch          protowire.Number = 12
)

// maxRecordSize bounds the frames a RecordReader accepts.
const maxRecordSize = 1 << 10

// A RecordWriter writes framed records to the wire. The structure of a frame
// is trivial: int32 little-endian length | protobuf-encoded record.
type RecordWriter struct {
	w   io.Writer
	buf []byte
	err error
}

// NewRecordWriter returns a RecordWriter writing to w.
func NewRecordWriter(w io.Writer) *RecordWriter {
	return &RecordWriter{w: w}
}

// Write writes a single record.
func (rw *RecordWriter) Write(rec photon.Record) error {
	rw.buf = marshalRecord(rw.buf[:0], rec)
	if err := binary.Write(rw.w, binary.LittleEndian, int32(len(rw.buf))); err != nil {
		return err
	}
	_, err := rw.w.Write(rw.buf)
	return err
}

// Observe implements the Observer interface, so a RecordWriter can log a
// session as it runs. Write errors are remembered and returned by Err.
func (rw *RecordWriter) Observe(rec photon.Record) {
	if rw.err != nil {
		return
	}
	rw.err = rw.Write(rec)
}

// Err returns the first error encountered while observing records.
func (rw *RecordWriter) Err() error {
	return rw.err
}

// A RecordReader reads records framed by a RecordWriter.
type RecordReader struct {
	r     *bufio.Reader
	count int
}

// NewRecordReader returns a RecordReader reading from r.
func NewRecordReader(r io.Reader) *RecordReader {
	return &RecordReader{r: bufio.NewReader(r)}
}

// Read reads the next record. It returns io.EOF once the input is cleanly
// exhausted.
func (rr *RecordReader) Read() (photon.Record, error) {
	var n int32
	if err := binary.Read(rr.r, binary.LittleEndian, &n); err != nil {
		if errors.Is(err, io.EOF) {
			return photon.Record{}, io.EOF
		}
		return photon.Record{}, fmt.Errorf("reading record %d: %w", rr.count+1, err)
	}
	if n < 0 || n > maxRecordSize {
		return photon.Record{}, fmt.Errorf("reading record %d: invalid frame length %d", rr.count+1, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(rr.r, b); err != nil {
		return photon.Record{}, fmt.Errorf("reading record %d: %w", rr.count+1, err)
	}
	rec, err := unmarshalRecord(b)
	if err != nil {
		return photon.Record{}, fmt.Errorf("decoding record %d: %w", rr.count+1, err)
	}
	rr.count++
	return rec, nil
}

// ReadAll reads the log of a session until the input is exhausted. The
// records must carry the indices 1..n in order, so truncated, reordered or
// concatenated logs are rejected.
func (rr *RecordReader) ReadAll() ([]photon.Record, error) {
	var recs []photon.Record
	for {
		rec, err := rr.Read()
		if err == io.EOF {
			return recs, nil
		}
		if err != nil {
			return recs, err
		}
		if want := len(recs) + 1; rec.Index != want {
			return recs, fmt.Errorf("record %d has index %d: session log is not contiguous", want, rec.Index)
		}
		recs = append(recs, rec)
	}
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendUint(b, num, protowire.EncodeBool(v))
}

func marshalRecord(b []byte, rec photon.Record) []byte {
	b = appendUint(b, fieldIndex, uint64(rec.Index))
	b = appendUint(b, fieldABit, uint64(rec.ABit))
	b = appendUint(b, fieldABasis, uint64(rec.ABasis))
	if rec.Eve.Intercepted {
		b = appendBool(b, fieldEveIntercepted, true)
		b = appendUint(b, fieldEveBasis, uint64(rec.Eve.Basis))
		b = appendUint(b, fieldEveMeas, uint64(rec.Eve.Measured))
		b = appendUint(b, fieldEveResendBit, uint64(rec.Eve.ResendBit))
		b = appendUint(b, fieldEveResendBasis, uint64(rec.Eve.ResendBasis))
	}
	b = appendUint(b, fieldBBasis, uint64(rec.BBasis))
	if bit, ok := rec.BMeas.Bit(); ok {
		b = appendBool(b, fieldBDetected, true)
		b = appendUint(b, fieldBMeas, uint64(bit))
	}
	b = appendBool(b, fieldMatch, rec.Match)
	return b
}

func unmarshalRecord(b []byte) (photon.Record, error) {
	var (
		rec      photon.Record
		eve      photon.Interception
		detected bool
		bMeas    photon.Bit
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return photon.Record{}, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return photon.Record{}, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return photon.Record{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldIndex:
			rec.Index = int(v)
		case fieldABit:
			rec.ABit = photon.Bit(v & 1)
		case fieldABasis:
			rec.ABasis = photon.Basis(v & 1)
		case fieldEveIntercepted:
			eve.Intercepted = protowire.DecodeBool(v)
		case fieldEveBasis:
			eve.Basis = photon.Basis(v & 1)
		case fieldEveMeas:
			eve.Measured = photon.Bit(v & 1)
		case fieldEveResendBit:
			eve.ResendBit = photon.Bit(v & 1)
		case fieldEveResendBasis:
			eve.ResendBasis = photon.Basis(v & 1)
		case fieldBBasis:
			rec.BBasis = photon.Basis(v & 1)
		case fieldBDetected:
			detected = protowire.DecodeBool(v)
		case fieldBMeas:
			bMeas = photon.Bit(v & 1)
		case fieldMatch:
			rec.Match = protowire.DecodeBool(v)
		}
	}
	if eve.Intercepted {
		rec.Eve = eve
	}
	if detected {
		rec.BMeas = photon.Detected(bMeas)
	} else {
		rec.BMeas = photon.Lost()
	}
	return rec, nil
}
