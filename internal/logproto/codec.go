package logproto

import (
	"bytes"
	"encoding/json"
	"io"
)

// Decoder splits a worker byte stream on newlines and parses each complete
// line as one Record. Lines that fail to parse are surfaced as synthetic
// SYSTEM/runtime-parse-error records rather than discarded. A partial
// trailing line is buffered until the next chunk arrives.
type Decoder struct {
	buf []byte
}

// Decode consumes one chunk and returns the records completed by it, in
// write order.
func (d *Decoder) Decode(chunk []byte) []Record {
	d.buf = append(d.buf, chunk...)

	var records []Record
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			return records
		}
		line := d.buf[:idx]
		d.buf = d.buf[idx+1:]

		if rec, ok := parseLine(line); ok {
			records = append(records, rec)
		}
	}
}

// Flush parses any buffered partial line. Called once the stream has ended.
func (d *Decoder) Flush() []Record {
	if len(bytes.TrimSpace(d.buf)) == 0 {
		d.buf = nil
		return nil
	}
	line := d.buf
	d.buf = nil
	if rec, ok := parseLine(line); ok {
		return []Record{rec}
	}
	return nil
}

func parseLine(line []byte) (Record, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return Record{}, false
	}

	var rec Record
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		return parseError(string(line)), true
	}
	return rec, true
}

const readChunkSize = 4096

// Stream reads r to EOF, emitting each parsed record in arrival order.
// The emit callback runs on the calling goroutine.
func Stream(r io.Reader, emit func(Record)) error {
	var dec Decoder
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, rec := range dec.Decode(buf[:n]) {
				emit(rec)
			}
		}
		if err != nil {
			for _, rec := range dec.Flush() {
				emit(rec)
			}
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
