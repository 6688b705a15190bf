package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/goccy/go-json"
)

// Entry is one F32 tensor to be written by Write.
type Entry struct {
	Name  string
	Shape []int
	Data  []float32
}

// Write serialises entries as a safetensors container with F32 payloads laid
// out in slice order, so Names on the result reproduces the entry order.
func Write(w io.Writer, entries []Entry, metadata map[string]string) error {
	header := make(map[string]any, len(entries)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var off int64
	for _, e := range entries {
		n, err := numElements(e.Shape)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", e.Name, err)
		}
		if n != len(e.Data) {
			return fmt.Errorf("tensor %s: shape %v wants %d values, have %d", e.Name, e.Shape, n, len(e.Data))
		}
		if _, dup := header[e.Name]; dup || e.Name == metadataKey {
			return fmt.Errorf("tensor %s: duplicate or reserved name", e.Name)
		}
		end := off + int64(n)*4
		header[e.Name] = tensorHeader{DType: "F32", Shape: e.Shape, DataOffsets: []int64{off, end}}
		off = end
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return err
	}
	// Pad the header with spaces so the payload starts 8-byte aligned.
	for (8+len(headerBytes))%8 != 0 {
		headerBytes = append(headerBytes, ' ')
	}

	bw := bufio.NewWriter(w)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := bw.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := bw.Write(headerBytes); err != nil {
		return err
	}
	var buf [4]byte
	for _, e := range entries {
		for _, v := range e.Data {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
			if _, err := bw.Write(buf[:]); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// WriteFile is Write to a newly created file at path.
func WriteFile(path string, entries []Entry, metadata map[string]string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return Write(f, entries, metadata)
}
