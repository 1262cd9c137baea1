package parts

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// maxZeroRun is the longest run of zero bytes a single run-length pair encodes.
const maxZeroRun = 250

// Bitmask records which parts of a file are ready, one bit per part id,
// least significant bit first within each byte. Trailing zero bytes are
// never stored, so two masks with the same ready parts compare equal.
type Bitmask struct {
	data []byte
}

// NewBitmask returns a mask with the given parts set.
func NewBitmask(ids ...int32) Bitmask {
	var b Bitmask
	for _, id := range ids {
		b.Set(id)
	}
	return b
}

// Set marks part id as ready.
func (b *Bitmask) Set(id int32) {
	if id < 0 {
		return
	}
	pos := int(id / 8)
	if pos >= len(b.data) {
		grown := make([]byte, pos+1)
		copy(grown, b.data)
		b.data = grown
	}
	b.data[pos] |= 1 << uint(id%8)
}

// Get reports whether part id is ready.
func (b Bitmask) Get(id int32) bool {
	if id < 0 {
		return false
	}
	pos := int(id / 8)
	if pos >= len(b.data) {
		return false
	}
	return b.data[pos]&(1<<uint(id%8)) != 0
}

// Len returns one past the highest ready part id.
func (b Bitmask) Len() int32 {
	for i := len(b.data) - 1; i >= 0; i-- {
		if b.data[i] == 0 {
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if b.data[i]&(1<<uint(bit)) != 0 {
				return int32(i*8 + bit + 1)
			}
		}
	}
	return 0
}

// ReadyParts lists the ready part ids in ascending order.
func (b Bitmask) ReadyParts() []int32 {
	var ids []int32
	for id := int32(0); id < b.Len(); id++ {
		if b.Get(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// ReadyPrefixCount returns how many parts starting at from are ready without a gap.
func (b Bitmask) ReadyPrefixCount(from int32) int32 {
	n := int32(0)
	for b.Get(from + n) {
		n++
	}
	return n
}

// ReadyPrefixSize returns how many bytes starting at offset are covered by
// consecutive ready parts. fileSize of 0 means the size is unknown.
func (b Bitmask) ReadyPrefixSize(offset, partSize, fileSize int64) int64 {
	if offset < 0 || partSize <= 0 {
		return 0
	}
	offsetPart := offset / partSize
	ones := b.ReadyPrefixCount(int32(offsetPart))
	if ones == 0 {
		return 0
	}
	end := (offsetPart + int64(ones)) * partSize
	if fileSize != 0 && end > fileSize {
		end = fileSize
		if offset > fileSize {
			offset = fileSize
		}
	}
	return end - offset
}

// Encode serializes the mask. When prefixCount is not negative only the
// first prefixCount parts are kept.
func (b Bitmask) Encode(prefixCount int32) []byte {
	data := b.data
	if prefixCount >= 0 {
		keep := int((prefixCount + 7) / 8)
		if keep < len(data) {
			data = data[:keep]
		}
		data = append([]byte(nil), data...)
		if rem := prefixCount % 8; rem != 0 && int(prefixCount/8) < len(data) {
			data[prefixCount/8] &= byte(1<<uint(rem)) - 1
		}
	}
	return zeroEncode(trimZeros(data))
}

// DecodeBitmask parses an encoded mask. When partCount is not negative a mask
// that marks parts at or beyond partCount is rejected.
func DecodeBitmask(encoded []byte, partCount int32) (Bitmask, error) {
	data, err := zeroDecode(encoded)
	if err != nil {
		return Bitmask{}, err
	}
	b := Bitmask{data: trimZeros(data)}
	if partCount >= 0 && b.Len() > partCount {
		return Bitmask{}, errors.Wrapf(ErrInvalidBitmask, "mask covers %d parts, file has %d", b.Len(), partCount)
	}
	return b, nil
}

// String renders the ready parts as ranges, e.g. "0-3,7".
func (b Bitmask) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	first := true
	n := b.Len()
	for id := int32(0); id < n; {
		if !b.Get(id) {
			id++
			continue
		}
		end := id
		for end+1 < n && b.Get(end+1) {
			end++
		}
		if !first {
			sb.WriteByte(',')
		}
		first = false
		sb.WriteString(strconv.Itoa(int(id)))
		if end > id {
			sb.WriteByte('-')
			sb.WriteString(strconv.Itoa(int(end)))
		}
		id = end + 1
	}
	sb.WriteByte(']')
	return sb.String()
}

func trimZeros(data []byte) []byte {
	for len(data) > 0 && data[len(data)-1] == 0 {
		data = data[:len(data)-1]
	}
	if len(data) == 0 {
		return nil
	}
	return data
}

// zeroEncode replaces every run of zero bytes with a zero byte followed by
// the run length.
func zeroEncode(data []byte) []byte {
	var out []byte
	for i := 0; i < len(data); i++ {
		c := data[i]
		out = append(out, c)
		if c != 0 {
			continue
		}
		n := 1
		for i+1 < len(data) && data[i+1] == 0 && n < maxZeroRun {
			i++
			n++
		}
		out = append(out, byte(n))
	}
	return out
}

func zeroDecode(data []byte) ([]byte, error) {
	var out []byte
	for i := 0; i < len(data); i++ {
		c := data[i]
		if c != 0 {
			out = append(out, c)
			continue
		}
		if i+1 == len(data) || data[i+1] == 0 {
			return nil, errors.Wrap(ErrInvalidBitmask, "truncated zero run")
		}
		i++
		for n := data[i]; n > 0; n-- {
			out = append(out, 0)
		}
	}
	return out, nil
}
