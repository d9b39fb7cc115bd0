package cache

import (
	"fmt"
	"strings"

	"github.com/pierrec/lz4/v4"

	"github.com/nitrojs/nitro/internal/cursor"
)

// Source describes where a candidate module's text lives, for both storing
// and looking up cache entries.
type Source struct {
	// Name is the display name of the containing script.
	Name string
	// Text is the script's full source text.
	Text string
	// Begin is the offset of the module within Text. The module's end is
	// not known at lookup time; it is recovered from the cached image.
	Begin uint32
	// BodyStart is the offset just past the optional directive prologue.
	BodyStart uint32
	Strict    bool
	// Dynamic marks Function-constructor modules. Their Text is exactly
	// the function body, so matching is anchored at both ends and the
	// parameter names participate in it.
	Dynamic    bool
	ParamNames []string
	// Installed sources come from preinstalled packages and get their own
	// key space, so a user script can never shadow an installed entry.
	Installed bool
}

// moduleRegion is the text from the module's start to the end of the
// script, the longest span the module can occupy.
func (s *Source) moduleRegion() string { return s.Text[s.Begin:] }

// moduleChars is the source block stored inside a cache entry. At lookup
// it is compared against the candidate source before the module image is
// trusted.
type moduleChars struct {
	dynamic    bool
	paramNames []string
	text       string
}

func moduleCharsForStore(src *Source, end uint32) moduleChars {
	return moduleChars{
		dynamic:    src.Dynamic,
		paramNames: append([]string(nil), src.ParamNames...),
		text:       src.Text[src.Begin:end],
	}
}

func (mc *moduleChars) match(src *Source) bool {
	if mc.dynamic != src.Dynamic {
		return false
	}
	if !mc.dynamic {
		return strings.HasPrefix(src.moduleRegion(), mc.text)
	}
	if len(mc.paramNames) != len(src.ParamNames) {
		return false
	}
	for i := range mc.paramNames {
		if mc.paramNames[i] != src.ParamNames[i] {
			return false
		}
	}
	return mc.text == src.Text
}

// The encoded block is a flags word, the parameter names for dynamic
// sources, and the LZ4-compressed text. A zero compressed length means the
// text was incompressible and is stored raw.

func (mc *moduleChars) encode() ([]byte, error) {
	var compressor lz4.Compressor
	dst := make([]byte, lz4.CompressBlockBound(len(mc.text)))
	n, err := compressor.CompressBlock([]byte(mc.text), dst)
	if err != nil {
		return nil, fmt.Errorf("compressing module chars: %w", err)
	}
	payload := dst[:n]
	if n == 0 || n >= len(mc.text) {
		n = 0
		payload = []byte(mc.text)
	}

	size := 4
	if mc.dynamic {
		size += 4
		for _, p := range mc.paramNames {
			size += cursor.SizeString(p, true)
		}
	}
	size += 8 + len(payload)

	buf := make([]byte, size)
	c := buf
	var flags uint32
	if mc.dynamic {
		flags |= 1
	}
	c = cursor.PutU32(c, flags)
	if mc.dynamic {
		c = cursor.PutU32(c, uint32(len(mc.paramNames)))
		for _, p := range mc.paramNames {
			c = cursor.PutString(c, p, true)
		}
	}
	c = cursor.PutU32(c, uint32(len(mc.text)))
	c = cursor.PutU32(c, uint32(n))
	cursor.PutBytes(c, payload)
	return buf, nil
}

func decodeModuleChars(c []byte) (moduleChars, []byte, error) {
	var mc moduleChars
	flags, c, err := cursor.U32(c)
	if err != nil {
		return mc, nil, err
	}
	mc.dynamic = flags&1 != 0
	if mc.dynamic {
		count, rest, err := cursor.U32(c)
		if err != nil {
			return mc, nil, err
		}
		c = rest
		if int64(count) > int64(len(c)) {
			return mc, nil, cursor.ErrTruncated
		}
		mc.paramNames = make([]string, count)
		for i := range mc.paramNames {
			if mc.paramNames[i], _, c, err = cursor.String(c); err != nil {
				return mc, nil, err
			}
		}
	}

	rawLen, c, err := cursor.U32(c)
	if err != nil {
		return mc, nil, err
	}
	compLen, c, err := cursor.U32(c)
	if err != nil {
		return mc, nil, err
	}
	if compLen == 0 {
		raw, c, err := cursor.Bytes(c, int(rawLen))
		if err != nil {
			return mc, nil, err
		}
		mc.text = string(raw)
		return mc, c, nil
	}
	comp, c, err := cursor.Bytes(c, int(compLen))
	if err != nil {
		return mc, nil, err
	}
	// LZ4 expands at most 255x, so a larger claimed raw length is corruption
	// rather than grounds for a huge allocation.
	if int64(rawLen) > int64(compLen)*256 {
		return mc, nil, cursor.ErrTruncated
	}
	raw := make([]byte, rawLen)
	n, err := lz4.UncompressBlock(comp, raw)
	if err != nil || n != int(rawLen) {
		return mc, nil, fmt.Errorf("decompressing module chars: %w", cursor.ErrTruncated)
	}
	mc.text = string(raw)
	return mc, c, nil
}
