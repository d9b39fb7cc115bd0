// Package cache persists finished, unlinked modules across processes so
// that recompiling an unchanged source can be replaced by deserializing a
// machine-checked image. Entries are keyed by the module's source chars;
// everything else, the processor fingerprint, the stored source block, and
// the module image, is validated at lookup. A failed validation is a miss,
// never an error: the cache is an accelerator, not a source of truth.
package cache

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nitrojs/nitro/internal/cursor"
	"github.com/nitrojs/nitro/nativecode"
)

// Key is the 256-bit identifier assigned to each cache entry.
type Key = [sha256.Size]byte

// EntryStore is the host-provided backing store for serialized modules.
//
// Since these methods may be concurrently accessed, implementations must be
// goroutine-safe.
type EntryStore interface {
	// Get returns a reader over the content previously passed to Add
	// under the same key. In the not-found case it returns ok=false with
	// err=nil. The caller closes the returned content.
	Get(key Key) (content io.ReadCloser, ok bool, err error)
	// Add stores a new entry. The content must be returned as-is by Get.
	Add(key Key, content io.Reader) (err error)
	// Delete purges an entry whose content is no longer usable, for
	// example one produced by a different build.
	Delete(key Key) (err error)
}

func keyFor(src *Source) Key {
	h := sha256.New()
	tag := byte(0)
	if src.Installed {
		tag |= 1
	}
	if src.Dynamic {
		tag |= 2
	}
	h.Write([]byte{tag})
	io.WriteString(h, src.moduleRegion())
	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

// Store writes a cache entry for a finished module. The module must not be
// linked yet: the image has to carry the armed patch sentinels, not this
// process's addresses. Storing is best effort and reports success; a false
// return only means the next compile will not be accelerated.
func Store(store EntryStore, src *Source, m *nativecode.Module) bool {
	if !m.IsFinished() || m.IsStaticallyLinked() {
		panic("BUG: modules are cached after finish and before linking")
	}
	id, ok := currentMachineID()
	if !ok {
		return false
	}
	chars := moduleCharsForStore(src, m.SrcEndAfterCurly())
	encodedChars, err := chars.encode()
	if err != nil {
		return false
	}

	buf := make([]byte, id.serializedSize()+len(encodedChars)+m.SerializedSize())
	c := id.serialize(buf)
	c = cursor.PutBytes(c, encodedChars)
	m.Serialize(c)
	return store.Add(keyFor(src), bytes.NewReader(buf)) == nil
}

// Result is the outcome of a Lookup.
type Result struct {
	// Module is the deserialized, statically linked module on a hit, ready
	// for dynamic linking. Nil on a miss.
	Module *nativecode.Module
	Hit    bool
	// Corrupt reports that an entry existed but failed validation and was
	// purged. Still a miss.
	Corrupt bool
	// Report is a console-worthy note describing the hit.
	Report string
}

// Lookup tries to satisfy a compilation from the store. Every mismatch,
// wrong machine, changed source, truncated or corrupted image, is reported
// as a miss; the only errors returned are the store's own and executable
// memory exhaustion. canUseSignalHandlers must describe the current
// process, since an image built for fault-intercepted heap bounds cannot
// run without it.
func Lookup(store EntryStore, rt *nativecode.Runtime, src *Source, canUseSignalHandlers bool) (Result, error) {
	start := time.Now()

	id, ok := currentMachineID()
	if !ok {
		return Result{}, nil
	}
	key := keyFor(src)
	content, ok, err := store.Get(key)
	if err != nil || !ok {
		return Result{}, err
	}
	buf, err := io.ReadAll(content)
	content.Close()
	if err != nil {
		return Result{}, err
	}

	var storedID machineID
	c, err := storedID.deserialize(buf)
	if err != nil {
		return purge(store, key), nil
	}
	if !storedID.equal(&id) {
		// Produced by another build or processor. Purge rather than let a
		// stale entry shadow this machine's slot forever.
		_ = store.Delete(key)
		return Result{}, nil
	}

	chars, c, err := decodeModuleChars(c)
	if err != nil {
		return purge(store, key), nil
	}
	if !chars.match(src) {
		return Result{}, nil
	}

	m := nativecode.NewModule(src.Name, src.Begin, src.BodyStart, src.Strict, canUseSignalHandlers)
	rest, err := m.Deserialize(c)
	if err != nil {
		if errors.Is(err, cursor.ErrTruncated) {
			return purge(store, key), nil
		}
		return Result{}, err
	}
	if len(rest) != 0 {
		m.Destroy()
		return purge(store, key), nil
	}
	if m.Strict() != src.Strict || m.UsesSignalHandlersForBounds() != canUseSignalHandlers {
		m.Destroy()
		_ = store.Delete(key)
		return Result{}, nil
	}

	m.StaticallyLink(rt)
	return Result{
		Module: m,
		Hit:    true,
		Report: fmt.Sprintf("loaded from cache in %dms", time.Since(start).Milliseconds()),
	}, nil
}

func purge(store EntryStore, key Key) Result {
	_ = store.Delete(key)
	return Result{Corrupt: true}
}
