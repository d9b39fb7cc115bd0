package cache

import (
	"bytes"
	"runtime"
	"runtime/debug"

	"github.com/nitrojs/nitro/internal/cursor"
	"github.com/nitrojs/nitro/internal/platform"
)

// machineID pins a cache entry to the processor and generator build that
// produced it. Entries are only usable on an identical machine; anything
// else is a miss.
type machineID struct {
	cpuID   uint32
	buildID []byte
}

func currentMachineID() (machineID, bool) {
	cpuID, ok := platform.CpuID()
	if !ok {
		return machineID{}, false
	}
	return machineID{cpuID: cpuID, buildID: currentBuildID()}, true
}

// currentBuildID identifies the build of the embedding process. The Go
// toolchain version alone is not enough, since the code generator ships
// inside the main module; its path and version pin it.
func currentBuildID() []byte {
	id := runtime.Version()
	if bi, ok := debug.ReadBuildInfo(); ok {
		id += "/" + bi.Main.Path + "@" + bi.Main.Version
	}
	return []byte(id)
}

func (m *machineID) serializedSize() int { return 4 + 4 + len(m.buildID) }

func (m *machineID) serialize(c []byte) []byte {
	c = cursor.PutU32(c, m.cpuID)
	c = cursor.PutU32(c, uint32(len(m.buildID)))
	return cursor.PutBytes(c, m.buildID)
}

func (m *machineID) deserialize(c []byte) ([]byte, error) {
	var err error
	if m.cpuID, c, err = cursor.U32(c); err != nil {
		return nil, err
	}
	n, c, err := cursor.U32(c)
	if err != nil {
		return nil, err
	}
	id, c, err := cursor.Bytes(c, int(n))
	if err != nil {
		return nil, err
	}
	m.buildID = append([]byte(nil), id...)
	return c, nil
}

func (m *machineID) equal(other *machineID) bool {
	return m.cpuID == other.cpuID && bytes.Equal(m.buildID, other.buildID)
}
