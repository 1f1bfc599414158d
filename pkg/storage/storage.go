// Package storage is the crash-safe file-backed storage engine (§4.E):
// object-dictionary regions are registered by the caller as plain byte
// slices, verified against a trailing CRC-16/CCITT on load, and
// persisted through an atomic rename-based commit. The entry registry
// and memory-region ownership mirrors how the upstream stack treats OD
// sub-entries as raw byte spans (see od/entry.go's MemoryLock /
// RawWriteSet in the wider stack); the save/restore protocol itself has
// no direct upstream analogue since the original integration layer
// left persistence to the host application.
package storage

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sync"
	"time"

	"github.com/jonnyyang123/CANopenLinux/internal/crc"
	"github.com/jonnyyang123/CANopenLinux/pkg/coerrors"
	"github.com/jonnyyang123/CANopenLinux/pkg/colog"
)

// Attr is a bitmask of the behaviors an entry opts into.
type Attr uint8

const (
	Restore Attr = 1 << iota
	CmdSave
	AutoSave
)

// defaultsSentinel is written in place of a valid image when defaults
// have been explicitly requested (via RestoreDefaults) and not yet
// overwritten by a save.
const defaultsSentinel = "-\n"

// DefaultAutoSaveInterval is how often the orchestrator should call
// AutoSaveTick absent an explicit configuration.
const DefaultAutoSaveInterval = 60 * time.Second

// Entry is one registered, file-backed memory region.
type Entry struct {
	Path      string
	Data      []byte
	Attrs     Attr
	SubIndex  uint8
	mu        sync.Mutex
	file      *os.File // held open iff AutoSave and currently valid
	cachedCRC uint16
	corrupt   bool
}

// Engine owns every registered entry and the OD-lock discipline around
// serialization.
type Engine struct {
	odLock  *sync.Mutex
	entries []*Entry
}

// New returns an engine that serializes AutoSave writes under odLock
// (the same mutex guarding PDO/SYNC processing, per §5).
func New(odLock *sync.Mutex) *Engine {
	return &Engine{odLock: odLock}
}

// Register adds an entry backed by data (read on Init/AutoSaveTick,
// written on Save/restore). data's length is fixed for the entry's
// lifetime.
func (e *Engine) Register(path string, data []byte, attrs Attr, subIndex uint8) *Entry {
	entry := &Entry{Path: path, Data: data, Attrs: attrs, SubIndex: subIndex}
	e.entries = append(e.entries, entry)
	return entry
}

// Init attempts to open and validate every registered entry's file,
// returning a bitmask with bit (entry.SubIndex & 31) set for any entry
// that failed validation.
func (e *Engine) Init() (errMask uint32) {
	for _, entry := range e.entries {
		if err := e.initEntry(entry); err != nil {
			entry.corrupt = true
			errMask |= 1 << (entry.SubIndex & 31)
		}
	}
	return errMask
}

func (e *Engine) initEntry(entry *Entry) error {
	f, err := os.OpenFile(entry.Path, os.O_RDWR, 0o644)
	if os.IsNotExist(err) {
		return coerrors.DataCorrupt
	}
	if err != nil {
		return coerrors.WrapSyscall(err)
	}
	defer func() {
		if entry.Attrs&AutoSave == 0 {
			f.Close()
		}
	}()

	want := len(entry.Data) + 2
	buf := make([]byte, want)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return coerrors.WrapSyscall(err)
	}
	buf = buf[:n]

	if string(buf) == defaultsSentinel {
		entry.cachedCRC = crc.Of(entry.Data)
		if entry.Attrs&AutoSave != 0 {
			entry.file = f
		}
		return nil
	}

	if n != want {
		return coerrors.DataCorrupt
	}
	stored := binary.LittleEndian.Uint16(buf[len(entry.Data):])
	computed := crc.Of(buf[:len(entry.Data)])
	if stored != computed {
		return coerrors.DataCorrupt
	}

	copy(entry.Data, buf[:len(entry.Data)])
	entry.cachedCRC = computed
	if entry.Attrs&AutoSave != 0 {
		entry.file = f
	}
	return nil
}

// Save performs the crash-safe write for one entry: temp file, fsync,
// verify, rename old aside, rename temp into place.
func (e *Engine) Save(entry *Entry) error {
	tmpPath := entry.Path + ".tmp"
	oldPath := entry.Path + ".old"

	image := append(append([]byte(nil), entry.Data...), crcBytes(entry.Data)...)

	wf, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return coerrors.WrapSyscall(err)
	}
	if _, err := wf.Write(image); err != nil {
		wf.Close()
		return coerrors.WrapSyscall(err)
	}
	if err := wf.Sync(); err != nil {
		wf.Close()
		return coerrors.WrapSyscall(err)
	}
	if err := wf.Close(); err != nil {
		return coerrors.WrapSyscall(err)
	}
	tf, err := os.Open(tmpPath)
	if err != nil {
		return coerrors.WrapSyscall(err)
	}
	readBack, err := io.ReadAll(tf)
	tf.Close()
	if err != nil {
		return coerrors.WrapSyscall(err)
	}
	if !bytes.Equal(readBack, image) {
		return coerrors.DataCorrupt
	}

	_ = os.Rename(entry.Path, oldPath) // best-effort
	if err := os.Rename(tmpPath, entry.Path); err != nil {
		return coerrors.WrapSyscall(err)
	}
	entry.cachedCRC = crc.Of(entry.Data)
	entry.corrupt = false
	return nil
}

// RestoreDefaults implements the 0x1011 write: close the entry if
// auto-saving, rename the current file aside, write the sentinel so
// the next Init recognises "defaults requested".
func (e *Engine) RestoreDefaults(entry *Entry) error {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.file != nil {
		entry.file.Close()
		entry.file = nil
	}
	_ = os.Rename(entry.Path, entry.Path+".old")
	if err := os.WriteFile(entry.Path, []byte(defaultsSentinel), 0o644); err != nil {
		return coerrors.WrapSyscall(err)
	}
	return nil
}

// AutoSaveTick rewrites any AutoSave entry whose live CRC has diverged
// from its cached value, under the OD lock. Returns a per-entry error
// bitmask (bit SubIndex&31 set on write-length mismatch).
func (e *Engine) AutoSaveTick() (errMask uint32) {
	for _, entry := range e.entries {
		if entry.Attrs&AutoSave == 0 || entry.file == nil {
			continue
		}
		live := crc.Of(entry.Data)
		if live == entry.cachedCRC {
			continue
		}
		if err := e.writeAutoSave(entry, live); err != nil {
			errMask |= 1 << (entry.SubIndex & 31)
		}
	}
	return errMask
}

func (e *Engine) writeAutoSave(entry *Entry, liveCRC uint16) error {
	e.odLock.Lock()
	defer e.odLock.Unlock()

	if _, err := entry.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	image := append(append([]byte(nil), entry.Data...), crcBytes(entry.Data)...)
	n, err := entry.file.Write(image)
	if err != nil {
		return err
	}
	if n != len(image) {
		return coerrors.DataCorrupt
	}
	if err := entry.file.Sync(); err != nil {
		return err
	}
	entry.cachedCRC = liveCRC
	return nil
}

// Shutdown performs one forced save pass with handles closed
// afterward.
func (e *Engine) Shutdown() {
	for _, entry := range e.entries {
		if entry.Attrs&(CmdSave|AutoSave) != 0 {
			if err := e.Save(entry); err != nil {
				colog.Warnf("storage: shutdown save of %s failed: %v", entry.Path, err)
			}
		}
		entry.mu.Lock()
		if entry.file != nil {
			entry.file.Close()
			entry.file = nil
		}
		entry.mu.Unlock()
	}
}

func crcBytes(data []byte) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], crc.Of(data))
	return b[:]
}
