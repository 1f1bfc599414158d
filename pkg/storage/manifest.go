// Manifest loading for the storage engine, using gopkg.in/ini.v1 the
// same way the wider CANopen stack's ParseEDS/od_parser.go use it to
// read colon-delimited EDS sections — here redirected from the object
// dictionary (out of scope) to declaring which byte regions get
// persisted. A manifest section looks like:
//
//	[1010sub1]
//	Path=/var/lib/conode/od-1010-1.dat
//	Attrs=CmdSave,AutoSave
//	SubIndex=1
package storage

import (
	"fmt"
	"strings"

	"gopkg.in/ini.v1"
)

// ManifestEntry describes one storage region declared in a manifest
// file, before the caller supplies the actual backing byte slice.
type ManifestEntry struct {
	Name     string
	Path     string
	Attrs    Attr
	SubIndex uint8
}

// LoadManifest parses a manifest file into a declaration list. The
// caller still calls Engine.Register for each entry, supplying the
// live memory region the manifest can't know about.
func LoadManifest(path string) ([]ManifestEntry, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("storage: load manifest %s: %w", path, err)
	}

	var entries []ManifestEntry
	for _, section := range f.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		attrs, err := parseAttrs(section.Key("Attrs").String())
		if err != nil {
			return nil, fmt.Errorf("storage: manifest section %s: %w", section.Name(), err)
		}
		subIndex, err := section.Key("SubIndex").Int()
		if err != nil {
			return nil, fmt.Errorf("storage: manifest section %s: invalid SubIndex: %w", section.Name(), err)
		}
		entries = append(entries, ManifestEntry{
			Name:     section.Name(),
			Path:     section.Key("Path").String(),
			Attrs:    attrs,
			SubIndex: uint8(subIndex),
		})
	}
	return entries, nil
}

func parseAttrs(raw string) (Attr, error) {
	var attrs Attr
	if raw == "" {
		return 0, nil
	}
	for _, tok := range strings.Split(raw, ",") {
		switch strings.TrimSpace(tok) {
		case "Restore":
			attrs |= Restore
		case "CmdSave":
			attrs |= CmdSave
		case "AutoSave":
			attrs |= AutoSave
		default:
			return 0, fmt.Errorf("unknown attribute %q", tok)
		}
	}
	return attrs, nil
}
