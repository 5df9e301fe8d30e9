package authority

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"
)

// IniStore persists authority Records as one ini section per RTU,
// fsync+rename on every Save so a crash mid-write never leaves a
// truncated file behind.
type IniStore struct {
	path string
}

// NewIniStore targets path as the epoch file. The file need not exist yet
// (Load returns an empty map in that case).
func NewIniStore(path string) *IniStore {
	return &IniStore{path: path}
}

func (s *IniStore) Load() (map[string]Record, error) {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return map[string]Record{}, nil
	}
	f, err := ini.Load(s.path)
	if err != nil {
		return nil, fmt.Errorf("authority: load %s: %w", s.path, err)
	}
	records := make(map[string]Record)
	for _, section := range f.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		records[section.Name()] = Record{
			StationName:   section.Name(),
			Epoch:         uint32(section.Key("epoch").MustUint(0)),
			State:         HolderState(section.Key("state").MustUint(uint(StateAutonomous))),
			Holder:        section.Key("holder").String(),
			RequestTimeMs: section.Key("request_time_ms").MustInt64(0),
			GrantTimeMs:   section.Key("grant_time_ms").MustInt64(0),
		}
	}
	return records, nil
}

func (s *IniStore) Save(records map[string]Record) error {
	f := ini.Empty()
	for station, r := range records {
		section, err := f.NewSection(station)
		if err != nil {
			return fmt.Errorf("authority: new section %s: %w", station, err)
		}
		section.Key("epoch").SetValue(fmt.Sprintf("%d", r.Epoch))
		section.Key("state").SetValue(fmt.Sprintf("%d", r.State))
		section.Key("holder").SetValue(r.Holder)
		section.Key("request_time_ms").SetValue(fmt.Sprintf("%d", r.RequestTimeMs))
		section.Key("grant_time_ms").SetValue(fmt.Sprintf("%d", r.GrantTimeMs))
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("authority: mkdir %s: %w", filepath.Dir(s.path), err)
	}
	if err := f.SaveTo(tmp); err != nil {
		return fmt.Errorf("authority: write %s: %w", tmp, err)
	}
	file, err := os.OpenFile(tmp, os.O_RDWR, 0o644)
	if err == nil {
		_ = file.Sync()
		_ = file.Close()
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("authority: rename %s to %s: %w", tmp, s.path, err)
	}
	return nil
}
