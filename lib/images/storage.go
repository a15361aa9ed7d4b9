package images

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/onkernel/hypestack/lib/paths"
)

// writeRecord writes a build record atomically using temp file + rename.
func writeRecord(p *paths.Paths, img *Image) error {
	dir := p.BuildsDir(img.Unit)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create builds directory: %w", err)
	}

	data, err := json.MarshalIndent(img, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal build record: %w", err)
	}

	finalPath := p.BuildRecord(img.Unit, img.Service)
	tempPath := finalPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp build record: %w", err)
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename build record: %w", err)
	}
	return nil
}

// readRecord reads the build record of one service.
func readRecord(p *paths.Paths, unit, service string) (*Image, error) {
	data, err := os.ReadFile(p.BuildRecord(unit, service))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read build record: %w", err)
	}

	var img Image
	if err := json.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("unmarshal build record: %w", err)
	}
	return &img, nil
}

// listRecords returns the records of one unit, or of every unit when unit is
// empty, sorted by unit then service.
func listRecords(p *paths.Paths, unit string) ([]*Image, error) {
	units := []string{unit}
	if unit == "" {
		entries, err := os.ReadDir(p.UnitsDir())
		if err != nil {
			if os.IsNotExist(err) {
				return []*Image{}, nil
			}
			return nil, fmt.Errorf("read units directory: %w", err)
		}
		units = units[:0]
		for _, e := range entries {
			if e.IsDir() {
				units = append(units, e.Name())
			}
		}
	}

	var out []*Image
	for _, u := range units {
		entries, err := os.ReadDir(p.BuildsDir(u))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read builds directory: %w", err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || filepath.Ext(name) != ".json" {
				continue
			}
			img, err := readRecord(p, u, strings.TrimSuffix(name, ".json"))
			if err != nil {
				// Skip unreadable records rather than failing the listing
				continue
			}
			out = append(out, img)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Unit != out[j].Unit {
			return out[i].Unit < out[j].Unit
		}
		return out[i].Service < out[j].Service
	})
	return out, nil
}

// deleteRecords removes every build record of a unit.
func deleteRecords(p *paths.Paths, unit string) error {
	if err := os.RemoveAll(p.BuildsDir(unit)); err != nil {
		return fmt.Errorf("remove builds directory: %w", err)
	}
	return nil
}
