// Package inventory keeps the set of item names the store expects at checkout.
package inventory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Normalize lower-cases and trims an item name for set membership
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Inventory is a concurrency-safe set of normalized item names
type Inventory struct {
	mu    sync.RWMutex
	names []string
	set   map[string]struct{}
}

// New builds an inventory from raw item names
func New(names []string) *Inventory {
	inv := &Inventory{}
	inv.Replace(names)
	return inv
}

// Load reads a JSON or YAML list of item names
func Load(path string) (*Inventory, error) {
	names, err := readNames(path)
	if err != nil {
		return nil, err
	}
	return New(names), nil
}

// Reload replaces the contents with the list stored at path
func (inv *Inventory) Reload(path string) error {
	names, err := readNames(path)
	if err != nil {
		return err
	}
	inv.Replace(names)
	return nil
}

// Replace swaps the whole set
func (inv *Inventory) Replace(names []string) {
	set := make(map[string]struct{}, len(names))
	kept := make([]string, 0, len(names))
	for _, n := range names {
		key := Normalize(n)
		if key == "" {
			continue
		}
		if _, dup := set[key]; dup {
			continue
		}
		set[key] = struct{}{}
		kept = append(kept, strings.TrimSpace(n))
	}

	inv.mu.Lock()
	inv.names = kept
	inv.set = set
	inv.mu.Unlock()
}

// Contains reports whether name is in the inventory, ignoring case and surrounding spaces
func (inv *Inventory) Contains(name string) bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	_, ok := inv.set[Normalize(name)]
	return ok
}

// Names returns the item names in file order
func (inv *Inventory) Names() []string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return append([]string(nil), inv.names...)
}

// Len returns the number of distinct items
func (inv *Inventory) Len() int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return len(inv.set)
}

func readNames(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not load %s: %w", path, err)
	}

	var names []string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &names)
	default:
		err = json.Unmarshal(data, &names)
	}
	if err != nil {
		return nil, fmt.Errorf("could not parse %s: %w", path, err)
	}
	return names, nil
}

// Diff returns the normalized names of after that are missing from before, sorted
func Diff(before, after []string) []string {
	seen := make(map[string]struct{}, len(before))
	for _, n := range before {
		seen[Normalize(n)] = struct{}{}
	}
	var out []string
	for _, n := range after {
		key := Normalize(n)
		if _, ok := seen[key]; ok || key == "" {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
