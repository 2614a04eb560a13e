// Package registry is a port directory for sibling emulators.
package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Address locates one sibling emulator.
type Address struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Directory resolves sibling emulator names to their addresses.
type Directory interface {
	// Lookup returns the address of the named emulator, if known.
	Lookup(name string) (Address, bool)
	// Ports returns a name→port map suitable for handing to workers.
	Ports() map[string]int
}

// Static is a fixed name→address directory.
type Static map[string]Address

func (s Static) Lookup(name string) (Address, bool) {
	addr, ok := s[name]
	return addr, ok
}

func (s Static) Ports() map[string]int {
	out := make(map[string]int, len(s))
	for name, addr := range s {
		out[name] = addr.Port
	}
	return out
}

type locatorFile struct {
	Emulators map[string]Address `yaml:"emulators"`
}

// LoadLocator reads a YAML locator file describing sibling emulators:
//
//	emulators:
//	  firestore:
//	    host: 127.0.0.1
//	    port: 8080
func LoadLocator(path string) (Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading locator file: %w", err)
	}

	var file locatorFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing locator file: %w", err)
	}

	dir := make(Static, len(file.Emulators))
	for name, addr := range file.Emulators {
		if addr.Host == "" {
			addr.Host = "127.0.0.1"
		}
		dir[name] = addr
	}
	return dir, nil
}

// Merge overlays b on a, b winning on conflicts.
func Merge(a, b Static) Static {
	out := make(Static, len(a)+len(b))
	for name, addr := range a {
		out[name] = addr
	}
	for name, addr := range b {
		out[name] = addr
	}
	return out
}
