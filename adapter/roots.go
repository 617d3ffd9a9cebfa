package adapter

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Roots maps the virtual path an application is mounted on to the directory
// holding its files. It is read-only once created.
type Roots struct {
	Virtual   string
	Physical  string // always ends with Separator
	Separator byte
}

// NewRoots returns Roots using the host's path separator.
func NewRoots(virtual, physical string) Roots {
	return NewRootsWithSeparator(virtual, physical, filepath.Separator)
}

// NewRootsWithSeparator returns Roots translating to paths using sep.
func NewRootsWithSeparator(virtual, physical string, sep byte) Roots {
	if virtual == "" {
		virtual = "/"
	}
	if !strings.HasSuffix(physical, string(sep)) {
		physical += string(sep)
	}
	return Roots{
		Virtual:   virtual,
		Physical:  physical,
		Separator: sep,
	}
}

// ResolveRoots returns Roots for a physical directory given either as an
// absolute path or relative to the directory of the running executable.
func ResolveRoots(virtual, physical string) (Roots, error) {
	if !filepath.IsAbs(physical) {
		exe, err := os.Executable()
		if err != nil {
			return Roots{}, errors.Wrap(err, "locating executable")
		}
		physical = filepath.Join(filepath.Dir(exe), physical)
	}
	abs, err := filepath.Abs(physical)
	if err != nil {
		return Roots{}, errors.Wrapf(err, "resolving %s", physical)
	}
	return NewRoots(virtual, abs), nil
}

// Translate maps a virtual file path below the virtual root to a physical path.
func (r Roots) Translate(filePath string) string {
	s := filePath
	if r.contains(s) {
		s = s[len(r.Virtual):]
	}
	s = strings.TrimPrefix(s, "/")
	if r.Separator != '/' {
		s = strings.ReplaceAll(s, "/", string(r.Separator))
	}
	return r.Physical + s
}

// contains reports whether p is the virtual root or below it.
func (r Roots) contains(p string) bool {
	if !strings.HasPrefix(p, r.Virtual) {
		return false
	}
	if len(p) == len(r.Virtual) || strings.HasSuffix(r.Virtual, "/") {
		return true
	}
	return p[len(r.Virtual)] == '/'
}
