package flash

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// PackExt is the file extension of CMSIS device packs.
const PackExt = ".pack"

var familyRe = regexp.MustCompile(`(?i)EFR32[A-Z]{2}\d{2}`)

// Packs is the pack directory.
type Packs struct {
	Fs   afero.Fs
	Root string
}

// NewPacks returns the pack directory at root on the OS filesystem.
func NewPacks(root string) *Packs {
	return &Packs{Fs: afero.NewOsFs(), Root: root}
}

// List returns the pack file names in the root, sorted. A missing root is empty.
func (p *Packs) List() ([]string, error) {
	entries, err := afero.ReadDir(p.Fs, p.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("flash: list packs: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.Mode().IsRegular() && strings.EqualFold(filepath.Ext(e.Name()), PackExt) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Family extracts the chip family (e.g. EFR32FG28) from a target name.
func Family(target string) string {
	return strings.ToUpper(familyRe.FindString(target))
}

// Resolve returns the path of the pack to use. A named pack must be a
// plain file name present in the root. Without a name the pack matching
// target's family is chosen, falling back to the first pack. The result
// is empty when the root holds no packs.
func (p *Packs) Resolve(name, target string) (string, error) {
	if name != "" {
		if name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
			return "", fmt.Errorf("%w: pack %q must be a file name", ErrValidation, name)
		}
		full := filepath.Join(p.Root, name)
		fi, err := p.Fs.Stat(full)
		if err != nil || !fi.Mode().IsRegular() {
			return "", fmt.Errorf("%w: pack %q not found in %s", ErrValidation, name, p.Root)
		}
		return full, nil
	}

	names, err := p.List()
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", nil
	}
	if fam := Family(target); fam != "" {
		for _, n := range names {
			if strings.Contains(strings.ToUpper(n), fam) {
				return filepath.Join(p.Root, n), nil
			}
		}
	}
	return filepath.Join(p.Root, names[0]), nil
}
