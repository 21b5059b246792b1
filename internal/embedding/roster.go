package embedding

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/MrCodeEU/facegate/pkg/utils"
	"gopkg.in/yaml.v3"
)

// LoadManifest reads a roster from a YAML file mapping each label to its reference images:
//
//	Alice:
//	  - refs/alice-1.png
//	  - refs/alice-2.png
//
// Label case and file order are preserved. Relative image paths are resolved against the
// manifest's directory; URLs are kept as is.
func LoadManifest(path string) ([]RosterEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("manifest must map labels to image lists")
	}

	base := filepath.Dir(path)
	var roster []RosterEntry

	// Walk the mapping node directly so roster order follows the file
	for i := 0; i+1 < len(root.Content); i += 2 {
		label := root.Content[i].Value

		var images []string
		if err := root.Content[i+1].Decode(&images); err != nil {
			return nil, fmt.Errorf("manifest entry %q: %w", label, err)
		}

		for j, img := range images {
			images[j] = resolveReference(base, img)
		}

		roster = append(roster, RosterEntry{Label: label, Images: images})
	}

	return roster, nil
}

// LoadRosterDir reads a roster from a directory laid out as <dir>/<label>/<n>.<ext>.
// Labels are sorted by name; images are sorted numerically when named by number.
func LoadRosterDir(dir string) ([]RosterEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster directory: %w", err)
	}

	var roster []RosterEntry
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		images, err := listImages(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if len(images) == 0 {
			continue
		}

		roster = append(roster, RosterEntry{Label: entry.Name(), Images: images})
	}

	return roster, nil
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read label directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && utils.IsImageFile(e.Name()) {
			names = append(names, e.Name())
		}
	}

	sort.SliceStable(names, func(i, j int) bool {
		ni, errI := strconv.Atoi(strings.TrimSuffix(names[i], filepath.Ext(names[i])))
		nj, errJ := strconv.Atoi(strings.TrimSuffix(names[j], filepath.Ext(names[j])))
		if errI == nil && errJ == nil {
			return ni < nj
		}
		if (errI == nil) != (errJ == nil) {
			return errI == nil
		}
		return names[i] < names[j]
	})

	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
	}
	return paths, nil
}

func resolveReference(base, ref string) string {
	if strings.Contains(ref, "://") || filepath.IsAbs(ref) {
		return ref
	}
	return filepath.Join(base, ref)
}

// MergeRosters concatenates rosters, rejecting labels that appear in more than one
func MergeRosters(rosters ...[]RosterEntry) ([]RosterEntry, error) {
	seen := make(map[string]struct{})
	var merged []RosterEntry

	for _, roster := range rosters {
		for _, entry := range roster {
			if _, dup := seen[entry.Label]; dup {
				return nil, &EnrollmentError{Label: entry.Label, Index: -1, Err: fmt.Errorf("duplicate label")}
			}
			seen[entry.Label] = struct{}{}
			merged = append(merged, entry)
		}
	}

	return merged, nil
}
