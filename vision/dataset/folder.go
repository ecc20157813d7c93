package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tsawler/go-srnet/vision/preprocessing"
)

var imageExtensions = map[string]bool{".png": true, ".jpg": true, ".jpeg": true}

// FolderDataset reads samples from a directory with one sub-directory per
// modality (i_t, i_s, t_sk, t_t, t_b, t_f, mask_t). Sample names are the
// file names found in i_t, sorted; every other modality must hold a file
// with the same name.
type FolderDataset struct {
	root    string
	names   []string
	cache   *CacheManager
	workers int
}

// FolderConfig configures a FolderDataset.
type FolderConfig struct {
	MaxCacheSize int // Maximum number of decoded images to keep (0 disables caching)
	NumWorkers   int // Parallel decoders per sample
}

func NewFolderDataset(root string, config FolderConfig) (*FolderDataset, error) {
	entries, err := os.ReadDir(filepath.Join(root, string(Glyph)))
	if err != nil {
		return nil, fmt.Errorf("failed to list samples: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no images found in %s", filepath.Join(root, string(Glyph)))
	}
	sort.Strings(names)

	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	return &FolderDataset{
		root:    root,
		names:   names,
		cache:   NewCacheManager(config.MaxCacheSize),
		workers: config.NumWorkers,
	}, nil
}

func (d *FolderDataset) Len() int {
	return len(d.names)
}

// Names returns the sample names in iteration order.
func (d *FolderDataset) Names() []string {
	return d.names
}

func (d *FolderDataset) Get(index int) (*Sample, error) {
	if index < 0 || index >= len(d.names) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", index, len(d.names))
	}
	name := d.names[index]
	sample := &Sample{Name: name}

	var paths []string
	var channels []int
	var pending []Modality
	for _, m := range Modalities {
		path := filepath.Join(d.root, string(m), name)
		if img, ok := d.cache.Get(path); ok {
			sample.set(m, img)
			continue
		}
		paths = append(paths, path)
		channels = append(channels, m.Channels())
		pending = append(pending, m)
	}

	if len(paths) > 0 {
		images, err := preprocessing.LoadImages(paths, channels, d.workers)
		if err != nil {
			return nil, fmt.Errorf("sample %q: %w", name, err)
		}
		for i, m := range pending {
			d.cache.Put(paths[i], images[i])
			sample.set(m, images[i])
		}
	}
	return sample, nil
}

func (d *FolderDataset) CacheStats() CacheStats {
	return d.cache.Stats()
}

func (d *FolderDataset) String() string {
	return fmt.Sprintf("FolderDataset(root=%s, samples=%d)", d.root, len(d.names))
}

// ExampleFolder lists example pairs stored as <prefix>_i_t.png and
// <prefix>_i_s.png in a single directory. The example name is the text
// before the first underscore followed by "_".
type ExampleFolder struct {
	dir      string
	prefixes []string
}

func NewExampleFolder(dir string) (*ExampleFolder, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*_i_t.png"))
	if err != nil {
		return nil, fmt.Errorf("failed to list examples: %w", err)
	}

	var prefixes []string
	for _, m := range matches {
		prefix := strings.TrimSuffix(filepath.Base(m), "_i_t.png")
		if _, err := os.Stat(filepath.Join(dir, prefix+"_i_s.png")); err != nil {
			continue
		}
		prefixes = append(prefixes, prefix)
	}
	if len(prefixes) == 0 {
		return nil, fmt.Errorf("no example pairs found in %s", dir)
	}
	sort.Strings(prefixes)
	return &ExampleFolder{dir: dir, prefixes: prefixes}, nil
}

func (e *ExampleFolder) Len() int {
	return len(e.prefixes)
}

func (e *ExampleFolder) Get(index int) (*Example, error) {
	if index < 0 || index >= len(e.prefixes) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", index, len(e.prefixes))
	}
	prefix := e.prefixes[index]
	images, err := preprocessing.LoadImages(
		[]string{
			filepath.Join(e.dir, prefix+"_i_t.png"),
			filepath.Join(e.dir, prefix+"_i_s.png"),
		},
		[]int{3, 3}, 2)
	if err != nil {
		return nil, fmt.Errorf("example %q: %w", prefix, err)
	}

	name, _, _ := strings.Cut(prefix, "_")
	return &Example{Name: name + "_", Glyph: images[0], Style: images[1]}, nil
}
