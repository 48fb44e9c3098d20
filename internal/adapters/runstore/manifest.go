package runstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/xprun/internal/core"
	"github.com/hugo-lorenzo-mato/xprun/internal/fsutil"
)

// ManifestEntry is one run declared in a manifest file.
//
//	name: baseline
//	script: train.py
//	args: ["--lr", "0.01"]
//	result_file: metrics.json
type ManifestEntry struct {
	Name       string   `yaml:"name"`
	Script     string   `yaml:"script"`
	Args       []string `yaml:"args"`
	ResultFile string   `yaml:"result_file"`
}

// LoadManifest parses a YAML manifest into registration requests. The file
// holds one entry per YAML document; script paths are resolved against the
// manifest's directory.
func LoadManifest(path string) ([]RegisterRequest, error) {
	data, err := fsutil.ReadFileScoped(path)
	if err != nil {
		return nil, core.ErrIO("reading manifest", err)
	}
	return ParseManifest(data, filepath.Dir(path))
}

// ParseManifest decodes manifest data. baseDir anchors relative script paths.
func ParseManifest(data []byte, baseDir string) ([]RegisterRequest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var reqs []RegisterRequest
	for doc := 1; ; doc++ {
		var entry ManifestEntry
		err := dec.Decode(&entry)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, core.ErrValidation(core.CodeInvalidRun,
				fmt.Sprintf("manifest document %d: %v", doc, err))
		}
		if strings.TrimSpace(entry.Script) == "" {
			return nil, core.ErrValidation(core.CodeInvalidRun,
				fmt.Sprintf("manifest document %d: script is required", doc))
		}

		script := entry.Script
		if !filepath.IsAbs(script) {
			script = filepath.Join(baseDir, script)
		}
		reqs = append(reqs, RegisterRequest{
			Name:       entry.Name,
			Script:     script,
			Args:       entry.Args,
			ResultFile: entry.ResultFile,
		})
	}

	if len(reqs) == 0 {
		return nil, core.ErrValidation(core.CodeInvalidRun, "manifest declares no runs")
	}
	return reqs, nil
}
