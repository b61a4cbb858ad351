// Package manifest loads a single Kubernetes object document from disk into its untyped form.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	utiljson "k8s.io/apimachinery/pkg/util/json"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/codex-k8s/ktime/internal/config"
	"github.com/codex-k8s/ktime/internal/env"
)

var (
	// ErrManifestRead is returned when the manifest file cannot be read.
	ErrManifestRead = errors.New("read manifest")
	// ErrManifestParse is returned when the manifest is not a single well-formed YAML or JSON mapping.
	ErrManifestParse = errors.New("parse manifest")
)

// Document is a manifest kept as a generic map, together with where it came from.
type Document struct {
	// Path is the file the document was loaded from.
	Path string
	// Object holds the untyped content. Unknown fields are preserved as-is.
	Object *unstructured.Unstructured
}

// LoadOptions controls optional pre-processing of the manifest file.
type LoadOptions struct {
	// Template renders the file as a Go template before parsing.
	Template bool
	// Vars are user variables available to the template through `var` and `envOr`.
	Vars env.Vars
}

// Load reads path and parses it as a single document.
func Load(path string, opts LoadOptions) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrManifestRead, path, err)
	}

	if opts.Template {
		data, err = config.RenderTemplate(path, data, config.NewTemplateContext(opts.Vars))
		if err != nil {
			return nil, fmt.Errorf("%w %q: %w", ErrManifestParse, path, err)
		}
	}

	obj, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrManifestParse, path, err)
	}
	return &Document{Path: path, Object: obj}, nil
}

// Parse converts YAML or JSON bytes into an unstructured object.
// Exactly one non-empty document is accepted.
func Parse(data []byte) (*unstructured.Unstructured, error) {
	count, err := countDocuments(data)
	if err != nil {
		return nil, err
	}
	switch {
	case count == 0:
		return nil, errors.New("document is empty")
	case count > 1:
		return nil, fmt.Errorf("found %d documents, only one is supported", count)
	}

	jsonData, err := sigsyaml.YAMLToJSON(data)
	if err != nil {
		return nil, err
	}

	var content map[string]any
	if err := utiljson.Unmarshal(jsonData, &content); err != nil {
		return nil, fmt.Errorf("document is not a mapping: %w", err)
	}
	if content == nil {
		return nil, errors.New("document is empty")
	}
	return &unstructured.Unstructured{Object: content}, nil
}

// countDocuments counts non-null documents in a YAML stream.
func countDocuments(data []byte) (int, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	count := 0
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return 0, err
		}
		if len(node.Content) == 0 || isNull(node.Content[0]) {
			continue
		}
		count++
	}
}

func isNull(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && n.Tag == "!!null"
}
