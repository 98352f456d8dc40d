package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Limits bounds the YAML documents Load accepts.
type Limits struct {
	MaxFileSize  int64
	MaxDepth     int
	MaxNodes     int
	MaxKeyLength int
	MaxValueSize int
}

// DefaultLimits returns the limits used by Load.
func DefaultLimits() Limits {
	return Limits{
		MaxFileSize:  1 << 20,
		MaxDepth:     16,
		MaxNodes:     5000,
		MaxKeyLength: 256,
		MaxValueSize: 64 << 10,
	}
}

// decodeYAML checks data against limits before decoding it into v. Fields
// already set in v are kept unless the document sets them. An empty
// document leaves v unchanged.
func decodeYAML(data []byte, limits Limits, v any) error {
	if int64(len(data)) > limits.MaxFileSize {
		return fmt.Errorf("config file too large: %d bytes exceeds %d", len(data), limits.MaxFileSize)
	}

	var root yaml.Node
	err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&root)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	w := &nodeWalker{limits: limits}
	if err := w.walk(&root, 0); err != nil {
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

type nodeWalker struct {
	limits Limits
	nodes  int
}

func (w *nodeWalker) walk(n *yaml.Node, depth int) error {
	if depth > w.limits.MaxDepth {
		return fmt.Errorf("yaml nesting depth %d exceeds %d", depth, w.limits.MaxDepth)
	}
	w.nodes++
	if w.nodes > w.limits.MaxNodes {
		return fmt.Errorf("yaml node count exceeds %d", w.limits.MaxNodes)
	}

	switch n.Kind {
	case yaml.DocumentNode:
		for _, c := range n.Content {
			if err := w.walk(c, depth); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			if key := n.Content[i].Value; len(key) > w.limits.MaxKeyLength {
				return fmt.Errorf("yaml key of %d bytes exceeds %d", len(key), w.limits.MaxKeyLength)
			}
			if err := w.walk(n.Content[i+1], depth+1); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		for _, c := range n.Content {
			if err := w.walk(c, depth+1); err != nil {
				return err
			}
		}
	case yaml.ScalarNode:
		if len(n.Value) > w.limits.MaxValueSize {
			return fmt.Errorf("yaml value of %d bytes exceeds %d", len(n.Value), w.limits.MaxValueSize)
		}
	case yaml.AliasNode:
		// Aliases count against the node budget each time they are used.
		if n.Alias != nil {
			return w.walk(n.Alias, depth+1)
		}
	}
	return nil
}
