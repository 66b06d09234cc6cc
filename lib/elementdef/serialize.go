// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package elementdef

import (
	"bytes"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/DollhouseMCP/mcp-server-sub018/lib/schema/element"
)

// Serialize renders an element as document bytes: a frontmatter block
// followed by the content verbatim for markdown kinds, a whole-file
// YAML document for memories. The output is its own fixed point:
// parsing it back yields equal metadata, content, and entries.
func Serialize(el *element.Element) ([]byte, error) {
	if err := el.Validate(); err != nil {
		return nil, fmt.Errorf("elementdef: %w", err)
	}

	out, err := yaml.Marshal(metadataNode(el))
	if err != nil {
		return nil, fmt.Errorf("elementdef: marshal metadata: %w", err)
	}
	if el.Kind == element.KindMemory {
		return out, nil
	}

	var buf bytes.Buffer
	buf.Grow(len(out) + len(el.Content) + 8)
	buf.WriteString("---\n")
	buf.Write(out)
	buf.WriteString("---\n")
	buf.WriteString(el.Content)
	return buf.Bytes(), nil
}

// metadataNode builds the metadata mapping in canonical field order,
// with unknown fields last in sorted order. Every value is emitted
// with an explicit restricted-schema tag, so the output re-parses
// under the same walk that admitted the input.
func metadataNode(el *element.Element) *yaml.Node {
	m := &el.Metadata
	mapping := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}

	addString := func(key, value string) {
		if value != "" {
			mapping.Content = append(mapping.Content, strNode(key), strNode(value))
		}
	}
	addString("name", m.Name)
	addString("description", m.Description)
	addString("version", m.Version)
	addString("author", m.Author)
	addString("category", m.Category)
	addString("price", m.Price)
	addString("created", m.Created)
	addString("updated", m.Updated)
	addString("content_digest", m.ContentDigest)

	if len(m.Triggers) > 0 {
		seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, t := range m.Triggers {
			seq.Content = append(seq.Content, strNode(t))
		}
		mapping.Content = append(mapping.Content, strNode("triggers"), seq)
	}
	if len(m.Tags) > 0 {
		seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, t := range m.Tags {
			seq.Content = append(seq.Content, strNode(t))
		}
		mapping.Content = append(mapping.Content, strNode("tags"), seq)
	}
	// An explicit false is written back out; only an unset AutoLoad
	// disappears from the document.
	if m.AutoLoad != nil {
		mapping.Content = append(mapping.Content, strNode("autoLoad"),
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(*m.AutoLoad)})
	}
	if m.Priority != 0 {
		mapping.Content = append(mapping.Content, strNode("priority"),
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.Itoa(m.Priority)})
	}

	if el.Kind == element.KindMemory && len(el.Entries) > 0 {
		seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for i := range el.Entries {
			item := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			item.Content = append(item.Content,
				strNode("at"), strNode(el.Entries[i].At),
				strNode("content"), strNode(el.Entries[i].Content),
			)
			seq.Content = append(seq.Content, item)
		}
		mapping.Content = append(mapping.Content, strNode("entries"), seq)
	}

	for _, key := range sortedKeys(m.Extra) {
		mapping.Content = append(mapping.Content, strNode(key), strNode(m.Extra[key]))
	}
	return mapping
}

func strNode(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
}
