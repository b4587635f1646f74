package topic

import "strings"

// Builder joins topic levels under a fixed root namespace, such as the base
// test topic "<clientID>/tests".
type Builder struct {
	root string
}

// NewBuilder returns a Builder rooted at root. Trailing separators are trimmed.
func NewBuilder(root string) *Builder {
	return &Builder{root: strings.TrimRight(root, Separator)}
}

// Root returns the namespace itself.
func (b *Builder) Root() string {
	return b.root
}

// Build returns root/level1/level2/... skipping empty levels.
func (b *Builder) Build(levels ...string) string {
	parts := make([]string, 0, len(levels)+1)
	if b.root != "" {
		parts = append(parts, b.root)
	}
	for _, l := range levels {
		if l = strings.Trim(l, Separator); l != "" {
			parts = append(parts, l)
		}
	}
	return strings.Join(parts, Separator)
}

// All returns the multi-level filter covering every topic under root.
func (b *Builder) All() string {
	return b.Build(MultiWildcard)
}
