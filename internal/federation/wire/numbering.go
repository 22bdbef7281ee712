package wire

import (
	"hash/fnv"
	"sort"
	"strings"

	"github.com/jhump/protoreflect/v2/protobuilder"
	"google.golang.org/protobuf/reflect/protoreflect"
)

const (
	maxTag           = 31767
	reservedTagStart = 19000
	reservedTagEnd   = 19999
)

// allocateFieldNumbers gives every field a tag derived from its name, so a
// field keeps its number when others are added or reordered.
func allocateFieldNumbers(fields []*protobuilder.FieldBuilder) {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = string(f.Name())
	}
	for i, n := range hashTags(names) {
		fields[i].SetNumber(protoreflect.FieldNumber(n))
	}
}

// hashTags maps each name to FNV-32a(name) % 31767 + 1, stepping linearly past
// collisions and the reserved range 19000-19999. Names are placed in sorted
// order so the result does not depend on input order.
func hashTags(names []string) []int {
	order := make([]int, len(names))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return names[order[a]] < names[order[b]] })

	out := make([]int, len(names))
	used := make(map[int]bool, len(names))
	for _, idx := range order {
		start := int(fnv32(names[idx])%maxTag) + 1
		tag := start
		for {
			if tag >= reservedTagStart && tag <= reservedTagEnd {
				tag = reservedTagEnd + 1
			}
			if !used[tag] {
				break
			}
			tag++
			if tag > maxTag {
				tag = 1
			}
			if tag == start {
				panic("wire: field tag space exhausted")
			}
		}
		used[tag] = true
		out[idx] = tag
	}
	return out
}

func fnv32(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func comment(text string) protobuilder.Comments {
	if text == "" {
		return protobuilder.Comments{}
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = " " + line
	}
	return protobuilder.Comments{LeadingComment: strings.Join(lines, "\n") + "\n"}
}
