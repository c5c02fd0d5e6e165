package dag

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"gateline/internal/domain"
)

// ErrCycle is wrapped by a StructuralError when dependencies form a cycle.
var ErrCycle = errors.New("dependency cycle")

// StructuralError rejects a document before any item starts.
type StructuralError struct {
	Problems []string
	// Cycle lists the items that could never become ready.
	Cycle []string
}

func (e *StructuralError) Error() string {
	if len(e.Cycle) > 0 && len(e.Problems) == 0 {
		return fmt.Sprintf("invalid work document: %s among %s", ErrCycle, strings.Join(e.Cycle, ", "))
	}
	return "invalid work document: " + strings.Join(e.Problems, "; ")
}

func (e *StructuralError) Unwrap() error {
	if len(e.Cycle) > 0 {
		return ErrCycle
	}
	return nil
}

// Validate checks ids are present and unique, every dependency resolves
// within the document, and the dependency relation is acyclic.
func Validate(doc domain.WorkDocument) error {
	ids := make(map[string]bool, len(doc.Items))
	var problems []string
	for i, it := range doc.Items {
		switch {
		case strings.TrimSpace(it.ID) == "":
			problems = append(problems, fmt.Sprintf("items[%d]: id is required", i))
		case ids[it.ID]:
			problems = append(problems, fmt.Sprintf("items[%d]: duplicate id %q", i, it.ID))
		}
		ids[it.ID] = true
	}
	for _, it := range doc.Items {
		for _, dep := range it.DependsOn {
			if !ids[dep] {
				problems = append(problems, fmt.Sprintf("item %q depends on unknown item %q", it.ID, dep))
			}
			if dep == it.ID {
				problems = append(problems, fmt.Sprintf("item %q depends on itself", it.ID))
			}
		}
	}
	if len(problems) > 0 {
		return &StructuralError{Problems: problems}
	}
	if cycle := unreachable(doc); len(cycle) > 0 {
		return &StructuralError{Cycle: cycle}
	}
	return nil
}

// unreachable runs Kahn's algorithm and returns the ids left with unmet
// dependencies, which only happens on a cycle.
func unreachable(doc domain.WorkDocument) []string {
	indeg := make(map[string]int, len(doc.Items))
	dependents := map[string][]string{}
	for _, it := range doc.Items {
		indeg[it.ID] += 0
		for _, dep := range uniq(it.DependsOn) {
			indeg[it.ID]++
			dependents[dep] = append(dependents[dep], it.ID)
		}
	}
	var queue []string
	for id, n := range indeg {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, d := range dependents[id] {
			indeg[d]--
			if indeg[d] == 0 {
				queue = append(queue, d)
			}
		}
		delete(indeg, id)
	}
	var left []string
	for id := range indeg {
		left = append(left, id)
	}
	sort.Strings(left)
	return left
}

func uniq(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// Parse decodes a YAML or JSON work document and validates it.
func Parse(data []byte) (domain.WorkDocument, error) {
	var doc domain.WorkDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("invalid work document: %w", err)
	}
	if err := Validate(doc); err != nil {
		return doc, err
	}
	return doc, nil
}

// Load reads and parses a work document file.
func Load(path string) (domain.WorkDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.WorkDocument{}, err
	}
	return Parse(data)
}
