// Package registry holds the normalization policy of every event type.
//
// The table is pure data plus pure functions: nothing here performs I/O or
// mutates its input, so normalization can be retried safely.
package registry

import (
	"fmt"
	"strings"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
)

// DescribeInput is what a Describe function sees: the masked payload and
// the original input (for overrides such as the entity).
type DescribeInput struct {
	Type    models.EventType
	Payload models.Payload
	Input   models.EventInput
}

// Definition is the policy for one event type. The function fields are
// optional in the table; Lookup always returns them populated.
type Definition struct {
	Type            models.EventType
	Category        models.Category
	LogType         models.LogType
	DefaultSeverity models.Severity
	Visibility      models.Visibility

	Describe      func(DescribeInput) string
	ResolveEntity func(models.Payload) *models.Entity
	SubjectUserID func(models.Payload) string
	Mask          func(models.Payload) models.Payload
}

// Name returns the wire name of the definition's event type.
func (d Definition) Name() string {
	return d.Type.String()
}

var resolved [models.NumEventTypes]Definition

func init() {
	for i := range definitions {
		def := definitions[i]
		def.Type = models.EventType(i)
		if err := validate(def); err != nil {
			panic(err)
		}
		resolved[i] = withDefaults(def)
	}
}

func validate(def Definition) error {
	if !def.Category.Valid() {
		return fmt.Errorf("registry: %s has invalid category %q", def.Type, def.Category)
	}
	if !def.LogType.Valid() {
		return fmt.Errorf("registry: %s has invalid log type %q", def.Type, def.LogType)
	}
	if !def.Visibility.Valid() {
		return fmt.Errorf("registry: %s has invalid visibility %q", def.Type, def.Visibility)
	}
	if !def.DefaultSeverity.Valid() {
		return fmt.Errorf("registry: %s has invalid default severity %q", def.Type, def.DefaultSeverity)
	}
	return nil
}

func withDefaults(def Definition) Definition {
	if def.Describe == nil {
		def.Describe = DefaultDescribe
	}
	if def.ResolveEntity == nil {
		def.ResolveEntity = func(models.Payload) *models.Entity { return nil }
	}
	if def.SubjectUserID == nil {
		def.SubjectUserID = func(models.Payload) string { return "" }
	}
	if def.Mask == nil {
		def.Mask = func(p models.Payload) models.Payload { return p }
	}
	return def
}

// Lookup returns the policy for t. The second result is false only for
// values outside the defined enum, which is a programming error.
func Lookup(t models.EventType) (Definition, bool) {
	if !t.Valid() {
		return Definition{}, false
	}
	return resolved[t], true
}

// MustLookup is Lookup for callers that hold a compile-time constant.
func MustLookup(t models.EventType) Definition {
	def, ok := Lookup(t)
	if !ok {
		panic(fmt.Sprintf("registry: no definition for %s", t))
	}
	return def
}

// DefaultDescribe renders "<type> occurred", naming the entity when the
// payload references one.
func DefaultDescribe(in DescribeInput) string {
	var b strings.Builder
	b.WriteString(in.Type.String())
	b.WriteString(" occurred")
	if et, id := in.Payload.String(models.KeyEntityType), in.Payload.String(models.KeyEntityID); et != "" && id != "" {
		fmt.Fprintf(&b, " on %s %s", et, id)
	}
	return b.String()
}
