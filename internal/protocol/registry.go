// Package protocol holds the RPC protocol registry: operation descriptors grouped into
// classes, the numeric operation codes derived from them, and the message layouts
// carried on the wire.
package protocol

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// FieldKind is the type of one wire field.
type FieldKind uint8

const (
	FieldGAH FieldKind = iota + 1
	FieldString
	FieldInt
	FieldIOVec
	FieldBulk
	FieldUint64
	FieldUint32
)

func (k FieldKind) String() string {
	switch k {
	case FieldGAH:
		return "GAH"
	case FieldString:
		return "STRING"
	case FieldInt:
		return "INT"
	case FieldIOVec:
		return "IOVEC"
	case FieldBulk:
		return "BULK"
	case FieldUint64:
		return "UINT64"
	case FieldUint32:
		return "UINT32"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrClassExists is returned when a class name is registered twice.
	ErrClassExists = errors.New("protocol: class already registered")
	// ErrUnknownClass is returned for lookups against an unregistered class.
	ErrUnknownClass = errors.New("protocol: unknown class")
	// ErrUnknownOp is returned for lookups of an unknown operation name.
	ErrUnknownOp = errors.New("protocol: unknown operation")
)

// Descriptor describes one remote operation.
type Descriptor struct {
	Name   string
	In     []FieldKind
	Out    []FieldKind
	OpCode uint32

	// NewIn and NewOut allocate the message layouts matching In and Out. Either
	// may be nil when the operation carries no payload in that direction.
	NewIn  func() any
	NewOut func() any
}

// Class is a named, ordered set of descriptors with contiguous op codes.
type Class struct {
	Name   string
	IDBase uint32

	descs  []Descriptor
	byName map[string]int
}

// Len returns the number of operations in the class.
func (c *Class) Len() int {
	return len(c.descs)
}

// Op returns the op code of the operation at ordinal.
func (c *Class) Op(ordinal int) uint32 {
	return c.descs[ordinal].OpCode
}

// Descriptor returns the descriptor at ordinal.
func (c *Class) Descriptor(ordinal int) Descriptor {
	return c.descs[ordinal]
}

// Descriptors returns a copy of the class descriptors in ordinal order.
func (c *Class) Descriptors() []Descriptor {
	out := make([]Descriptor, len(c.descs))
	copy(out, c.descs)
	return out
}

// Lookup returns the op code for a symbolic name.
func (c *Class) Lookup(name string) (uint32, error) {
	idx, ok := c.byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s/%s", ErrUnknownOp, c.Name, name)
	}
	return c.descs[idx].OpCode, nil
}

// ByCode returns the descriptor with the given op code.
func (c *Class) ByCode(code uint32) (Descriptor, bool) {
	if code < c.IDBase || code >= c.IDBase+uint32(len(c.descs)) {
		return Descriptor{}, false
	}
	return c.descs[code-c.IDBase], true
}

// Registry indexes protocol classes by name. It is built once at startup and only
// read afterwards.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]*Class
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		classes: make(map[string]*Class),
		logger:  logger.With("component", "protocol"),
	}
}

// RegisterClass assigns op codes idBase+ordinal to descs in input order and
// records the class.
func (r *Registry) RegisterClass(name string, idBase uint32, descs []Descriptor) (*Class, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.classes[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrClassExists, name)
	}

	c := &Class{
		Name:   name,
		IDBase: idBase,
		descs:  make([]Descriptor, len(descs)),
		byName: make(map[string]int, len(descs)),
	}
	for i, d := range descs {
		d.OpCode = idBase + uint32(i)
		c.descs[i] = d
		c.byName[d.Name] = i
	}
	r.classes[name] = c

	r.logger.Debug("Registered protocol class", "class", name, "id_base", fmt.Sprintf("%#x", idBase), "ops", len(descs))
	return c, nil
}

// Class returns a registered class.
func (r *Registry) Class(name string) (*Class, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.classes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClass, name)
	}
	return c, nil
}

// Lookup returns the op code of class/name.
func (r *Registry) Lookup(class, name string) (uint32, error) {
	c, err := r.Class(class)
	if err != nil {
		return 0, err
	}
	return c.Lookup(name)
}

// RegisterFunc binds one descriptor to a transport endpoint.
type RegisterFunc func(d Descriptor) error

// Register hands every descriptor of the class to fn. Registration continues past
// failures so that as much as possible is bound; the first failure is returned and
// callers treat it as a startup fault.
func (r *Registry) Register(class string, fn RegisterFunc) error {
	c, err := r.Class(class)
	if err != nil {
		return err
	}

	var first error
	for _, d := range c.descs {
		if err := fn(d); err != nil {
			r.logger.Error("Failed to register RPC", "class", class, "op", d.Name,
				"opcode", fmt.Sprintf("%#x", d.OpCode), "error", err)
			if first == nil {
				first = fmt.Errorf("register %s: %w", d.Name, err)
			}
		}
	}
	return first
}
