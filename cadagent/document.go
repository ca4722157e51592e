package cadagent

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Object is one feature in the document tree.
type Object struct {
	Name       string                 `json:"name"`
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties"`
}

func (o *Object) clone() *Object {
	props := make(map[string]interface{}, len(o.Properties))
	for k, v := range o.Properties {
		props[k] = v
	}
	return &Object{Name: o.Name, Type: o.Type, Properties: props}
}

// Document is the mutable CAD model the agent operates on. Implementations
// wrap a live host document; MemDocument is the in-process reference used
// in tests and headless runs.
//
// Transactions bracket every tool invocation: OpenTransaction marks a
// checkpoint, CommitTransaction folds the changes into undo history as a
// single user-undoable step, AbortTransaction restores the checkpoint
// exactly. Callers never nest transactions.
type Document interface {
	Name() string
	Objects() []*Object
	Object(name string) (*Object, bool)
	AddObject(typ string, properties map[string]interface{}) (*Object, error)
	RemoveObject(name string) error
	SetProperty(object, property string, value interface{}) error

	OpenTransaction(label string)
	CommitTransaction()
	AbortTransaction()
	Undo() error

	// Fingerprint returns a deterministic digest of the full document
	// state, for rollback verification.
	Fingerprint() string
}

// MemDocument is an in-memory Document with FreeCAD-style auto naming
// (Box, Box001, Box002). It is safe for concurrent use, though the
// Executor already serializes all mutating access.
type MemDocument struct {
	mu       sync.Mutex
	name     string
	objects  []*Object
	counters map[string]int

	txn       []*Object // checkpoint while a transaction is open
	txnOpen   bool
	undoStack [][]*Object
}

// NewMemDocument creates an empty document.
func NewMemDocument(name string) *MemDocument {
	return &MemDocument{name: name, counters: make(map[string]int)}
}

func (d *MemDocument) Name() string { return d.name }

func (d *MemDocument) Objects() []*Object {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Object, len(d.objects))
	for i, obj := range d.objects {
		out[i] = obj.clone()
	}
	return out
}

func (d *MemDocument) Object(name string) (*Object, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, obj := range d.objects {
		if obj.Name == name {
			return obj.clone(), true
		}
	}
	return nil, false
}

// AddObject creates an object of the given type with a generated unique
// name.
func (d *MemDocument) AddObject(typ string, properties map[string]interface{}) (*Object, error) {
	if typ == "" {
		return nil, fmt.Errorf("object type is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	name := typ
	if n := d.counters[typ]; n > 0 {
		name = fmt.Sprintf("%s%03d", typ, n)
	}
	d.counters[typ]++
	if properties == nil {
		properties = make(map[string]interface{})
	}
	obj := &Object{Name: name, Type: typ, Properties: properties}
	d.objects = append(d.objects, obj)
	return obj.clone(), nil
}

func (d *MemDocument) RemoveObject(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, obj := range d.objects {
		if obj.Name == name {
			d.objects = append(d.objects[:i], d.objects[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("object %q not found", name)
}

func (d *MemDocument) SetProperty(object, property string, value interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, obj := range d.objects {
		if obj.Name == object {
			obj.Properties[property] = value
			return nil
		}
	}
	return fmt.Errorf("object %q not found", object)
}

func (d *MemDocument) snapshotLocked() []*Object {
	snap := make([]*Object, len(d.objects))
	for i, obj := range d.objects {
		snap[i] = obj.clone()
	}
	return snap
}

func (d *MemDocument) OpenTransaction(label string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.txn = d.snapshotLocked()
	d.txnOpen = true
	_ = label
}

func (d *MemDocument) CommitTransaction() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.txnOpen {
		return
	}
	d.undoStack = append(d.undoStack, d.txn)
	d.txn = nil
	d.txnOpen = false
}

func (d *MemDocument) AbortTransaction() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.txnOpen {
		return
	}
	d.objects = d.txn
	d.txn = nil
	d.txnOpen = false
}

// Undo restores the state before the most recent committed transaction.
func (d *MemDocument) Undo() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.undoStack) == 0 {
		return fmt.Errorf("nothing to undo")
	}
	last := d.undoStack[len(d.undoStack)-1]
	d.undoStack = d.undoStack[:len(d.undoStack)-1]
	d.objects = last
	return nil
}

// Fingerprint serializes the object tree with sorted property keys so
// equal states always produce equal digests.
func (d *MemDocument) Fingerprint() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	type entry struct {
		Name  string   `json:"name"`
		Type  string   `json:"type"`
		Keys  []string `json:"keys"`
		Props []string `json:"props"`
	}
	entries := make([]entry, 0, len(d.objects))
	for _, obj := range d.objects {
		e := entry{Name: obj.Name, Type: obj.Type}
		keys := make([]string, 0, len(obj.Properties))
		for k := range obj.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			e.Keys = append(e.Keys, k)
			e.Props = append(e.Props, fmt.Sprintf("%v", obj.Properties[k]))
		}
		entries = append(entries, e)
	}
	b, _ := json.Marshal(entries)
	return string(b)
}
