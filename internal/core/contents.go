package core

import (
	"sort"
	"strings"
	"sync"

	"stepcore/pkg/sdai"
)

const contentShards = 4

type contentShard struct {
	mu       sync.RWMutex
	entities map[int64]*ComplexEntity
}

// SdaiModelContents stores the complex entities of one model version in four
// independently locked shards selected by name & 0b11, plus per-type extents.
type SdaiModelContents struct {
	owner  *SdaiModel
	shards [contentShards]contentShard

	extentMu sync.RWMutex
	extents  map[string]*EntityExtent
}

func newContents(owner *SdaiModel) *SdaiModelContents {
	c := &SdaiModelContents{owner: owner, extents: make(map[string]*EntityExtent)}
	for i := range c.shards {
		c.shards[i].entities = make(map[int64]*ComplexEntity)
	}
	return c
}

func (c *SdaiModelContents) shard(name int64) *contentShard {
	return &c.shards[name&(contentShards-1)]
}

// Owner returns the model these contents belong to.
func (c *SdaiModelContents) Owner() *SdaiModel { return c.owner }

func (c *SdaiModelContents) checkWritable(ce *ComplexEntity, op string) error {
	if c.owner == nil || c.owner.Mode() != sdai.ReadWrite {
		return sdai.NewError(sdai.ModelNotReadWrite, "%s #%d: model not read-write", op, ce.name)
	}
	if ce.model != c.owner {
		return sdai.NewError(sdai.InstanceInvalid, "%s #%d: entity owned by another model", op, ce.name)
	}
	if c.owner.Contents() != c {
		return sdai.NewError(sdai.ModelNotReadWrite, "%s #%d: contents are a retired snapshot", op, ce.name)
	}
	return nil
}

func retiredEntityError(op string, ce *ComplexEntity) error {
	return sdai.NewError(sdai.ModelNotReadWrite, "%s #%d: entity belongs to a retired snapshot", op, ce.name)
}

// Add registers a complex entity. It fails unless the owning model is
// read-write and owns the entity; duplicate names are rejected.
func (c *SdaiModelContents) Add(ce *ComplexEntity) error {
	if err := c.checkWritable(ce, "add"); err != nil {
		return err
	}
	sh := c.shard(ce.name)
	sh.mu.Lock()
	if _, dup := sh.entities[ce.name]; dup {
		sh.mu.Unlock()
		return sdai.NewError(sdai.InstanceInvalid, "#%d already present in %s", ce.name, c.owner.Name())
	}
	sh.entities[ce.name] = ce
	sh.mu.Unlock()
	c.addToExtents(ce)
	c.owner.touch()
	return nil
}

// put stores a loaded entity without access checks or generation bumps.
func (c *SdaiModelContents) put(ce *ComplexEntity) {
	sh := c.shard(ce.name)
	sh.mu.Lock()
	sh.entities[ce.name] = ce
	sh.mu.Unlock()
	c.addToExtents(ce)
}

// Remove unregisters a complex entity under the same policy as Add.
func (c *SdaiModelContents) Remove(ce *ComplexEntity) error {
	if err := c.checkWritable(ce, "remove"); err != nil {
		return err
	}
	sh := c.shard(ce.name)
	sh.mu.Lock()
	current, ok := sh.entities[ce.name]
	if !ok {
		sh.mu.Unlock()
		return sdai.NewError(sdai.InstanceNotExist, "#%d not present in %s", ce.name, c.owner.Name())
	}
	if current != ce {
		sh.mu.Unlock()
		return retiredEntityError("remove", ce)
	}
	delete(sh.entities, ce.name)
	sh.mu.Unlock()
	c.removeFromExtents(ce)
	if tx := c.owner.activeTransaction(); tx != nil {
		tx.forgetLookup(c, ce.name)
	}
	c.owner.touch()
	return nil
}

// ComplexEntity looks up an entity by name and records the hit in the
// active transaction's lookup cache.
func (c *SdaiModelContents) ComplexEntity(name int64) *ComplexEntity {
	ce := c.lookup(name)
	if ce != nil {
		if tx := c.owner.activeTransaction(); tx != nil {
			tx.rememberLookup(c, name, ce)
		}
	}
	return ce
}

func (c *SdaiModelContents) lookup(name int64) *ComplexEntity {
	sh := c.shard(name)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.entities[name]
}

// AllComplexEntities returns the union of all shards in unspecified order.
func (c *SdaiModelContents) AllComplexEntities() []*ComplexEntity {
	out := make([]*ComplexEntity, 0, c.Len())
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.RLock()
		for _, ce := range sh.entities {
			out = append(out, ce)
		}
		sh.mu.RUnlock()
	}
	return out
}

// SortedComplexEntities returns all entities ordered by name.
func (c *SdaiModelContents) SortedComplexEntities() []*ComplexEntity {
	out := c.AllComplexEntities()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Len returns the number of stored entities.
func (c *SdaiModelContents) Len() int {
	n := 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.RLock()
		n += len(sh.entities)
		sh.mu.RUnlock()
	}
	return n
}

// Extent returns the folder of instances that include the given entity type.
func (c *SdaiModelContents) Extent(entity string) *EntityExtent {
	key := strings.ToUpper(entity)
	c.extentMu.RLock()
	ext, ok := c.extents[key]
	c.extentMu.RUnlock()
	if ok {
		return ext
	}
	return &EntityExtent{entity: key}
}

// ExtentNames lists populated entity types.
func (c *SdaiModelContents) ExtentNames() []string {
	c.extentMu.RLock()
	defer c.extentMu.RUnlock()
	out := make([]string, 0, len(c.extents))
	for k, ext := range c.extents {
		if ext.Len() > 0 {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (c *SdaiModelContents) addToExtents(ce *ComplexEntity) {
	c.extentMu.Lock()
	defer c.extentMu.Unlock()
	for _, name := range ce.EntityNames() {
		ext, ok := c.extents[name]
		if !ok {
			ext = &EntityExtent{entity: name, members: make(map[int64]*ComplexEntity)}
			c.extents[name] = ext
		}
		ext.mu.Lock()
		ext.members[ce.name] = ce
		ext.mu.Unlock()
	}
}

func (c *SdaiModelContents) removeFromExtents(ce *ComplexEntity) {
	c.extentMu.Lock()
	defer c.extentMu.Unlock()
	for _, name := range ce.EntityNames() {
		if ext, ok := c.extents[name]; ok {
			ext.mu.Lock()
			delete(ext.members, ce.name)
			ext.mu.Unlock()
		}
	}
}

// clone deep-copies every entity into fresh contents owned by the same model.
func (c *SdaiModelContents) clone() *SdaiModelContents {
	out := newContents(c.owner)
	for _, ce := range c.AllComplexEntities() {
		cp := ce.clone(c.owner)
		out.shard(cp.name).entities[cp.name] = cp
		out.addToExtents(cp)
	}
	return out
}

// ValueEqual compares two contents entity by entity.
func (c *SdaiModelContents) ValueEqual(other *SdaiModelContents) bool {
	if c.Len() != other.Len() {
		return false
	}
	for _, ce := range c.AllComplexEntities() {
		oe := other.lookup(ce.name)
		if oe == nil || !ce.ValueEqual(oe) {
			return false
		}
	}
	return true
}

// EntityExtent is the folder of instances of one entity type.
type EntityExtent struct {
	entity  string
	mu      sync.RWMutex
	members map[int64]*ComplexEntity
}

// Entity returns the folder's entity type name.
func (e *EntityExtent) Entity() string { return e.entity }

// Len returns the number of members.
func (e *EntityExtent) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.members)
}

// Instances returns the members ordered by name.
func (e *EntityExtent) Instances() []*ComplexEntity {
	e.mu.RLock()
	out := make([]*ComplexEntity, 0, len(e.members))
	for _, ce := range e.members {
		out = append(out, ce)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// References returns typed views of the members.
func (e *EntityExtent) References() []*EntityReference {
	members := e.Instances()
	out := make([]*EntityReference, 0, len(members))
	for _, ce := range members {
		if ref, ok := ce.Reference(e.entity); ok {
			out = append(out, ref)
		}
	}
	return out
}
