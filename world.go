package netsync

import (
	"github.com/sasha-s/go-deadlock"
	"github.com/yohamta/donburi"
	"github.com/yohamta/donburi/filter"
)

// SyncTag marks an entity as networked
type SyncTag struct {
	Owner         ClientID
	Object        NetObjectID
	IsLocalPlayer bool
}

// An Entity is a networked object of a World
type Entity interface {
	Sync() *SyncTag
	Transform() Transform
	SetTransform(Transform)
	SetActive(bool)
	MarkForRemoval()
}

// A World is the entity store the sync system reconciles
type World interface {
	// FindSyncableEntities returns every entity that has
	// both a sync tag and a transform
	FindSyncableEntities() []Entity

	// CreateEntity instantiates prefab under the given name
	CreateEntity(prefab, name string) (Entity, error)
}

// EntityInfo is the bookkeeping a MemWorld keeps per entity
type EntityInfo struct {
	Name    string
	Prefab  string
	Active  bool
	Removed bool
}

// Components of a MemWorld entity
var (
	SyncComponent      = donburi.NewComponentType[SyncTag]()
	TransformComponent = donburi.NewComponentType[Transform]()
	InfoComponent      = donburi.NewComponentType[EntityInfo]()
)

var (
	syncableQuery = donburi.NewQuery(filter.Contains(SyncComponent, TransformComponent))
	infoQuery     = donburi.NewQuery(filter.Contains(InfoComponent))
)

// MemWorld is an in-memory donburi world. Entities marked
// for removal stay until Collect is called, like a world
// that destroys them at the end of the frame.
type MemWorld struct {
	mu deadlock.Mutex
	w  donburi.World
}

func NewMemWorld() *MemWorld {
	return &MemWorld{w: donburi.NewWorld()}
}

// ECS returns the underlying donburi world
func (w *MemWorld) ECS() donburi.World { return w.w }

// MemEntity is the Entity of a MemWorld.
// Its accessors return zero values once the entity was collected.
type MemEntity struct {
	world *MemWorld
	id    donburi.Entity
}

func (e *MemEntity) entry() *donburi.Entry {
	if !e.world.w.Valid(e.id) {
		return nil
	}
	return e.world.w.Entry(e.id)
}

func (e *MemEntity) info() *EntityInfo {
	if en := e.entry(); en != nil && en.HasComponent(InfoComponent) {
		return InfoComponent.Get(en)
	}
	return &EntityInfo{}
}

// ID returns the donburi entity
func (e *MemEntity) ID() donburi.Entity { return e.id }

func (e *MemEntity) Sync() *SyncTag {
	if en := e.entry(); en != nil && en.HasComponent(SyncComponent) {
		return SyncComponent.Get(en)
	}
	return &SyncTag{}
}

func (e *MemEntity) Transform() Transform {
	if en := e.entry(); en != nil && en.HasComponent(TransformComponent) {
		return *TransformComponent.Get(en)
	}
	return Transform{}
}

func (e *MemEntity) SetTransform(tf Transform) {
	if en := e.entry(); en != nil && en.HasComponent(TransformComponent) {
		*TransformComponent.Get(en) = tf
	}
}

func (e *MemEntity) SetActive(active bool) { e.info().Active = active }
func (e *MemEntity) MarkForRemoval()       { e.info().Removed = true }

func (e *MemEntity) Name() string   { return e.info().Name }
func (e *MemEntity) Prefab() string { return e.info().Prefab }
func (e *MemEntity) Active() bool   { return e.info().Active }
func (e *MemEntity) Removed() bool  { return e.info().Removed }

// Alive reports whether the entity is still in its world
func (e *MemEntity) Alive() bool { return e.world.w.Valid(e.id) }

func (w *MemWorld) wrap(id donburi.Entity) *MemEntity {
	return &MemEntity{world: w, id: id}
}

// Spawn creates an entity with a sync tag, a transform and info
func (w *MemWorld) Spawn(info EntityInfo, tag SyncTag, tf Transform) *MemEntity {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := w.w.Create(SyncComponent, TransformComponent, InfoComponent)
	en := w.w.Entry(id)
	*SyncComponent.Get(en) = tag
	*TransformComponent.Get(en) = tf
	*InfoComponent.Get(en) = info

	return w.wrap(id)
}

// AddLocalPlayer creates an active local player owning object
func (w *MemWorld) AddLocalPlayer(name string, object NetObjectID) *MemEntity {
	return w.Spawn(
		EntityInfo{Name: name, Active: true},
		SyncTag{Object: object, IsLocalPlayer: true},
		IdentityTransform,
	)
}

func (w *MemWorld) FindSyncableEntities() []Entity {
	w.mu.Lock()
	defer w.mu.Unlock()

	var r []Entity
	syncableQuery.Each(w.w, func(en *donburi.Entry) {
		r = append(r, w.wrap(en.Entity()))
	})
	return r
}

func (w *MemWorld) CreateEntity(prefab, name string) (Entity, error) {
	return w.Spawn(EntityInfo{Name: name, Prefab: prefab}, SyncTag{}, IdentityTransform), nil
}

// Entities returns all entities with info, including the ones marked for removal
func (w *MemWorld) Entities() []*MemEntity {
	w.mu.Lock()
	defer w.mu.Unlock()

	var r []*MemEntity
	infoQuery.Each(w.w, func(en *donburi.Entry) {
		r = append(r, w.wrap(en.Entity()))
	})
	return r
}

// Find returns the syncable entity of the given owner and object or nil
func (w *MemWorld) Find(owner ClientID, object NetObjectID) *MemEntity {
	w.mu.Lock()
	defer w.mu.Unlock()

	var found *MemEntity
	syncableQuery.Each(w.w, func(en *donburi.Entry) {
		tag := SyncComponent.Get(en)
		if found == nil && tag.Owner == owner && tag.Object == object {
			found = w.wrap(en.Entity())
		}
	})
	return found
}

// Collect destroys the entities marked for removal
// and returns how many there were
func (w *MemWorld) Collect() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	var dead []donburi.Entity
	infoQuery.Each(w.w, func(en *donburi.Entry) {
		if InfoComponent.Get(en).Removed {
			dead = append(dead, en.Entity())
		}
	})

	for _, id := range dead {
		w.w.Remove(id)
	}
	return len(dead)
}
