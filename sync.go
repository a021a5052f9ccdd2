package netsync

import (
	"fmt"

	"go.uber.org/zap"
)

// DefaultRemotePrefab is instantiated for every remote object
// the world doesn't have yet
const DefaultRemotePrefab = "assets/prefabs/remote_player.json"

// despawnHold is how many updates a despawned object is kept
// from spawning again. Broadcasts travel unreliably and may
// arrive after the despawn that superseded them.
const despawnHold = 60

type objectKey struct {
	owner  ClientID
	object NetObjectID
}

// A SyncSystem moves transforms between a World and a Client.
// Update is meant to be called every frame after Client.Poll.
type SyncSystem struct {
	prefab string
	log    *zap.SugaredLogger

	uploading bool

	// gone maps recently despawned objects to the updates left
	// before they may spawn again
	gone map[objectKey]int
}

// NewSyncSystem returns a sync system that spawns remote objects
// from prefab, or DefaultRemotePrefab if prefab is empty
func NewSyncSystem(prefab string, log *zap.SugaredLogger) *SyncSystem {
	if prefab == "" {
		prefab = DefaultRemotePrefab
	}
	return &SyncSystem{
		prefab: prefab,
		log:    nopIfNil(log),
		gone:   make(map[objectKey]int),
	}
}

// Update uploads the local player objects of w
// and applies what the server sent since the last call.
// While c is not connected pending remote state is discarded.
func (s *SyncSystem) Update(w World, c *Client) {
	if !c.IsConnected() {
		c.TakePending()
		return
	}

	s.age()
	s.upload(w, c)

	entries, despawns := c.TakePending()
	s.applyRemote(w, c.LocalClientID(), entries)
	s.applyDespawn(w, c.LocalClientID(), despawns)
}

func (s *SyncSystem) age() {
	for k, n := range s.gone {
		if n <= 1 {
			delete(s.gone, k)
		} else {
			s.gone[k] = n - 1
		}
	}
}

func (s *SyncSystem) upload(w World, c *Client) {
	local := false
	for _, e := range w.FindSyncableEntities() {
		tag := e.Sync()
		if !tag.IsLocalPlayer {
			continue
		}
		local = true

		if tag.Owner == ClientIDNil {
			tag.Owner = c.LocalClientID()
		}

		if err := c.SendPositionUpdate(tag.Object, e.Transform()); err != nil {
			s.log.Debugw("upload transform", "object", tag.Object, "err", err)
		}
	}

	if local != s.uploading {
		s.uploading = local
		if local {
			s.log.Info("local sync upload active")
		} else {
			s.log.Info("no local sync object")
		}
	}
}

func findEntity(entities []Entity, owner ClientID, object NetObjectID) Entity {
	for _, e := range entities {
		tag := e.Sync()
		if tag.Owner == owner && tag.Object == object {
			return e
		}
	}
	return nil
}

func (s *SyncSystem) applyRemote(w World, local ClientID, entries []RemoteEntry) {
	if len(entries) == 0 {
		return
	}

	entities := w.FindSyncableEntities()
	for _, r := range entries {
		if r.ClientID == local {
			continue
		}
		if _, ok := s.gone[objectKey{r.ClientID, r.ObjectID}]; ok {
			continue
		}

		target := findEntity(entities, r.ClientID, r.ObjectID)
		if target == nil {
			var err error
			if target, err = s.spawn(w, r.ClientID, r.ObjectID); err != nil {
				s.log.Warnw("spawn remote object", "client", r.ClientID, "object", r.ObjectID, "err", err)
				continue
			}
			entities = append(entities, target)
		}

		target.SetTransform(r.Transform)
	}
}

func (s *SyncSystem) spawn(w World, owner ClientID, object NetObjectID) (Entity, error) {
	name := fmt.Sprintf("remote_player_%d_%d", owner, object)

	e, err := w.CreateEntity(s.prefab, name)
	if err != nil {
		return nil, err
	}

	*e.Sync() = SyncTag{Owner: owner, Object: object}
	e.SetActive(true)

	s.log.Infow("spawned remote object", "client", owner, "object", object)
	return e, nil
}

func (s *SyncSystem) applyDespawn(w World, local ClientID, despawns []DespawnEntry) {
	if len(despawns) == 0 {
		return
	}

	entities := w.FindSyncableEntities()
	for _, d := range despawns {
		if d.ClientID == local {
			continue
		}
		s.gone[objectKey{d.ClientID, d.ObjectID}] = despawnHold

		for _, e := range entities {
			tag := e.Sync()
			if tag.IsLocalPlayer || tag.Owner != d.ClientID || tag.Object != d.ObjectID {
				continue
			}

			e.SetActive(false)
			e.MarkForRemoval()
			s.log.Infow("despawned remote object", "client", d.ClientID, "object", d.ObjectID)
			break
		}
	}
}
