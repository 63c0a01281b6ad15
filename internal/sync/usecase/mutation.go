package usecase

import (
	"context"

	apperrors "classwatch/internal/shared/errors"
	"classwatch/internal/shared/logger"
	"classwatch/internal/sync/domain/model"
)

// RemoteCall performs the authoritative server round-trip of a mutation and
// returns the server's view of the entity.
type RemoteCall func(ctx context.Context) (model.Entity, error)

// MutationGateway applies optimistic local mutations and reconciles them with
// the authoritative response. There is no automatic retry: alerts are
// safety-critical, and a silently retried acknowledge could duplicate the
// action against a real backend. The caller decides whether to retry.
type MutationGateway struct {
	cache *EntityCache
	log   logger.Logger
}

// NewMutationGateway creates a gateway over the given cache.
func NewMutationGateway(cache *EntityCache, log logger.Logger) *MutationGateway {
	if log == nil {
		log = &logger.NopLogger{}
	}
	return &MutationGateway{
		cache: cache,
		log:   log.WithComponent("mutation_gateway"),
	}
}

// Mutate snapshots the entity's current state, applies transform
// optimistically to every cached occurrence, then awaits remote. On success
// the server response replaces the optimistic guess on every field. On
// failure the pre-image is restored. The snapshot is a full copy, not a
// diff, so rollback cannot compound a partial patch.
func (g *MutationGateway) Mutate(
	ctx context.Context,
	kind model.EntityKind,
	entityID string,
	transform func(model.Entity) model.Entity,
	remote RemoteCall,
) (model.Entity, error) {
	snapshot, cached := g.cache.GetEntity(kind, entityID)

	if cached {
		g.cache.PatchEntity(kind, entityID, transform)
	}

	server, err := remote(ctx)
	if err != nil {
		if cached {
			g.cache.PatchEntity(kind, entityID, func(model.Entity) model.Entity {
				return snapshot.Clone()
			})
		}
		if apperrors.IsNotFound(err) {
			// Terminal for this attempt: the alert no longer exists. Keep the
			// distinct kind so the UI can say so instead of a generic failure.
			g.log.Warnf("mutation target %s/%s no longer exists", kind, entityID)
			return nil, err
		}
		g.log.Warnf("mutation of %s/%s rolled back: %v", kind, entityID, err)
		return nil, apperrors.NewMutationError("mutation rejected", err)
	}

	// Server wins over the optimistic guess on any field conflict.
	g.cache.PatchEntity(kind, entityID, func(model.Entity) model.Entity {
		return server.Clone()
	})

	return server, nil
}
