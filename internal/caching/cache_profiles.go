// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/element-hq/clientsync/syncapi/api"
	"github.com/element-hq/clientsync/syncapi/types"
)

// ProfileCache remembers global profiles for a limited time. It implements
// api.ProfileResolver.
type ProfileCache struct {
	resolver api.ProfileResolver
	profiles *gocache.Cache
}

func NewProfileCache(resolver api.ProfileResolver, ttl time.Duration) *ProfileCache {
	return &ProfileCache{
		resolver: resolver,
		profiles: gocache.New(ttl, 2*ttl),
	}
}

func (c *ProfileCache) QueryProfile(ctx context.Context, userID string) (*types.Profile, error) {
	if v, ok := c.profiles.Get(userID); ok {
		return v.(*types.Profile), nil
	}
	profile, err := c.resolver.QueryProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.profiles.SetDefault(userID, profile)
	return profile, nil
}

// Invalidate forgets the cached profile of userID.
func (c *ProfileCache) Invalidate(userID string) {
	c.profiles.Delete(userID)
}
