// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package poller

import (
	"context"
	"net/http"

	"github.com/matrix-org/gomatrix"

	"github.com/element-hq/clientsync/syncapi/types"
)

// ProfileResolver looks up global profiles on the homeserver.
type ProfileResolver struct {
	client *gomatrix.Client
}

func NewProfileResolver(client *gomatrix.Client) *ProfileResolver {
	return &ProfileResolver{client: client}
}

// QueryProfile implements api.ProfileResolver.
func (r *ProfileResolver) QueryProfile(ctx context.Context, userID string) (*types.Profile, error) {
	profile := types.Profile{UserID: userID}
	if err := r.client.MakeRequest(http.MethodGet, r.client.BuildURL("profile", userID), nil, &profile); err != nil {
		return nil, err
	}
	profile.UserID = userID
	return &profile, nil
}
