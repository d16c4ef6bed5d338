// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

// computeBestChunkSize spreads n rooms evenly over the fewest partitions that
// keep each one at or below limit.
func computeBestChunkSize(n, limit int) int {
	if n <= 0 {
		return 0
	}
	if limit <= 0 || n <= limit {
		return n
	}
	chunks := (n + limit - 1) / limit
	return (n + chunks - 1) / chunks
}

// partitionRoomIDs splits roomIDs into consecutive slices of size rooms. The
// last slice may be shorter.
func partitionRoomIDs(roomIDs []string, size int) [][]string {
	if size <= 0 {
		return nil
	}
	partitions := make([][]string, 0, (len(roomIDs)+size-1)/size)
	for start := 0; start < len(roomIDs); start += size {
		end := start + size
		if end > len(roomIDs) {
			end = len(roomIDs)
		}
		partitions = append(partitions, roomIDs[start:end])
	}
	return partitions
}
