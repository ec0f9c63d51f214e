// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package kscope

// UnknownOffset is reported when a start or end offset could not be
// fetched for a partition that has a committed position.
const UnknownOffset int64 = -1

type ConsumerGroupOffsetDescription struct {
	Topic      string                          `json:"topic"`
	Partitions []ConsumerGroupPartitionOffsets `json:"partitions"`
}

type ConsumerGroupPartitionOffsets struct {
	Partition     int32 `json:"partition"`
	StartOffset   int64 `json:"startOffset"`
	EndOffset     int64 `json:"endOffset"`
	CurrentOffset int64 `json:"currentOffset"`
}

// Lag is end - current, or UnknownOffset when either side is unknown.
func (p ConsumerGroupPartitionOffsets) Lag() int64 {
	if p.EndOffset < 0 || p.CurrentOffset < 0 {
		return UnknownOffset
	}
	return p.EndOffset - p.CurrentOffset
}

// TotalLag sums the known per partition lag.
func (desc *ConsumerGroupOffsetDescription) TotalLag() int64 {
	var total int64
	for _, p := range desc.Partitions {
		if lag := p.Lag(); lag > 0 {
			total += lag
		}
	}
	return total
}
