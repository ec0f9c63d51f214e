// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package groups

import (
	"context"
	"fmt"
	"sort"

	"github.com/Shopify/sarama"
	"github.com/rs/zerolog/log"

	"github.com/lachlanorr/kscope/pkg/kscope"
	"github.com/lachlanorr/kscope/pkg/telem"
)

type MemberAssignment struct {
	Topic      string  `json:"topic"`
	Partitions []int32 `json:"partitions"`
}

type ConsumerGroupMember struct {
	Id          string             `json:"id"`
	ClientId    string             `json:"client_id"`
	ClientHost  string             `json:"client_host"`
	Metadata    []byte             `json:"metadata"`
	Assignments []MemberAssignment `json:"assignments"`
}

type ConsumerGroup struct {
	Name         string                `json:"name"`
	State        string                `json:"state"`
	Protocol     string                `json:"protocol"`
	ProtocolType string                `json:"protocol_type"`
	Members      []ConsumerGroupMember `json:"members"`
}

func newConsumerGroupMember(id string, gmd *sarama.GroupMemberDescription) (ConsumerGroupMember, error) {
	member := ConsumerGroupMember{
		Id:          id,
		ClientId:    gmd.ClientId,
		ClientHost:  gmd.ClientHost,
		Metadata:    gmd.MemberMetadata,
		Assignments: []MemberAssignment{},
	}
	if len(gmd.MemberAssignment) == 0 {
		return member, nil
	}

	assignment, err := gmd.GetMemberAssignment()
	if err != nil {
		return member, err
	}
	topics := make([]string, 0, len(assignment.Topics))
	for topic := range assignment.Topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		parts := append([]int32(nil), assignment.Topics[topic]...)
		sort.Slice(parts, func(i, j int) bool { return parts[i] < parts[j] })
		member.Assignments = append(member.Assignments, MemberAssignment{
			Topic:      topic,
			Partitions: parts,
		})
	}
	return member, nil
}

func newConsumerGroup(desc *sarama.GroupDescription) ConsumerGroup {
	grp := ConsumerGroup{
		Name:         desc.GroupId,
		State:        desc.State,
		Protocol:     desc.Protocol,
		ProtocolType: desc.ProtocolType,
		Members:      []ConsumerGroupMember{},
	}

	ids := make([]string, 0, len(desc.Members))
	for id := range desc.Members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		member, err := newConsumerGroupMember(id, desc.Members[id])
		if err != nil {
			// members with an unparseable assignment are left out
			log.Warn().
				Err(err).
				Str("Group", desc.GroupId).
				Str("Member", id).
				Msg("Failed to decode member assignment")
			continue
		}
		grp.Members = append(grp.Members, member)
	}
	return grp
}

// Groups lists every consumer group with its members and their decoded
// partition assignments, sorted by name.
func (svc *Service) Groups(ctx context.Context) ([]ConsumerGroup, error) {
	_, span := telem.StartFunc(ctx)
	defer span.End()

	gadm, err := svc.strmprov.NewGroupAdmin(svc.mdp.Brokers())
	if err != nil {
		err = kscope.NewError(kscope.ErrConnection, err, "NewGroupAdmin brokers=%s", svc.mdp.Brokers())
		telem.RecordSpanError(span, err)
		return nil, err
	}
	defer gadm.Close()

	listed, err := gadm.ListConsumerGroups()
	if err != nil {
		err = kscope.NewError(kscope.ErrAdmin, err, "ListConsumerGroups")
		telem.RecordSpanError(span, err)
		return nil, err
	}
	names := make([]string, 0, len(listed))
	for name := range listed {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return []ConsumerGroup{}, nil
	}

	descs, err := gadm.DescribeConsumerGroups(names)
	if err != nil {
		err = kscope.NewError(kscope.ErrAdmin, err, "DescribeConsumerGroups")
		telem.RecordSpanError(span, err)
		return nil, err
	}

	grps := make([]ConsumerGroup, 0, len(descs))
	for _, desc := range descs {
		if desc.Err != sarama.ErrNoError {
			log.Warn().
				Str("Group", desc.GroupId).
				Str("Error", desc.Err.Error()).
				Msg("Group description failed")
			continue
		}
		grps = append(grps, newConsumerGroup(desc))
	}
	sort.Slice(grps, func(i, j int) bool { return grps[i].Name < grps[j].Name })
	return grps, nil
}

// DeleteGroup removes a group and its stored offsets. The group must have
// no active members.
func (svc *Service) DeleteGroup(ctx context.Context, groupId string) (string, error) {
	_, span := telem.StartFunc(ctx)
	defer span.End()

	gadm, err := svc.strmprov.NewGroupAdmin(svc.mdp.Brokers())
	if err != nil {
		err = kscope.NewError(kscope.ErrConnection, err, "NewGroupAdmin brokers=%s", svc.mdp.Brokers())
		telem.RecordSpanError(span, err)
		return "", err
	}
	defer gadm.Close()

	err = gadm.DeleteConsumerGroup(groupId)
	if err != nil {
		err = kscope.NewError(kscope.ErrAdmin, err, "DeleteConsumerGroup group=%s", groupId)
		telem.RecordSpanError(span, err)
		return "", err
	}

	log.Info().
		Str("Group", groupId).
		Msg("Group deleted")
	return fmt.Sprintf("Group %s deleted", groupId), nil
}
