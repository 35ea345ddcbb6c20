package dynamostore

import (
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/execution-hub/convoflow/internal/domain/conversation"
)

func conversationItem(c *conversation.Conversation) map[string]types.AttributeValue {
	item := key(convPK(c.ID.String()), skMeta)
	item["id"] = strVal(c.ID.String())
	item["ownerId"] = strVal(c.OwnerID)
	item["sessionKey"] = strVal(c.SessionKey)
	item["status"] = strVal(string(c.Status))
	item["version"] = intVal(c.Version)
	item["startedAt"] = timeVal(c.StartedAt)
	item["updatedAt"] = timeVal(c.UpdatedAt)
	if c.EndedAt != nil {
		item["endedAt"] = timeVal(*c.EndedAt)
	}
	if c.ExpiresAt != nil {
		item["expiresAt"] = timeVal(*c.ExpiresAt)
	}
	if len(c.Context) > 0 {
		item["context"] = strVal(string(c.Context))
	}
	if len(c.Metadata) > 0 {
		item["metadata"] = strVal(string(c.Metadata))
	}
	if c.IntentRank != nil && c.IntentUntil != nil {
		item["intentRank"] = intVal(int64(*c.IntentRank))
		item["intentUntil"] = timeVal(*c.IntentUntil)
	}
	return item
}

func itemToConversation(item map[string]types.AttributeValue) (*conversation.Conversation, error) {
	var c conversation.Conversation
	id, err := strAttr(item, "id")
	if err != nil {
		return nil, err
	}
	if c.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("dynamodb: invalid conversation id %q: %w", id, err)
	}
	if c.OwnerID, err = strAttr(item, "ownerId"); err != nil {
		return nil, err
	}
	if c.SessionKey, err = strAttr(item, "sessionKey"); err != nil {
		return nil, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return nil, err
	}
	c.Status = conversation.Status(status)
	if c.Version, err = intAttr(item, "version"); err != nil {
		return nil, err
	}
	if c.StartedAt, err = timeAttr(item, "startedAt"); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = timeAttr(item, "updatedAt"); err != nil {
		return nil, err
	}
	c.EndedAt = optTimeAttr(item, "endedAt")
	c.ExpiresAt = optTimeAttr(item, "expiresAt")
	c.IntentUntil = optTimeAttr(item, "intentUntil")
	if rank, err := intAttr(item, "intentRank"); err == nil {
		r := int(rank)
		c.IntentRank = &r
	}
	if v, err := strAttr(item, "context"); err == nil {
		c.Context = []byte(v)
	}
	if v, err := strAttr(item, "metadata"); err == nil {
		c.Metadata = []byte(v)
	}
	return &c, nil
}

func transitionItem(tr *conversation.StateTransition) map[string]types.AttributeValue {
	item := key(convPK(tr.ConversationID.String()), trSK(tr.Version))
	item["id"] = strVal(tr.ID.String())
	item["conversationId"] = strVal(tr.ConversationID.String())
	item["toStatus"] = strVal(string(tr.ToStatus))
	item["version"] = intVal(tr.Version)
	item["changedBy"] = strVal(string(tr.ChangedBy))
	item["reason"] = strVal(tr.Reason)
	item["createdAt"] = timeVal(tr.CreatedAt)
	if tr.FromStatus != nil {
		item["fromStatus"] = strVal(string(*tr.FromStatus))
	}
	if len(tr.Signature) > 0 {
		item["signature"] = &types.AttributeValueMemberB{Value: tr.Signature}
	}
	return item
}

func itemToTransition(item map[string]types.AttributeValue) (*conversation.StateTransition, error) {
	var tr conversation.StateTransition
	id, err := strAttr(item, "id")
	if err != nil {
		return nil, err
	}
	if tr.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("dynamodb: invalid transition id %q: %w", id, err)
	}
	convID, err := strAttr(item, "conversationId")
	if err != nil {
		return nil, err
	}
	if tr.ConversationID, err = uuid.Parse(convID); err != nil {
		return nil, fmt.Errorf("dynamodb: invalid conversation id %q: %w", convID, err)
	}
	to, err := strAttr(item, "toStatus")
	if err != nil {
		return nil, err
	}
	tr.ToStatus = conversation.Status(to)
	if from, err := strAttr(item, "fromStatus"); err == nil {
		st := conversation.Status(from)
		tr.FromStatus = &st
	}
	if tr.Version, err = intAttr(item, "version"); err != nil {
		return nil, err
	}
	by, err := strAttr(item, "changedBy")
	if err != nil {
		return nil, err
	}
	tr.ChangedBy = conversation.Actor(by)
	tr.Reason, _ = strAttr(item, "reason") // allow empty
	if sig, ok := item["signature"].(*types.AttributeValueMemberB); ok {
		tr.Signature = sig.Value
	}
	if tr.CreatedAt, err = timeAttr(item, "createdAt"); err != nil {
		return nil, err
	}
	return &tr, nil
}

func messageItems(m *conversation.Message) (unique, timeline map[string]types.AttributeValue) {
	fill := func(item map[string]types.AttributeValue) map[string]types.AttributeValue {
		item["id"] = strVal(m.ID.String())
		item["externalMessageId"] = strVal(m.ExternalMessageID)
		item["conversationId"] = strVal(m.ConversationID.String())
		item["direction"] = strVal(string(m.Direction))
		item["body"] = strVal(m.Body)
		item["createdAt"] = timeVal(m.CreatedAt)
		return item
	}
	unique = fill(key(msgPK(m.ExternalMessageID), skMsg))
	timeline = fill(key(convPK(m.ConversationID.String()),
		fmt.Sprintf("%s%020d#%s", skPrefixMsg, m.CreatedAt.UTC().UnixNano(), m.ExternalMessageID)))
	return unique, timeline
}

func itemToMessage(item map[string]types.AttributeValue) (*conversation.Message, error) {
	var m conversation.Message
	id, err := strAttr(item, "id")
	if err != nil {
		return nil, err
	}
	if m.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("dynamodb: invalid message id %q: %w", id, err)
	}
	convID, err := strAttr(item, "conversationId")
	if err != nil {
		return nil, err
	}
	if m.ConversationID, err = uuid.Parse(convID); err != nil {
		return nil, fmt.Errorf("dynamodb: invalid conversation id %q: %w", convID, err)
	}
	if m.ExternalMessageID, err = strAttr(item, "externalMessageId"); err != nil {
		return nil, err
	}
	direction, err := strAttr(item, "direction")
	if err != nil {
		return nil, err
	}
	m.Direction = conversation.Direction(direction)
	m.Body, _ = strAttr(item, "body") // allow empty
	if m.CreatedAt, err = timeAttr(item, "createdAt"); err != nil {
		return nil, err
	}
	return &m, nil
}

func strVal(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func intVal(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

// timeVal stores instants as unix nanoseconds so conditions compare numerically.
func timeVal(t time.Time) types.AttributeValue {
	return intVal(t.UTC().UnixNano())
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("dynamodb: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("dynamodb: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("dynamodb: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("dynamodb: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("dynamodb: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	n, err := intAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n).UTC(), nil
}

func optTimeAttr(item map[string]types.AttributeValue, key string) *time.Time {
	t, err := timeAttr(item, key)
	if err != nil {
		return nil
	}
	return &t
}
