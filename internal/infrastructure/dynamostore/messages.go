package dynamostore

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/execution-hub/convoflow/internal/domain/conversation"
)

// InsertMessage writes the uniqueness item and the timeline item together; a
// failed condition on the first means the external id was already ingested.
func (s *Store) InsertMessage(ctx context.Context, m *conversation.Message) error {
	unique, timeline := messageItems(m)
	_, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           s.table(),
				Item:                unique,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			}},
			{Put: &types.Put{
				TableName: s.table(),
				Item:      timeline,
			}},
		},
	})
	if err != nil {
		if cancelledAt(err, 0) {
			return conversation.ErrDuplicateMessage
		}
		return unavailable("insert message", err)
	}
	return nil
}

func (s *Store) GetMessageByExternalID(ctx context.Context, externalID string) (*conversation.Message, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      s.table(),
		Key:            key(msgPK(externalID), skMsg),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, unavailable("get message", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, conversation.ErrNotFound
	}
	m, err := itemToMessage(out.Item)
	if err != nil {
		return nil, unavailable("decode message", err)
	}
	return m, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]*conversation.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              s.table(),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     strVal(convPK(conversationID.String())),
			":prefix": strVal(skPrefixMsg),
		},
		ScanIndexForward: aws.Bool(true),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}
	out, err := s.api.Query(ctx, in)
	if err != nil {
		return nil, unavailable("list messages", err)
	}
	msgs := make([]*conversation.Message, 0, len(out.Items))
	for _, item := range out.Items {
		m, err := itemToMessage(item)
		if err != nil {
			return nil, unavailable("decode message", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
