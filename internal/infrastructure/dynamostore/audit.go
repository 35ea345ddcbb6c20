package dynamostore

import (
	"context"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/execution-hub/convoflow/internal/domain/audit"
	"github.com/execution-hub/convoflow/internal/domain/conversation"
)

func (s *Store) ListByConversation(ctx context.Context, conversationID uuid.UUID) ([]*conversation.StateTransition, error) {
	var out []*conversation.StateTransition
	var start map[string]types.AttributeValue
	for {
		page, err := s.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              s.table(),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     strVal(convPK(conversationID.String())),
				":prefix": strVal(skPrefixTR),
			},
			ScanIndexForward:  aws.Bool(true),
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, unavailable("list transitions", err)
		}
		for _, item := range page.Items {
			tr, err := itemToTransition(item)
			if err != nil {
				return nil, unavailable("decode transition", err)
			}
			out = append(out, tr)
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		start = page.LastEvaluatedKey
	}
}

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*conversation.StateTransition, error) {
	trs, err := s.scanTransitions(ctx, "id = :id", map[string]types.AttributeValue{":id": strVal(id.String())})
	if err != nil {
		return nil, err
	}
	if len(trs) == 0 {
		return nil, conversation.ErrNotFound
	}
	return trs[0], nil
}

// Query pages the feed in memory after narrowing by conversation when possible.
func (s *Store) Query(ctx context.Context, filter audit.QueryFilter, cursor *audit.Cursor, limit int) ([]*conversation.StateTransition, *audit.Cursor, error) {
	var (
		all []*conversation.StateTransition
		err error
	)
	if filter.ConversationID != nil {
		all, err = s.ListByConversation(ctx, *filter.ConversationID)
	} else {
		all, err = s.scanTransitions(ctx, "", nil)
	}
	if err != nil {
		return nil, nil, err
	}

	var matched []*conversation.StateTransition
	for _, tr := range all {
		if filter.Matches(tr) && cursor.After(tr) {
			matched = append(matched, tr)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	var next *audit.Cursor
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
		last := matched[len(matched)-1]
		next = &audit.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return matched, next, nil
}

func (s *Store) scanTransitions(ctx context.Context, extra string, values map[string]types.AttributeValue) ([]*conversation.StateTransition, error) {
	if values == nil {
		values = map[string]types.AttributeValue{}
	}
	values[":prefix"] = strVal(skPrefixTR)
	filter := "begins_with(SK, :prefix)"
	if extra != "" {
		filter += " AND " + extra
	}

	var out []*conversation.StateTransition
	var start map[string]types.AttributeValue
	for {
		page, err := s.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 s.table(),
			FilterExpression:          aws.String(filter),
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         start,
		})
		if err != nil {
			return nil, unavailable("scan transitions", err)
		}
		for _, item := range page.Items {
			tr, err := itemToTransition(item)
			if err != nil {
				return nil, unavailable("decode transition", err)
			}
			out = append(out, tr)
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		start = page.LastEvaluatedKey
	}
}
