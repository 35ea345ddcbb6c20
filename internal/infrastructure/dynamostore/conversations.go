package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/execution-hub/convoflow/internal/domain/conversation"
)

const resolveAttempts = 3

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*conversation.Conversation, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      s.table(),
		Key:            key(convPK(id.String()), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, unavailable("get conversation", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, conversation.ErrNotFound
	}
	c, err := itemToConversation(out.Item)
	if err != nil {
		return nil, unavailable("decode conversation", err)
	}
	return c, nil
}

// ResolveOrCreate writes the lock item, the conversation and its creation audit
// row in one transaction. A failed lock condition means another writer owns the
// session; its conversation is returned instead.
func (s *Store) ResolveOrCreate(ctx context.Context, c *conversation.Conversation, created *conversation.StateTransition) (*conversation.Conversation, bool, error) {
	lock := key(lockPK(c.OwnerID, c.SessionKey), skLock)
	lock["conversationId"] = strVal(c.ID.String())

	items := []types.TransactWriteItem{
		{Put: &types.Put{
			TableName:           s.table(),
			Item:                lock,
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		}},
		{Put: &types.Put{
			TableName:           s.table(),
			Item:                conversationItem(c),
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		}},
	}
	if created != nil {
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName:           s.table(),
			Item:                transitionItem(created),
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		}})
	}

	for attempt := 0; attempt < resolveAttempts; attempt++ {
		_, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
		if err == nil {
			return c, true, nil
		}
		if !cancelledAt(err, 0) {
			return nil, false, unavailable("create conversation", err)
		}
		existing, err := s.activeFor(ctx, c.OwnerID, c.SessionKey)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}
	return nil, false, unavailable("resolve conversation", errors.New("active conversation changed during resolve"))
}

func (s *Store) activeFor(ctx context.Context, ownerID, sessionKey string) (*conversation.Conversation, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      s.table(),
		Key:            key(lockPK(ownerID, sessionKey), skLock),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, unavailable("get session lock", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	raw, err := strAttr(out.Item, "conversationId")
	if err != nil {
		return nil, unavailable("decode session lock", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, unavailable("decode session lock", err)
	}
	c, err := s.Get(ctx, id)
	if errors.Is(err, conversation.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if c.IsTerminal() {
		return nil, nil
	}
	return c, nil
}

func (s *Store) TryTransition(ctx context.Context, req *conversation.TransitionRequest) (*conversation.TransitionResult, error) {
	sources := conversation.LegalSources(req.To)
	if len(sources) == 0 {
		return s.classify(ctx, req)
	}

	at := req.At.UTC()
	names := map[string]string{"#status": "status"}
	values := map[string]types.AttributeValue{
		":to":       strVal(string(req.To)),
		":one":      intVal(1),
		":at":       timeVal(at),
		":expected": intVal(req.ExpectedVersion),
		":rank":     intVal(int64(req.Rank)),
	}
	update := "SET #status = :to, version = version + :one, updatedAt = :at"
	if req.To.IsTerminal() {
		update += ", endedAt = :at"
	}
	update += " REMOVE intentRank, intentUntil"

	condition := "version = :expected AND #status IN (" + statusList(sources, values) + ")" +
		" AND (attribute_not_exists(intentRank) OR intentUntil <= :at OR intentRank <= :rank)"
	if req.IdleCutoff != nil {
		condition += " AND updatedAt <= :cutoff"
		values[":cutoff"] = timeVal(*req.IdleCutoff)
	}

	items := []types.TransactWriteItem{{Update: &types.Update{
		TableName:                 s.table(),
		Key:                       key(convPK(req.ConversationID.String()), skMeta),
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}}}
	if req.Audit != nil {
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName:           s.table(),
			Item:                transitionItem(req.Audit),
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		}})
	}
	if req.To.IsTerminal() {
		current, err := s.Get(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		items = append(items, types.TransactWriteItem{Delete: &types.Delete{
			TableName:           s.table(),
			Key:                 key(lockPK(current.OwnerID, current.SessionKey), skLock),
			ConditionExpression: aws.String("attribute_not_exists(PK) OR conversationId = :id"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":id": strVal(req.ConversationID.String()),
			},
		}})
	}

	if _, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		if cancelledAt(err, 0) {
			return s.classify(ctx, req)
		}
		return nil, unavailable("transition conversation", err)
	}
	updated, err := s.Get(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	return &conversation.TransitionResult{Outcome: conversation.OutcomeCommitted, Conversation: updated}, nil
}

func (s *Store) classify(ctx context.Context, req *conversation.TransitionRequest) (*conversation.TransitionResult, error) {
	current, err := s.Get(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	outcome, reason := conversation.Classify(current, req)
	if outcome == conversation.OutcomeCommitted {
		outcome, reason = conversation.OutcomeVersionConflict, conversation.RejectVersionMoved
	}
	return &conversation.TransitionResult{Outcome: outcome, Reason: reason, Conversation: current}, nil
}

func (s *Store) AnnounceIntent(ctx context.Context, req *conversation.IntentRequest) (bool, error) {
	values := map[string]types.AttributeValue{
		":rank":     intVal(int64(req.Rank)),
		":until":    timeVal(req.Until),
		":expected": intVal(req.ExpectedVersion),
		":at":       timeVal(req.At),
	}
	condition := "version = :expected AND #status IN (" + statusList(conversation.ActiveStatuses, values) + ")" +
		" AND (attribute_not_exists(intentRank) OR intentUntil <= :at OR intentRank <= :rank)"
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 s.table(),
		Key:                       key(convPK(req.ConversationID.String()), skMeta),
		UpdateExpression:          aws.String("SET intentRank = :rank, intentUntil = :until"),
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, unavailable("announce intent", err)
	}
	return true, nil
}

func (s *Store) RecordActivity(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	values := map[string]types.AttributeValue{":at": timeVal(at)}
	condition := "#status IN (" + statusList(conversation.ActiveStatuses, values) + ") AND updatedAt < :at"
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 s.table(),
		Key:                       key(convPK(id.String()), skMeta),
		UpdateExpression:          aws.String("SET updatedAt = :at"),
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: values,
	})
	if err == nil {
		return true, nil
	}
	if !isConditionFailed(err) {
		return false, unavailable("record activity", err)
	}
	// Either the row already saw later activity or it is no longer active.
	current, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return !current.IsTerminal(), nil
}

// ListSweepCandidates scans conversation rows. Acceptable for the single-table
// deployments this backend targets; large fleets use the Postgres store.
func (s *Store) ListSweepCandidates(ctx context.Context, q conversation.SweepQuery) ([]*conversation.Conversation, error) {
	values := map[string]types.AttributeValue{
		":meta":     strVal(skMeta),
		":now":      timeVal(q.Now),
		":idle":     timeVal(q.IdleBefore),
		":expire":   timeVal(q.ExpireIdleBefore),
		":progress": strVal(string(conversation.StatusProgress)),
		":pending":  strVal(string(conversation.StatusPending)),
		":idlest":   strVal(string(conversation.StatusIdleTimeout)),
	}
	filter := "SK = :meta AND #status IN (" + statusList(conversation.ActiveStatuses, values) + ")" +
		" AND ((attribute_exists(expiresAt) AND expiresAt <= :now)" +
		" OR (#status = :progress AND updatedAt <= :idle)" +
		" OR (#status IN (:pending, :idlest) AND updatedAt <= :expire))"

	var out []*conversation.Conversation
	var start map[string]types.AttributeValue
	for {
		page, err := s.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 s.table(),
			FilterExpression:          aws.String(filter),
			ExpressionAttributeNames:  map[string]string{"#status": "status"},
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         start,
			ConsistentRead:            aws.Bool(true),
		})
		if err != nil {
			return nil, unavailable("scan sweep candidates", err)
		}
		for _, item := range page.Items {
			c, err := itemToConversation(item)
			if err != nil {
				return nil, unavailable("decode sweep candidate", err)
			}
			out = append(out, c)
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		start = page.LastEvaluatedKey
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// statusList registers one placeholder per status in values and returns them comma separated.
func statusList(statuses []conversation.Status, values map[string]types.AttributeValue) string {
	placeholders := make([]string, len(statuses))
	for i, st := range statuses {
		ph := fmt.Sprintf(":s%d", i)
		values[ph] = strVal(string(st))
		placeholders[i] = ph
	}
	return strings.Join(placeholders, ", ")
}
