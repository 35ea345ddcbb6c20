package dynamostore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/convoflow/internal/domain/audit"
	"github.com/execution-hub/convoflow/internal/domain/conversation"
)

type fakeDynamo struct {
	items      map[string]map[string]types.AttributeValue
	getErr     error
	updateErr  error
	txErr      error
	scanOut    []*dynamodb.ScanOutput
	queryOut   *dynamodb.QueryOutput
	lastTx     *dynamodb.TransactWriteItemsInput
	lastUpdate *dynamodb.UpdateItemInput
	lastScan   *dynamodb.ScanInput
	scanCalls  int
}

func newFake() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]types.AttributeValue{}}
}

func itemKey(k map[string]types.AttributeValue) string {
	pk, _ := strAttr(k, "PK")
	sk, _ := strAttr(k, "SK")
	return pk + "|" + sk
}

func (f *fakeDynamo) put(item map[string]types.AttributeValue) {
	f.items[itemKey(item)] = item
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &dynamodb.GetItemOutput{Item: f.items[itemKey(in.Key)]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.put(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdate = in
	return &dynamodb.UpdateItemOutput{}, f.updateErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if f.queryOut != nil {
		return f.queryOut, nil
	}
	return &dynamodb.QueryOutput{}, nil
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.lastScan = in
	if f.scanCalls >= len(f.scanOut) {
		return &dynamodb.ScanOutput{}, nil
	}
	out := f.scanOut[f.scanCalls]
	f.scanCalls++
	return out, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTx = in
	if f.txErr != nil {
		return nil, f.txErr
	}
	for _, item := range in.TransactItems {
		if item.Put != nil {
			f.put(item.Put.Item)
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func cancelled(codes ...string) error {
	reasons := make([]types.CancellationReason, len(codes))
	for i, c := range codes {
		reasons[i] = types.CancellationReason{Code: aws.String(c)}
	}
	return &types.TransactionCanceledException{Message: aws.String("cancelled"), CancellationReasons: reasons}
}

func mustNewStore(t *testing.T, db *fakeDynamo) *Store {
	t.Helper()
	s, err := New(db, "convoflow")
	require.NoError(t, err)
	return s
}

func newConversation(t *testing.T) *conversation.Conversation {
	t.Helper()
	c, err := conversation.NewConversation("O1", "wa:+A::wa:+B", time.Now(), time.Hour)
	require.NoError(t, err)
	return c
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "table")
	assert.Error(t, err)
	_, err = New(newFake(), "  ")
	assert.Error(t, err)
}

func TestResolveOrCreate_WritesLockConversationAndAudit(t *testing.T) {
	db := newFake()
	s := mustNewStore(t, db)
	c := newConversation(t)

	got, created, err := s.ResolveOrCreate(context.Background(), c, conversation.NewCreationTransition(c))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, c.ID, got.ID)

	require.Len(t, db.lastTx.TransactItems, 3)
	lockPut := db.lastTx.TransactItems[0].Put
	assert.Equal(t, "attribute_not_exists(PK)", aws.ToString(lockPut.ConditionExpression))
	pk, _ := strAttr(lockPut.Item, "PK")
	assert.Equal(t, "ACTIVE#O1#wa:+A::wa:+B", pk)
	sk, _ := strAttr(db.lastTx.TransactItems[2].Put.Item, "SK")
	assert.Equal(t, trSK(1), sk)
}

func TestResolveOrCreate_LosingWriterReadsWinner(t *testing.T) {
	db := newFake()
	s := mustNewStore(t, db)
	winner := newConversation(t)
	db.put(conversationItem(winner))
	lock := key(lockPK(winner.OwnerID, winner.SessionKey), skLock)
	lock["conversationId"] = strVal(winner.ID.String())
	db.put(lock)
	db.txErr = cancelled(conditionFail, "None")

	loser := newConversation(t)
	got, created, err := s.ResolveOrCreate(context.Background(), loser, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, winner.ID, got.ID)
}

func TestTryTransition_ConditionFailureIsClassified(t *testing.T) {
	db := newFake()
	s := mustNewStore(t, db)
	c := newConversation(t)
	c.Version = 9
	c.Status = conversation.StatusExpired
	db.put(conversationItem(c))
	db.txErr = cancelled(conditionFail, "None")

	res, err := s.TryTransition(context.Background(), &conversation.TransitionRequest{
		ConversationID:  c.ID,
		ExpectedVersion: 8,
		To:              conversation.StatusAgentClosed,
		Rank:            conversation.Rank(conversation.StatusAgentClosed),
		At:              time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, conversation.OutcomeVersionConflict, res.Outcome)
	assert.Equal(t, conversation.StatusExpired, res.Conversation.Status)
}

func TestTryTransition_BuildsConditionalUpdate(t *testing.T) {
	db := newFake()
	s := mustNewStore(t, db)
	c := newConversation(t)
	db.put(conversationItem(c))
	cutoff := time.Now().Add(-time.Minute)
	at := time.Now()

	_, err := s.TryTransition(context.Background(), &conversation.TransitionRequest{
		ConversationID:  c.ID,
		ExpectedVersion: 1,
		To:              conversation.StatusExpired,
		Rank:            conversation.Rank(conversation.StatusExpired),
		At:              at,
		IdleCutoff:      &cutoff,
		Audit:           conversation.NewStateTransition(c, conversation.StatusExpired, conversation.ActorSystem, "sweep", at),
	})
	require.NoError(t, err)

	require.Len(t, db.lastTx.TransactItems, 3)
	update := db.lastTx.TransactItems[0].Update
	require.NotNil(t, update)
	cond := aws.ToString(update.ConditionExpression)
	assert.Contains(t, cond, "version = :expected")
	assert.Contains(t, cond, "updatedAt <= :cutoff")
	assert.Contains(t, cond, "intentRank <= :rank")
	assert.Contains(t, aws.ToString(update.UpdateExpression), "endedAt = :at")
	assert.NotNil(t, db.lastTx.TransactItems[2].Delete, "terminal transitions release the session lock")
}

func TestTryTransition_InfrastructureErrorIsUnavailable(t *testing.T) {
	db := newFake()
	s := mustNewStore(t, db)
	c := newConversation(t)
	db.put(conversationItem(c))
	db.txErr = errors.New("throttled")

	_, err := s.TryTransition(context.Background(), &conversation.TransitionRequest{
		ConversationID: c.ID, ExpectedVersion: 1, To: conversation.StatusProgress, At: time.Now(),
	})
	assert.ErrorIs(t, err, conversation.ErrStorageUnavailable)
}

func TestAnnounceIntent(t *testing.T) {
	db := newFake()
	s := mustNewStore(t, db)
	req := &conversation.IntentRequest{ConversationID: newConversation(t).ID, ExpectedVersion: 1, Rank: 60, Until: time.Now().Add(time.Second), At: time.Now()}

	ok, err := s.AnnounceIntent(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, aws.ToString(db.lastUpdate.UpdateExpression), "intentRank = :rank")

	db.updateErr = &types.ConditionalCheckFailedException{Message: aws.String("no")}
	ok, err = s.AnnounceIntent(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordActivity_ConditionFailureReadsRow(t *testing.T) {
	db := newFake()
	s := mustNewStore(t, db)
	c := newConversation(t)
	db.put(conversationItem(c))
	db.updateErr = &types.ConditionalCheckFailedException{Message: aws.String("no")}

	ok, err := s.RecordActivity(context.Background(), c.ID, c.UpdatedAt.Add(-time.Second))
	require.NoError(t, err)
	assert.True(t, ok, "older activity on an active row still counts as active")
}

func TestInsertMessage_DuplicateDetected(t *testing.T) {
	db := newFake()
	s := mustNewStore(t, db)
	c := newConversation(t)
	m := conversation.NewMessage("SM123", c.ID, conversation.DirectionInbound, "hi", time.Now())

	require.NoError(t, s.InsertMessage(context.Background(), m))
	got, err := s.GetMessageByExternalID(context.Background(), "SM123")
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)

	db.txErr = cancelled(conditionFail, "None")
	err = s.InsertMessage(context.Background(), m)
	assert.ErrorIs(t, err, conversation.ErrDuplicateMessage)
}

func TestListSweepCandidates_PaginatesAndLimits(t *testing.T) {
	db := newFake()
	s := mustNewStore(t, db)
	now := time.Now()
	a := newConversation(t)
	a.UpdatedAt = now.Add(-2 * time.Hour)
	b := newConversation(t)
	b.UpdatedAt = now.Add(-3 * time.Hour)
	db.scanOut = []*dynamodb.ScanOutput{
		{Items: []map[string]types.AttributeValue{conversationItem(a)}, LastEvaluatedKey: key("x", "y")},
		{Items: []map[string]types.AttributeValue{conversationItem(b)}},
	}

	got, err := s.ListSweepCandidates(context.Background(), conversation.SweepQuery{Now: now, IdleBefore: now, ExpireIdleBefore: now, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)
	assert.True(t, strings.HasPrefix(aws.ToString(db.lastScan.FilterExpression), "SK = :meta"))
}

func TestQuery_FiltersAndPaginates(t *testing.T) {
	db := newFake()
	s := mustNewStore(t, db)
	c := newConversation(t)
	now := time.Now()
	first := conversation.NewCreationTransition(c)
	second := conversation.NewStateTransition(c, conversation.StatusProgress, conversation.ActorAgent, "", now.Add(time.Second))
	db.queryOut = &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{transitionItem(first), transitionItem(second)}}

	page, next, err := s.Query(context.Background(), audit.QueryFilter{ConversationID: &c.ID}, nil, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.NotNil(t, next)
	assert.Equal(t, first.ID, page[0].ID)

	rest, next, err := s.Query(context.Background(), audit.QueryFilter{ConversationID: &c.ID}, next, 1)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Nil(t, next)
	assert.Equal(t, conversation.StatusProgress, rest[0].ToStatus)
	require.NotNil(t, rest[0].FromStatus)
}
