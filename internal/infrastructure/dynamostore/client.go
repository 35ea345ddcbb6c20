package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/execution-hub/convoflow/internal/domain/audit"
	"github.com/execution-hub/convoflow/internal/domain/conversation"
)

// Single-table layout:
//
//	CONV#<id>                  META              conversation row
//	CONV#<id>                  TR#<version>      audit row
//	CONV#<id>                  MSG#<ts>#<ext>    message, ordered by time
//	MSG#<external id>          MSG               message uniqueness item
//	ACTIVE#<owner>#<session>   LOCK              active-session uniqueness item
const (
	skMeta        = "META"
	skLock        = "LOCK"
	skMsg         = "MSG"
	skPrefixTR    = "TR#"
	skPrefixMsg   = "MSG#"
	conditionFail = "ConditionalCheckFailed"
)

// dynamodbAPI is the minimal DynamoDB interface required by Store.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store implements the conversation, message and audit stores on one DynamoDB table.
// Conditional expressions and TransactWriteItems provide the atomic writes.
type Store struct {
	api       dynamodbAPI
	tableName string
}

var (
	_ conversation.Store        = (*Store)(nil)
	_ conversation.MessageStore = (*Store)(nil)
	_ audit.Repository          = (*Store)(nil)
)

// New creates a Store over tableName.
func New(api dynamodbAPI, tableName string) (*Store, error) {
	if api == nil {
		return nil, errors.New("dynamodb: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("dynamodb: table name must not be empty")
	}
	return &Store{api: api, tableName: tableName}, nil
}

func convPK(id string) string {
	return "CONV#" + id
}

func lockPK(ownerID, sessionKey string) string {
	return "ACTIVE#" + ownerID + "#" + sessionKey
}

func msgPK(externalID string) string {
	return "MSG#" + externalID
}

// trSK zero-pads the version so sort keys order numerically.
func trSK(version int64) string {
	return fmt.Sprintf("%s%020d", skPrefixTR, version)
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func (s *Store) table() *string {
	return aws.String(s.tableName)
}

// cancelledAt reports whether a cancelled transaction failed its condition at item index i.
func cancelledAt(err error, i int) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false
	}
	if i >= len(tce.CancellationReasons) {
		return false
	}
	return aws.ToString(tce.CancellationReasons[i].Code) == conditionFail
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: dynamodb: %s: %w", conversation.ErrStorageUnavailable, op, err)
}

// NewFromConfig builds a Store from a loaded AWS configuration.
func NewFromConfig(cfg aws.Config, tableName string) (*Store, error) {
	return New(dynamodb.NewFromConfig(cfg), tableName)
}
