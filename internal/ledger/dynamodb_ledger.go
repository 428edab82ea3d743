package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// PutItemAPI is the slice of the DynamoDB client the ledger needs.
type PutItemAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoLedger stores records keyed by transaction_id.
type DynamoLedger struct {
	client    PutItemAPI
	tableName string
}

func NewDynamoLedger(client PutItemAPI, tableName string) *DynamoLedger {
	return &DynamoLedger{client: client, tableName: tableName}
}

type dynamoRecord struct {
	TransactionID string `dynamodbav:"transaction_id"`
	Donor         string `dynamodbav:"donor"`
	Amount        string `dynamodbav:"amount"`
	CreatedAt     string `dynamodbav:"created_at"`
}

func (d *DynamoLedger) Append(ctx context.Context, rec Record) error {
	if d.client == nil {
		return fmt.Errorf("DynamoDB client not initialized")
	}
	if err := validateRecord(rec); err != nil {
		return err
	}

	item, err := attributevalue.MarshalMap(dynamoRecord{
		TransactionID: rec.TransactionID,
		Donor:         rec.Donor,
		Amount:        rec.Amount.String(),
		CreatedAt:     rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal donation: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(transaction_id)"),
	})
	var condErr *dynamodbtypes.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("put donation: %w", err)
	}
	return nil
}
