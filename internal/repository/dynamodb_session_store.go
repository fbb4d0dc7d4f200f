package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/qcom/otpbroker/internal/models"
	"github.com/sirupsen/logrus"
)

const dynamoSessionPrefix = "OTP_SESSION#"

// DynamoAPI is the subset of *dynamodb.Client the session store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoSessionStore keeps sessions in a single DynamoDB table using the
// PK/SK layout, with the table's TTL attribute as a backstop for Sweep.
type DynamoSessionStore struct {
	client    DynamoAPI
	tableName string
	retention time.Duration
	logger    *logrus.Logger
}

func NewDynamoSessionStore(client DynamoAPI, tableName string, retention time.Duration, logger *logrus.Logger) *DynamoSessionStore {
	return &DynamoSessionStore{
		client:    client,
		tableName: tableName,
		retention: retention,
		logger:    logger,
	}
}

func sessionItemKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: dynamoSessionPrefix + id},
		"SK": &types.AttributeValueMemberS{Value: "METADATA"},
	}
}

// Put stores the session with TTL so DynamoDB removes it after the retention window.
func (r *DynamoSessionStore) Put(ctx context.Context, session models.OTPSession) error {
	item, err := r.sessionItem(session)
	if err != nil {
		return err
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to store OTP session in DynamoDB")
		return fmt.Errorf("failed to store otp session: %w", err)
	}

	return nil
}

// Update rewrites the item only while it still exists.
func (r *DynamoSessionStore) Update(ctx context.Context, session models.OTPSession) error {
	item, err := r.sessionItem(session)
	if err != nil {
		return err
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_exists(PK)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrSessionNotFound
		}
		r.logger.WithError(err).Error("Failed to update OTP session in DynamoDB")
		return fmt.Errorf("failed to update otp session: %w", err)
	}

	return nil
}

func (r *DynamoSessionStore) sessionItem(session models.OTPSession) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(session)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal otp session: %w", err)
	}

	for k, v := range sessionItemKey(session.SessionID) {
		item[k] = v
	}
	item["expires_at_unix"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(session.ExpiresAt.Unix(), 10)}
	item["TTL"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(session.ExpiresAt.Add(r.retention).Unix(), 10)}

	return item, nil
}

func (r *DynamoSessionStore) Get(ctx context.Context, id string) (*models.OTPSession, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            sessionItemKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get otp session: %w", err)
	}

	if result.Item == nil {
		return nil, ErrSessionNotFound
	}

	var session models.OTPSession
	if err := attributevalue.UnmarshalMap(result.Item, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal otp session: %w", err)
	}

	return &session, nil
}

func (r *DynamoSessionStore) Delete(ctx context.Context, id string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key:       sessionItemKey(id),
	})
	if err != nil {
		return fmt.Errorf("failed to delete otp session: %w", err)
	}

	return nil
}

// Sweep scans for expired sessions and deletes them one by one. DynamoDB's
// own TTL deletion can lag by hours, so it is not relied on here.
func (r *DynamoSessionStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	paginator := dynamodb.NewScanPaginator(r.client, &dynamodb.ScanInput{
		TableName:            aws.String(r.tableName),
		FilterExpression:     aws.String("begins_with(PK, :pk_prefix) AND expires_at_unix < :now"),
		ProjectionExpression: aws.String("PK, SK"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk_prefix": &types.AttributeValueMemberS{Value: dynamoSessionPrefix},
			":now":       &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})

	removed := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return removed, fmt.Errorf("failed to scan otp sessions: %w", err)
		}

		for _, item := range page.Items {
			_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(r.tableName),
				Key: map[string]types.AttributeValue{
					"PK": item["PK"],
					"SK": item["SK"],
				},
			})
			if err != nil {
				return removed, fmt.Errorf("failed to delete otp session during sweep: %w", err)
			}
			removed++
		}
	}

	return removed, nil
}
