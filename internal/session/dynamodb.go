package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/lgulliver/freight/pkg/types"
	"github.com/rs/zerolog/log"
)

// ttlAttribute holds ExpiresAt as epoch seconds for DynamoDB's native TTL
const ttlAttribute = "ttl"

// DynamoStore keeps sessions in a DynamoDB table keyed by upload_id. Writes
// after creation are conditioned on the stored version.
type DynamoStore struct {
	client    *dynamodb.Client
	tableName string
}

// NewDynamoStore creates a store on an existing table
func NewDynamoStore(client *dynamodb.Client, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
	}
}

// EnsureTable creates the table with TTL enabled if it does not exist yet
func (d *DynamoStore) EnsureTable(ctx context.Context) error {
	_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.tableName),
	})
	if err == nil {
		return nil
	}
	var notFound *ddbtypes.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("failed to describe table: %w", err)
	}

	log.Info().Str("table", d.tableName).Msg("creating session table")
	_, err = d.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(d.tableName),
		AttributeDefinitions: []ddbtypes.AttributeDefinition{
			{AttributeName: aws.String("upload_id"), AttributeType: ddbtypes.ScalarAttributeTypeS},
		},
		KeySchema: []ddbtypes.KeySchemaElement{
			{AttributeName: aws.String("upload_id"), KeyType: ddbtypes.KeyTypeHash},
		},
		BillingMode: ddbtypes.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	waiter := dynamodb.NewTableExistsWaiter(d.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.tableName)}, 2*time.Minute); err != nil {
		return fmt.Errorf("table did not become active: %w", err)
	}

	_, err = d.client.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(d.tableName),
		TimeToLiveSpecification: &ddbtypes.TimeToLiveSpecification{
			AttributeName: aws.String(ttlAttribute),
			Enabled:       aws.Bool(true),
		},
	})
	if err != nil {
		log.Warn().Err(err).Str("table", d.tableName).Msg("failed to enable table TTL")
	}
	return nil
}

func (d *DynamoStore) marshal(s *types.UploadSession) (map[string]ddbtypes.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	item[ttlAttribute] = &ddbtypes.AttributeValueMemberN{
		Value: strconv.FormatInt(s.ExpiresAt.Add(redisTTLGrace).Unix(), 10),
	}
	return item, nil
}

func isConditionFailed(err error) bool {
	var ccf *ddbtypes.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (d *DynamoStore) Create(ctx context.Context, s *types.UploadSession) error {
	item, err := d.marshal(s)
	if err != nil {
		return err
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(upload_id)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrExists
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (d *DynamoStore) Get(ctx context.Context, uploadID string) (*types.UploadSession, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]ddbtypes.AttributeValue{
			"upload_id": &ddbtypes.AttributeValueMemberS{Value: uploadID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}

	var s types.UploadSession
	if err := attributevalue.UnmarshalMap(out.Item, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, nil
}

func (d *DynamoStore) Update(ctx context.Context, uploadID string, fn UpdateFunc) (*types.UploadSession, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		current, err := d.Get(ctx, uploadID)
		if err != nil {
			return nil, err
		}

		next, write, err := applyUpdate(current, fn)
		if err != nil {
			return nil, err
		}
		if !write {
			return next, nil
		}

		item, err := d.marshal(next)
		if err != nil {
			return nil, err
		}

		_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(d.tableName),
			Item:                item,
			ConditionExpression: aws.String("#version = :v"),
			ExpressionAttributeNames: map[string]string{
				"#version": "version",
			},
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":v": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(current.Version, 10)},
			},
		})
		if err == nil {
			return next, nil
		}
		if !isConditionFailed(err) {
			return nil, fmt.Errorf("failed to update session: %w", err)
		}
	}
	return nil, ErrConflict
}

func (d *DynamoStore) Delete(ctx context.Context, uploadID string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]ddbtypes.AttributeValue{
			"upload_id": &ddbtypes.AttributeValueMemberS{Value: uploadID},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// ListExpired scans on the ttl attribute; it is meant for the periodic reaper,
// not for request paths
func (d *DynamoStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]string, error) {
	paginator := dynamodb.NewScanPaginator(d.client, &dynamodb.ScanInput{
		TableName:            aws.String(d.tableName),
		ProjectionExpression: aws.String("upload_id"),
		FilterExpression:     aws.String("#ttl <= :cutoff"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": ttlAttribute,
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":cutoff": &ddbtypes.AttributeValueMemberN{
				Value: strconv.FormatInt(before.Add(redisTTLGrace).Unix(), 10),
			},
		},
	})

	var ids []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sessions: %w", err)
		}
		for _, item := range page.Items {
			var row struct {
				UploadID string `dynamodbav:"upload_id"`
			}
			if err := attributevalue.UnmarshalMap(item, &row); err != nil {
				return nil, fmt.Errorf("failed to unmarshal session id: %w", err)
			}
			ids = append(ids, row.UploadID)
			if limit > 0 && len(ids) >= limit {
				return ids, nil
			}
		}
	}
	return ids, nil
}

// Ping checks that the table is reachable
func (d *DynamoStore) Ping(ctx context.Context) error {
	_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.tableName),
	})
	return err
}

func (d *DynamoStore) Close() error {
	return nil
}
