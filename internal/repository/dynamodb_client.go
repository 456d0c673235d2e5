package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"burrowed-assistant/internal/domain"
)

const (
	skUsage           = "USAGE#"
	skPrefixCall      = "CALL#"
	maxCommitAttempts = 5
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Client stores token usage rows and the conversation audit log in a single
// DynamoDB table keyed by PK/SK.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// clientPK returns the partition key for a client identifier.
func clientPK(clientID string) string {
	return "CLIENT#" + clientID
}

// callSK orders audit records chronologically; the id breaks ties.
func callSK(ts time.Time, id string) string {
	return skPrefixCall + ts.UTC().Format(time.RFC3339Nano) + "#" + id
}

func usageKey(clientID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: clientPK(clientID)},
		"SK": &types.AttributeValueMemberS{Value: skUsage},
	}
}

// Usage reads the ledger row for a client with a strongly consistent read.
func (c *Client) Usage(ctx context.Context, clientID string) (domain.TokenUsage, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            usageKey(clientID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.TokenUsage{}, false, fmt.Errorf("repository: Usage get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.TokenUsage{}, false, nil
	}

	used, err := intAttr(out.Item, "tokensUsed")
	if err != nil {
		return domain.TokenUsage{}, false, fmt.Errorf("repository: Usage decode tokensUsed: %w", err)
	}
	updated, err := int64Attr(out.Item, "lastUpdated")
	if err != nil {
		return domain.TokenUsage{}, false, fmt.Errorf("repository: Usage decode lastUpdated: %w", err)
	}
	return domain.TokenUsage{
		ClientID:    clientID,
		TokensUsed:  used,
		LastUpdated: time.UnixMilli(updated).UTC(),
	}, true, nil
}

// Add charges tokens to the client's row. Each attempt is a single-item
// conditional update, so concurrent writers for one client serialize on the
// row: the accumulate path only applies to a fresh row and the reset path
// only to a missing or stale one. A writer that loses both races retries.
func (c *Client) Add(ctx context.Context, clientID string, tokens int, now time.Time, window time.Duration) (int, error) {
	cutoff := now.Add(-window).UnixMilli()
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		total, err := c.updateUsage(ctx, clientID, tokens, now, cutoff, true)
		if err == nil {
			return total, nil
		}
		if !isConditionFailed(err) {
			return 0, fmt.Errorf("repository: Add accumulate: %w", err)
		}

		total, err = c.updateUsage(ctx, clientID, tokens, now, cutoff, false)
		if err == nil {
			return total, nil
		}
		if !isConditionFailed(err) {
			return 0, fmt.Errorf("repository: Add reset: %w", err)
		}
	}
	return 0, fmt.Errorf("repository: Add: no progress after %d conditional attempts", maxCommitAttempts)
}

func (c *Client) updateUsage(ctx context.Context, clientID string, tokens int, now time.Time, cutoff int64, accumulate bool) (int, error) {
	update := "SET tokensUsed = :tokens, lastUpdated = :now, clientId = :cid"
	condition := "attribute_not_exists(PK) OR lastUpdated < :cutoff"
	if accumulate {
		update = "SET tokensUsed = tokensUsed + :tokens, lastUpdated = :now, clientId = :cid"
		condition = "attribute_exists(PK) AND lastUpdated >= :cutoff"
	}

	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 usageKey(clientID),
		UpdateExpression:    aws.String(update),
		ConditionExpression: aws.String(condition),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tokens": &types.AttributeValueMemberN{Value: strconv.Itoa(tokens)},
			":now":    &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
			":cid":    &types.AttributeValueMemberS{Value: clientID},
			":cutoff": &types.AttributeValueMemberN{Value: strconv.FormatInt(cutoff, 10)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, err
	}
	if out == nil {
		return 0, errors.New("repository: empty update response")
	}
	total, err := intAttr(out.Attributes, "tokensUsed")
	if err != nil {
		return 0, fmt.Errorf("repository: decode updated tokensUsed: %w", err)
	}
	return total, nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// RecordConversation appends one audit record. Records are never updated.
func (c *Client) RecordConversation(ctx context.Context, rec domain.ConversationRecord) error {
	if strings.TrimSpace(rec.ClientID) == "" {
		return errors.New("repository: RecordConversation: client id is required")
	}
	if rec.ID == "" {
		rec.ID = newID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                conversationItem(rec),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: RecordConversation: %w", err)
	}
	return nil
}

func conversationItem(rec domain.ConversationRecord) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":               &types.AttributeValueMemberS{Value: clientPK(rec.ClientID)},
		"SK":               &types.AttributeValueMemberS{Value: callSK(rec.CreatedAt, rec.ID)},
		"id":               &types.AttributeValueMemberS{Value: rec.ID},
		"clientId":         &types.AttributeValueMemberS{Value: rec.ClientID},
		"agentStage":       &types.AttributeValueMemberS{Value: string(rec.Stage)},
		"inputText":        &types.AttributeValueMemberS{Value: rec.InputText},
		"outputText":       &types.AttributeValueMemberS{Value: rec.OutputText},
		"promptTokens":     &types.AttributeValueMemberN{Value: strconv.Itoa(rec.PromptTokens)},
		"completionTokens": &types.AttributeValueMemberN{Value: strconv.Itoa(rec.CompletionTokens)},
		"totalTokens":      &types.AttributeValueMemberN{Value: strconv.Itoa(rec.TotalTokens)},
		"processingTimeMs": &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.ProcessingTime.Milliseconds(), 10)},
		"createdAt":        &types.AttributeValueMemberS{Value: rec.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	n, err := int64Attr(item, key)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

var newID = func() string {
	return uuid.NewString()
}
