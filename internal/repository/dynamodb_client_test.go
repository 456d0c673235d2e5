package repository

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"burrowed-assistant/internal/domain"
)

type updateResult struct {
	out *dynamodb.UpdateItemOutput
	err error
}

type fakeDynamo struct {
	getOut       *dynamodb.GetItemOutput
	getErr       error
	putErr       error
	updates      []updateResult
	lastGetInput *dynamodb.GetItemInput
	lastPutInput *dynamodb.PutItemInput
	updateInputs []*dynamodb.UpdateItemInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updateInputs = append(f.updateInputs, in)
	if len(f.updates) == 0 {
		return nil, errors.New("no update result configured")
	}
	r := f.updates[0]
	f.updates = f.updates[1:]
	return r.out, r.err
}

func updated(total int) updateResult {
	return updateResult{out: &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{
		"tokensUsed": &types.AttributeValueMemberN{Value: strconv.Itoa(total)},
	}}}
}

func conditionFailed() updateResult {
	return updateResult{err: &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}}
}

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	return c
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestUsage_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"PK":          &types.AttributeValueMemberS{Value: "CLIENT#1.2.3.4"},
		"SK":          &types.AttributeValueMemberS{Value: skUsage},
		"tokensUsed":  &types.AttributeValueMemberN{Value: "1234"},
		"lastUpdated": &types.AttributeValueMemberN{Value: strconv.FormatInt(testNow.UnixMilli(), 10)},
	}}}
	c := mustNewClient(t, db)

	u, ok, err := c.Usage(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1234, u.TokensUsed)
	require.True(t, testNow.Equal(u.LastUpdated))
	require.True(t, *db.lastGetInput.ConsistentRead)
	require.Equal(t, "CLIENT#1.2.3.4", db.lastGetInput.Key["PK"].(*types.AttributeValueMemberS).Value)
}

func TestUsage_Missing(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	_, ok, err := c.Usage(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUsage_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getErr: errors.New("boom")})
	_, _, err := c.Usage(context.Background(), "1.2.3.4")
	require.ErrorContains(t, err, "Usage get item")

	c = mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"tokensUsed": &types.AttributeValueMemberS{Value: "bad"},
	}}})
	_, _, err = c.Usage(context.Background(), "1.2.3.4")
	require.ErrorContains(t, err, "decode tokensUsed")
}

func TestAdd_AccumulatesFreshRow(t *testing.T) {
	db := &fakeDynamo{updates: []updateResult{updated(700)}}
	c := mustNewClient(t, db)

	total, err := c.Add(context.Background(), "1.2.3.4", 200, testNow, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 700, total)
	require.Len(t, db.updateInputs, 1)

	in := db.updateInputs[0]
	require.Equal(t, "SET tokensUsed = tokensUsed + :tokens, lastUpdated = :now, clientId = :cid", *in.UpdateExpression)
	require.Equal(t, "attribute_exists(PK) AND lastUpdated >= :cutoff", *in.ConditionExpression)
	cutoff := in.ExpressionAttributeValues[":cutoff"].(*types.AttributeValueMemberN).Value
	require.Equal(t, strconv.FormatInt(testNow.Add(-24*time.Hour).UnixMilli(), 10), cutoff)
	require.Equal(t, types.ReturnValueUpdatedNew, in.ReturnValues)
}

func TestAdd_ResetsMissingOrStaleRow(t *testing.T) {
	db := &fakeDynamo{updates: []updateResult{conditionFailed(), updated(200)}}
	c := mustNewClient(t, db)

	total, err := c.Add(context.Background(), "1.2.3.4", 200, testNow, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 200, total)
	require.Len(t, db.updateInputs, 2)
	require.Equal(t, "SET tokensUsed = :tokens, lastUpdated = :now, clientId = :cid", *db.updateInputs[1].UpdateExpression)
	require.Equal(t, "attribute_not_exists(PK) OR lastUpdated < :cutoff", *db.updateInputs[1].ConditionExpression)
}

func TestAdd_RetriesWhenBothConditionsLoseRace(t *testing.T) {
	db := &fakeDynamo{updates: []updateResult{conditionFailed(), conditionFailed(), updated(900)}}
	c := mustNewClient(t, db)

	total, err := c.Add(context.Background(), "1.2.3.4", 100, testNow, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 900, total)
	require.Len(t, db.updateInputs, 3)
}

func TestAdd_GivesUpAfterMaxAttempts(t *testing.T) {
	db := &fakeDynamo{}
	for i := 0; i < 2*maxCommitAttempts; i++ {
		db.updates = append(db.updates, conditionFailed())
	}
	c := mustNewClient(t, db)

	_, err := c.Add(context.Background(), "1.2.3.4", 100, testNow, 24*time.Hour)
	require.ErrorContains(t, err, "no progress")
}

func TestAdd_PropagatesOtherErrors(t *testing.T) {
	db := &fakeDynamo{updates: []updateResult{{err: errors.New("ProvisionedThroughputExceededException")}}}
	c := mustNewClient(t, db)
	_, err := c.Add(context.Background(), "1.2.3.4", 100, testNow, 24*time.Hour)
	require.ErrorContains(t, err, "Add accumulate")

	db = &fakeDynamo{updates: []updateResult{conditionFailed(), {err: errors.New("internal")}}}
	c = mustNewClient(t, db)
	_, err = c.Add(context.Background(), "1.2.3.4", 100, testNow, 24*time.Hour)
	require.ErrorContains(t, err, "Add reset")
}

func TestRecordConversation_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	err := c.RecordConversation(context.Background(), domain.ConversationRecord{
		ID:               "rec-1",
		ClientID:         "1.2.3.4",
		Stage:            domain.StageClassifier,
		InputText:        "prompt",
		OutputText:       `{"relevant_urls":[]}`,
		PromptTokens:     10,
		CompletionTokens: 5,
		TotalTokens:      15,
		ProcessingTime:   1500 * time.Millisecond,
		CreatedAt:        testNow,
	})
	require.NoError(t, err)

	item := db.lastPutInput.Item
	require.Equal(t, "CLIENT#1.2.3.4", item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, callSK(testNow, "rec-1"), item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "classifier", item["agentStage"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "15", item["totalTokens"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "1500", item["processingTimeMs"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *db.lastPutInput.ConditionExpression)
}

func TestRecordConversation_FillsIDAndTimestamp(t *testing.T) {
	orig := newID
	newID = func() string { return "generated" }
	defer func() { newID = orig }()

	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.RecordConversation(context.Background(), domain.ConversationRecord{ClientID: "1.2.3.4", Stage: domain.StageAnswer}))
	require.Equal(t, "generated", db.lastPutInput.Item["id"].(*types.AttributeValueMemberS).Value)
	require.NotEmpty(t, db.lastPutInput.Item["createdAt"].(*types.AttributeValueMemberS).Value)
}

func TestRecordConversation_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	err := c.RecordConversation(context.Background(), domain.ConversationRecord{})
	require.ErrorContains(t, err, "client id is required")

	c = mustNewClient(t, &fakeDynamo{putErr: errors.New("throttled")})
	err = c.RecordConversation(context.Background(), domain.ConversationRecord{ClientID: "1.2.3.4"})
	require.ErrorContains(t, err, "RecordConversation")
}

func TestCallSK(t *testing.T) {
	ts := time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)
	require.Equal(t, "CALL#2026-02-25T10:00:00Z#abc", callSK(ts, "abc"))
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil, "test-table")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestNew_EmptyTableName(t *testing.T) {
	_, err := New(&fakeDynamo{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}
