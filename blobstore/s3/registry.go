package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ErrNotImproved is returned by PublishBest when the stored metric is
// already better than the candidate.
var ErrNotImproved = errors.New("stored metric is already better")

// ErrNoBest is returned by Best when no metric has been published yet.
var ErrNoBest = errors.New("no best metric published")

// DDBClient is the subset of the DynamoDB API used by the registry.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// BestEntry is the registry record for one experiment.
type BestEntry struct {
	Experiment string
	Epoch      int
	Metric     float64
	Checkpoint string
}

// Registry tracks the best evaluation metric per experiment in
// DynamoDB. The conditional write gives the compare-and-set semantics
// object storage lacks, so restarted or concurrent runs can never
// regress the "best" pointer.
//
// Table schema: partition key "experiment" (string).
//
// Create with:
//
//	aws dynamodb create-table \
//	  --table-name soundlens-runs \
//	  --attribute-definitions AttributeName=experiment,AttributeType=S \
//	  --key-schema AttributeName=experiment,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
type Registry struct {
	client    DDBClient
	tableName string
}

// NewRegistry creates a registry over the given table.
func NewRegistry(client DDBClient, tableName string) *Registry {
	return &Registry{client: client, tableName: tableName}
}

// PublishBest records entry as the experiment's best, conditional on
// the candidate metric being >= the stored one (or no record
// existing). Returns ErrNotImproved if the condition fails.
func (r *Registry) PublishBest(ctx context.Context, entry BestEntry) error {
	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item: map[string]types.AttributeValue{
			"experiment": &types.AttributeValueMemberS{Value: entry.Experiment},
			"epoch":      &types.AttributeValueMemberN{Value: strconv.Itoa(entry.Epoch)},
			"metric":     &types.AttributeValueMemberN{Value: strconv.FormatFloat(entry.Metric, 'g', -1, 64)},
			"checkpoint": &types.AttributeValueMemberS{Value: entry.Checkpoint},
		},
		ConditionExpression: aws.String("attribute_not_exists(experiment) OR metric <= :m"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":m": &types.AttributeValueMemberN{Value: strconv.FormatFloat(entry.Metric, 'g', -1, 64)},
		},
	})
	if err != nil {
		var cond *types.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return ErrNotImproved
		}
		return fmt.Errorf("registry: publish best: %w", err)
	}

	return nil
}

// Best returns the experiment's current best entry.
func (r *Registry) Best(ctx context.Context, experiment string) (BestEntry, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"experiment": &types.AttributeValueMemberS{Value: experiment},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return BestEntry{}, fmt.Errorf("registry: get best: %w", err)
	}
	if len(out.Item) == 0 {
		return BestEntry{}, ErrNoBest
	}

	entry := BestEntry{Experiment: experiment}
	if v, ok := out.Item["epoch"].(*types.AttributeValueMemberN); ok {
		entry.Epoch, err = strconv.Atoi(v.Value)
		if err != nil {
			return BestEntry{}, fmt.Errorf("registry: malformed epoch: %w", err)
		}
	}
	if v, ok := out.Item["metric"].(*types.AttributeValueMemberN); ok {
		entry.Metric, err = strconv.ParseFloat(v.Value, 64)
		if err != nil {
			return BestEntry{}, fmt.Errorf("registry: malformed metric: %w", err)
		}
	}
	if v, ok := out.Item["checkpoint"].(*types.AttributeValueMemberS); ok {
		entry.Checkpoint = v.Value
	}

	return entry, nil
}
