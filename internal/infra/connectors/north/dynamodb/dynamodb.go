// Package dynamodb writes delivered values into a DynamoDB table.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/coachpo/fieldgate/internal/app/north"
	"github.com/coachpo/fieldgate/internal/domain/content"
	"github.com/coachpo/fieldgate/internal/infra/connectors/shared"
)

// Type is the registry key.
const Type = "dynamodb"

// maxBatch is the BatchWriteItem request limit.
const maxBatch = 25

const defaultMaxRetries = 3

// Options configures the DynamoDB destination.
type Options struct {
	Table      string `json:"table"`
	Region     string `json:"region"`
	Endpoint   string `json:"endpoint"`
	AccessKey  string `json:"accessKey"`
	SecretKey  string `json:"secretKey"`
	MaxRetries int    `json:"maxRetries"`
}

// API is the subset of the DynamoDB client the connector uses.
type API interface {
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// record is one stored value. pointId is the partition key, timestamp the sort key.
type record struct {
	PointID   string         `dynamodbav:"pointId"`
	Timestamp string         `dynamodbav:"timestamp"`
	Source    string         `dynamodbav:"source"`
	Data      map[string]any `dynamodbav:"data,omitempty"`
	Raw       string         `dynamodbav:"raw,omitempty"`
}

// Connector writes value batches with BatchWriteItem.
type Connector struct {
	id     string
	opts   Options
	logger *zap.Logger
	newAPI func(ctx context.Context) (API, error)

	mu  sync.RWMutex
	api API
}

var _ north.Connector = (*Connector)(nil)

// New validates options.
func New(id string, options map[string]any, logger *zap.Logger) (*Connector, error) {
	var opts Options
	if err := shared.Decode("dynamodb", options, &opts); err != nil {
		return nil, err
	}
	if err := shared.Required("dynamodb", "table", opts.Table); err != nil {
		return nil, err
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Connector{id: id, opts: opts, logger: logger}
	c.newAPI = c.defaultAPI
	return c, nil
}

// NewWithAPI builds a connector over an existing client.
func NewWithAPI(id string, opts Options, api API, logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{id: id, opts: opts, logger: logger, newAPI: func(context.Context) (API, error) { return api, nil }}
}

func (c *Connector) defaultAPI(ctx context.Context) (API, error) {
	loaders := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRetryMaxAttempts(c.opts.MaxRetries),
	}
	if c.opts.Region != "" {
		loaders = append(loaders, awsconfig.WithRegion(c.opts.Region))
	}
	if c.opts.AccessKey != "" {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.opts.AccessKey, c.opts.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, err
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if c.opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.opts.Endpoint)
		}
	}), nil
}

// Connect builds the client and checks the table exists.
func (c *Connector) Connect(ctx context.Context) error {
	api, err := c.newAPI(ctx)
	if err != nil {
		return shared.Transport("dynamodb", "load aws configuration", err)
	}
	if _, err := api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(c.opts.Table)}); err != nil {
		return classify("describe table", err)
	}
	c.mu.Lock()
	c.api = api
	c.mu.Unlock()
	return nil
}

func (c *Connector) Disconnect(context.Context) error {
	c.mu.Lock()
	c.api = nil
	c.mu.Unlock()
	return nil
}

func (c *Connector) Accepts() []content.Type {
	return []content.Type{content.TypeTimeValues}
}

// Send writes the batch in chunks. Unprocessed items are resubmitted once;
// leftovers fail the run so the whole batch is retried.
func (c *Connector) Send(ctx context.Context, p content.Payload) error {
	c.mu.RLock()
	api := c.api
	c.mu.RUnlock()
	if api == nil {
		return shared.Disconnected("dynamodb")
	}
	requests := make([]types.WriteRequest, 0, len(p.Values))
	for _, v := range p.Values {
		item, err := attributevalue.MarshalMap(toRecord(v, p.Source))
		if err != nil {
			return shared.Rejected("dynamodb", fmt.Sprintf("marshal value of %s", v.PointID), err)
		}
		requests = append(requests, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
	}
	for start := 0; start < len(requests); start += maxBatch {
		end := min(start+maxBatch, len(requests))
		if err := c.write(ctx, api, requests[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connector) write(ctx context.Context, api API, chunk []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{c.opts.Table: chunk}
	for attempt := 0; attempt < 2 && len(pending[c.opts.Table]) > 0; attempt++ {
		out, err := api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return classify("batch write", err)
		}
		pending = out.UnprocessedItems
	}
	if left := len(pending[c.opts.Table]); left > 0 {
		return shared.Transport("dynamodb", fmt.Sprintf("%d items left unprocessed", left), nil)
	}
	return nil
}

func toRecord(v content.TimeValue, source string) record {
	r := record{PointID: v.PointID, Timestamp: v.Timestamp.UTC().Format(time.RFC3339Nano), Source: source}
	if len(v.Data) == 0 {
		return r
	}
	var data map[string]any
	if err := json.Unmarshal(v.Data, &data); err == nil {
		r.Data = data
	} else {
		r.Raw = string(v.Data)
	}
	return r
}

// apiError matches smithy API errors without importing smithy.
type apiError interface {
	ErrorCode() string
}

func classify(op string, err error) error {
	var validation apiError
	if errors.As(err, &validation) && validation.ErrorCode() == "ValidationException" {
		return shared.Rejected("dynamodb", op, err)
	}
	return shared.Transport("dynamodb", op, err)
}
