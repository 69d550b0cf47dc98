// Package lock provides mutual exclusion between harness runs
// sharing one test environment, backed by a DynamoDB table.
package lock

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/harborci/e2ebot/log"
	"github.com/harborci/e2ebot/poll"
)

// TableName is the table holding one item per locked environment.
const TableName = "e2e-test-environment-locks"

// Vars, not consts, so tests can shorten them.
var (
	acquireTimeout  = 15 * time.Minute
	acquireInterval = 15 * time.Second
)

// dynamoAPI is the subset of the DynamoDB API the client uses,
// narrowed for testing.
type dynamoAPI interface {
	CreateTable(*dynamodb.CreateTableInput) (*dynamodb.CreateTableOutput, error)
	PutItem(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error)
	DeleteItem(*dynamodb.DeleteItemInput) (*dynamodb.DeleteItemOutput, error)
}

// Client acquires and releases environment leases.
// Each lease carries an owner token and an expiry so a crashed
// run cannot hold an environment forever.
type Client struct {
	db    dynamoAPI
	owner string
}

// NewClient returns a Client backed by sess.
func NewClient(sess *session.Session) *Client {
	host, _ := os.Hostname()
	return &Client{
		db:    dynamodb.New(sess),
		owner: host + "/" + uuid.NewString(),
	}
}

func newClientWith(db dynamoAPI, owner string) *Client {
	return &Client{db: db, owner: owner}
}

// EnsureTable creates the lock table if it does not exist yet.
func (c *Client) EnsureTable() error {
	_, err := c.db.CreateTable(&dynamodb.CreateTableInput{
		TableName:   aws.String(TableName),
		BillingMode: aws.String(dynamodb.BillingModePayPerRequest),
		AttributeDefinitions: []*dynamodb.AttributeDefinition{{
			AttributeName: aws.String("name"),
			AttributeType: aws.String("S"),
		}},
		KeySchema: []*dynamodb.KeySchemaElement{{
			AttributeName: aws.String("name"),
			KeyType:       aws.String("HASH"),
		}},
	})
	if aerr, ok := err.(awserr.Error); ok && aerr.Code() == dynamodb.ErrCodeResourceInUseException {
		return nil
	}
	if err != nil {
		return xerrors.Errorf("creating lock table: %w", err)
	}
	return nil
}

// Lease is a held environment lock. Release it when the run
// is finished with the environment.
type Lease struct {
	c    *Client
	Name string
}

// Acquire takes the lease for the named environment, waiting
// for the current holder to release or expire. The lease is
// written with an expiry of ttl from now.
func (c *Client) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	log.Printkv(ctx, "at", "acquire-lock", "environment", name)
	lease, err := poll.Wait(ctx, func(ctx context.Context) poll.Result[*Lease] {
		expires := time.Now().Add(ttl).Unix()
		_, err := c.db.PutItem(&dynamodb.PutItemInput{
			TableName: aws.String(TableName),
			Item: map[string]*dynamodb.AttributeValue{
				"name":    {S: aws.String(name)},
				"owner":   {S: aws.String(c.owner)},
				"expires": {N: aws.String(formatUnix(expires))},
			},
			ConditionExpression: aws.String("attribute_not_exists(#n) OR expires < :now"),
			ExpressionAttributeNames: map[string]*string{
				"#n": aws.String("name"),
			},
			ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
				":now": {N: aws.String(formatUnix(time.Now().Unix()))},
			},
		})
		if aerr, ok := err.(awserr.Error); ok {
			switch aerr.Code() {
			case dynamodb.ErrCodeConditionalCheckFailedException:
				return poll.Retry[*Lease]("environment " + name + " is locked by another run")
			case dynamodb.ErrCodeResourceNotFoundException:
				// A table EnsureTable just created stays in
				// CREATING for a few seconds; puts against it
				// 404 until it goes ACTIVE.
				return poll.Retry[*Lease]("lock table is not active yet")
			}
		}
		if err != nil {
			return poll.Fatal[*Lease](xerrors.Errorf("writing lock item: %w", err))
		}
		return poll.Success(&Lease{c: c, Name: name})
	}, acquireTimeout, acquireInterval)
	if err != nil {
		return nil, xerrors.Errorf("acquiring lock for %s: %w", name, err)
	}
	log.Printkv(ctx, "at", "acquired-lock", "environment", name)
	return lease, nil
}

// Release deletes the lease. It fails if another run's lease
// has replaced this one, which means our expiry passed.
func (l *Lease) Release(ctx context.Context) error {
	_, err := l.c.db.DeleteItem(&dynamodb.DeleteItemInput{
		TableName: aws.String(TableName),
		Key: map[string]*dynamodb.AttributeValue{
			"name": {S: aws.String(l.Name)},
		},
		ConditionExpression: aws.String("#o = :owner"),
		ExpressionAttributeNames: map[string]*string{
			"#o": aws.String("owner"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":owner": {S: aws.String(l.c.owner)},
		},
	})
	if aerr, ok := err.(awserr.Error); ok && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
		return xerrors.Errorf("lease for %s expired and was taken by another run", l.Name)
	}
	if err != nil {
		return xerrors.Errorf("releasing lock for %s: %w", l.Name, err)
	}
	log.Printkv(ctx, "at", "released-lock", "environment", l.Name)
	return nil
}

func formatUnix(n int64) string {
	return strconv.FormatInt(n, 10)
}
